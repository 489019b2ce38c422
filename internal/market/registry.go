package market

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/geo"
	"github.com/spigell/service-exchange/internal/store"
)

// Deps aggregates the collaborators shared by the registries.
type Deps struct {
	Store    store.Store
	Locker   store.Locker
	Geocoder geo.Geocoder
	Logger   *zap.Logger
	Now      func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// AccountRegistry stores accounts.
type AccountRegistry struct {
	deps *Deps
}

func NewAccountRegistry(deps *Deps) *AccountRegistry {
	return &AccountRegistry{deps: deps}
}

// Create stores a new account. An existing username is a conflict.
func (r *AccountRegistry) Create(ctx context.Context, acct *Account) error {
	key := store.AccountKey(acct.Username)

	unlock, err := r.deps.Locker.Lock(ctx, key)
	if err != nil {
		return Internal("lock account", err)
	}
	defer unlock()

	exists, err := r.deps.Store.Exists(ctx, key)
	if err != nil {
		return Internal("check account", err)
	}
	if exists {
		return Errorf(KindConflict, "username already exists")
	}

	if err := store.PutJSON(ctx, r.deps.Store, key, acct); err != nil {
		return Internal("save account", err)
	}
	return nil
}

func (r *AccountRegistry) Get(ctx context.Context, username string) (*Account, error) {
	var acct Account
	err := store.GetJSON(ctx, r.deps.Store, store.AccountKey(username), &acct)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errorf(KindNotFound, "account %q not found", username)
	}
	if err != nil {
		return nil, Internal("load account", err)
	}
	return &acct, nil
}

// Update applies fn to the stored account under the account lock and saves the result.
func (r *AccountRegistry) Update(ctx context.Context, username string, fn func(*Account) error) (*Account, error) {
	unlock, err := r.deps.Locker.Lock(ctx, store.AccountKey(username))
	if err != nil {
		return nil, Internal("lock account", err)
	}
	defer unlock()

	acct, err := r.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := fn(acct); err != nil {
		return nil, err
	}
	if err := store.PutJSON(ctx, r.deps.Store, store.AccountKey(username), acct); err != nil {
		return nil, Internal("save account", err)
	}
	return acct, nil
}

// JobRegistry stores jobs. Jobs are never deleted.
type JobRegistry struct {
	deps *Deps
}

func NewJobRegistry(deps *Deps) *JobRegistry {
	return &JobRegistry{deps: deps}
}

func (r *JobRegistry) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := store.GetJSON(ctx, r.deps.Store, store.JobKey(id), &job)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errorf(KindNotFound, "job not found")
	}
	if err != nil {
		return nil, Internal("load job", err)
	}
	return &job, nil
}

func (r *JobRegistry) Put(ctx context.Context, job *Job) error {
	if err := store.PutJSON(ctx, r.deps.Store, store.JobKey(job.ID), job); err != nil {
		return Internal("save job", err)
	}
	return nil
}

// ListByParty returns every job in which username is buyer or provider.
func (r *JobRegistry) ListByParty(ctx context.Context, username string) ([]*Job, error) {
	jobs, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	mine := make([]*Job, 0)
	for _, job := range jobs {
		if _, ok := job.RoleOf(username); ok {
			mine = append(mine, job)
		}
	}
	return mine, nil
}

// All returns every stored job in key order.
func (r *JobRegistry) All(ctx context.Context) ([]*Job, error) {
	jobs, err := store.ListJSON[Job](ctx, r.deps.Store, store.JobsPrefix)
	if err != nil {
		return nil, Internal("list jobs", err)
	}
	return jobs, nil
}
