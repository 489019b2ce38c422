// Package lifecycle moves accepted jobs to their rejected or completed state.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/store"
)

// DefaultRejectGrace is how long a bid restored from a rejected job stays live.
const DefaultRejectGrace = time.Hour

const (
	MinRating = 1
	MaxRating = 5
)

type Config struct {
	RejectGrace time.Duration
}

type Deps struct {
	Accounts *market.AccountRegistry
	Bids     *market.BidRegistry
	Jobs     *market.JobRegistry
	Locker   store.Locker
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

// Manager handles rejection and signing of jobs.
type Manager struct {
	grace  time.Duration
	deps   *Deps
	logger *zap.Logger
}

func New(cfg *Config, deps *Deps) *Manager {
	grace := DefaultRejectGrace
	if cfg != nil && cfg.RejectGrace > 0 {
		grace = cfg.RejectGrace
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{grace: grace, deps: deps, logger: logger}
}

func (m *Manager) now() time.Time {
	if m.deps.Now != nil {
		return m.deps.Now()
	}
	return time.Now()
}

func (m *Manager) newID() string {
	if m.deps.NewID != nil {
		return m.deps.NewID()
	}
	return uuid.NewString()
}

func (m *Manager) lockJob(ctx context.Context, id string) (func(), error) {
	unlock, err := m.deps.Locker.Lock(ctx, store.JobKey(id))
	if err != nil {
		return nil, market.Internal("lock job", err)
	}
	return unlock, nil
}

// RejectJob lets the provider hand an accepted job back. The buyer request
// re-enters the pool as a new bid and the job is kept as rejected.
func (m *Manager) RejectJob(ctx context.Context, provider, jobID, reason string) (*market.Job, *market.Bid, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, nil, market.Errorf(market.KindBadInput, "job id is required")
	}

	unlock, err := m.lockJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	job, err := m.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.ProviderUsername != provider {
		return nil, nil, market.Errorf(market.KindForbidden, "only the provider can reject this job")
	}
	if job.Status != market.JobAccepted {
		return nil, nil, market.Errorf(market.KindConflict, "job is already %s", job.Status)
	}
	if job.BuyerSigned || job.ProviderSigned {
		return nil, nil, market.Errorf(market.KindConflict, "job has already been signed")
	}

	now := m.now()
	bid := job.ReopenedBid(m.newID(), now.Add(m.grace), now)
	if err := m.deps.Bids.Put(ctx, bid); err != nil {
		return nil, nil, err
	}

	job.Status = market.JobRejected
	job.RejectedAt = now.Unix()
	job.RejectionReason = strings.TrimSpace(reason)

	if err := m.deps.Jobs.Put(ctx, job); err != nil {
		if _, dropErr := m.deps.Bids.Take(ctx, bid.ID); dropErr != nil {
			m.logger.Error("dropping restored bid after failed job write",
				zap.String("bid_id", bid.ID),
				zap.Error(dropErr),
			)
		}
		return nil, nil, err
	}

	m.logger.Info("job rejected",
		zap.String("job_id", job.ID),
		zap.String("provider", provider),
		zap.String("new_bid_id", bid.ID),
		zap.String("reason", job.RejectionReason),
	)

	return job, bid, nil
}

// SignJob records the signer's signature and rating of the counterparty.
// The job completes once both sides have signed.
func (m *Manager) SignJob(ctx context.Context, signer, jobID string, rating int) (*market.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, market.Errorf(market.KindBadInput, "job id is required")
	}
	if rating < MinRating || rating > MaxRating {
		return nil, market.Errorf(market.KindBadInput, "star rating must be an integer between %d and %d", MinRating, MaxRating)
	}

	unlock, err := m.lockJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := m.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	role, ok := job.RoleOf(signer)
	if !ok {
		return nil, market.Errorf(market.KindForbidden, "not a party to this job")
	}
	if job.Status == market.JobRejected {
		return nil, market.Errorf(market.KindConflict, "job was rejected")
	}
	if job.Signed(role) {
		return nil, market.Errorf(market.KindConflict, "job already signed by %s", role)
	}

	prev := *job
	now := m.now()
	job.Sign(role, rating)
	completed := job.FullySigned()
	if completed {
		job.Status = market.JobCompleted
		job.CompletedAt = now.Unix()
	}

	if err := m.deps.Jobs.Put(ctx, job); err != nil {
		return nil, err
	}

	log := m.logger.With(
		zap.String("job_id", job.ID),
		zap.String("signer", signer),
		zap.String("role", string(role)),
	)

	counterparty := job.Counterparty(role)
	if err := m.rate(ctx, counterparty, rating, completed, 1); err != nil {
		log.Error("rating counterparty", zap.String("counterparty", counterparty), zap.Error(err))
		m.restoreJob(ctx, &prev, log)
		return nil, err
	}

	if completed {
		if _, err := m.deps.Accounts.Update(ctx, signer, func(a *market.Account) error {
			a.CompletedJobs++
			return nil
		}); err != nil {
			log.Error("counting completed job", zap.Error(err))
			if err := m.rate(ctx, counterparty, rating, completed, -1); err != nil {
				log.Error("withdrawing counterparty rating", zap.String("counterparty", counterparty), zap.Error(err))
			}
			m.restoreJob(ctx, &prev, log)
			return nil, err
		}
	}

	log.Info("job signed", zap.Int("rating", rating), zap.Bool("completed", completed))

	return job, nil
}

// rate applies (sign=1) or withdraws (sign=-1) a rating on username.
func (m *Manager) rate(ctx context.Context, username string, rating int, completed bool, sign int) error {
	_, err := m.deps.Accounts.Update(ctx, username, func(a *market.Account) error {
		a.Stars += sign * rating
		a.TotalRatings += sign
		if completed {
			a.CompletedJobs += sign
		}
		return nil
	})
	return err
}

// restoreJob puts back the unsigned job so the signer can retry.
func (m *Manager) restoreJob(ctx context.Context, prev *market.Job, log *zap.Logger) {
	if err := m.deps.Jobs.Put(ctx, prev); err != nil {
		log.Error("restoring job after failed sign", zap.Error(err))
	}
}
