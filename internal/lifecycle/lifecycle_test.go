package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/store"
)

var testNow = time.Unix(1_700_000_000, 0)

type failingJobs struct {
	store.Store
}

func (f failingJobs) Put(ctx context.Context, key string, doc []byte) error {
	if strings.HasPrefix(key, store.JobsPrefix) {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, key, doc)
}

// failingAccount refuses writes to one account while fail is set.
type failingAccount struct {
	store.Store
	username string
	fail     *atomic.Bool
}

func (f failingAccount) Put(ctx context.Context, key string, doc []byte) error {
	if f.fail.Load() && key == store.AccountKey(f.username) {
		return errors.New("connection reset")
	}
	return f.Store.Put(ctx, key, doc)
}

type fixture struct {
	accounts *market.AccountRegistry
	bids     *market.BidRegistry
	jobs     *market.JobRegistry
	manager  *Manager
	job      *market.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	return newFixtureWithStore(t, st, st)
}

// newFixtureWithStore seeds the job through seed, which may bypass st.
func newFixtureWithStore(t *testing.T, st, seed store.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	locker := store.NewKeyedMutex()
	mdeps := &market.Deps{Store: st, Locker: locker, Now: func() time.Time { return testNow }}

	f := &fixture{
		accounts: market.NewAccountRegistry(mdeps),
		jobs:     market.NewJobRegistry(mdeps),
	}
	f.bids = market.NewBidRegistry(mdeps, f.accounts)
	f.manager = New(nil, &Deps{
		Accounts: f.accounts,
		Bids:     f.bids,
		Jobs:     f.jobs,
		Locker:   locker,
		Now:      func() time.Time { return testNow },
		NewID:    func() string { return "reopened" },
	})

	require.NoError(t, f.accounts.Create(ctx, &market.Account{Username: "buyer"}))
	require.NoError(t, f.accounts.Create(ctx, &market.Account{Username: "cleaner"}))

	lat, lon := 39.73, -104.99
	bid := &market.Bid{
		ID:              "bid-1",
		Username:        "buyer",
		Service:         market.TextService("house cleaning"),
		Price:           150,
		Currency:        "USD",
		PaymentMethod:   market.PaymentCash,
		EndTime:         testNow.Add(-time.Minute).Unix(),
		LocationType:    market.LocationPhysical,
		Lat:             &lat,
		Lon:             &lon,
		BuyerReputation: 3.1,
	}
	f.job = market.NewJob("job-1", bid, "cleaner", 2.5, testNow.Add(-2*time.Hour))

	require.NoError(t, store.PutJSON(ctx, seed, store.JobKey(f.job.ID), f.job))
	return f
}

func (f *fixture) account(t *testing.T, username string) *market.Account {
	t.Helper()
	acct, err := f.accounts.Get(context.Background(), username)
	require.NoError(t, err)
	return acct
}

func TestRejectJobRestoresBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, bid, err := f.manager.RejectJob(ctx, "cleaner", "job-1", "too far")
	require.NoError(t, err)

	assert.Equal(t, market.JobRejected, job.Status)
	assert.Equal(t, testNow.Unix(), job.RejectedAt)
	assert.Equal(t, "too far", job.RejectionReason)

	assert.Equal(t, "reopened", bid.ID)
	assert.Equal(t, "buyer", bid.Username)
	assert.Equal(t, 150.0, bid.Price)
	assert.Equal(t, 3.1, bid.BuyerReputation)
	assert.Equal(t, testNow.Add(DefaultRejectGrace).Unix(), bid.EndTime)

	live, err := f.bids.Live(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"reopened"}, live.IDs())

	stored, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, market.JobRejected, stored.Status)
}

func TestRejectJobRefusals(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(*testing.T, *fixture)
		provider string
		jobID    string
		kind     market.Kind
	}{
		{name: "empty id", provider: "cleaner", jobID: "", kind: market.KindBadInput},
		{name: "unknown job", provider: "cleaner", jobID: "nope", kind: market.KindNotFound},
		{name: "buyer cannot reject", provider: "buyer", jobID: "job-1", kind: market.KindForbidden},
		{name: "stranger cannot reject", provider: "mallory", jobID: "job-1", kind: market.KindForbidden},
		{
			name: "already rejected",
			prepare: func(t *testing.T, f *fixture) {
				_, _, err := f.manager.RejectJob(context.Background(), "cleaner", "job-1", "")
				require.NoError(t, err)
			},
			provider: "cleaner", jobID: "job-1", kind: market.KindConflict,
		},
		{
			name: "already signed",
			prepare: func(t *testing.T, f *fixture) {
				_, err := f.manager.SignJob(context.Background(), "buyer", "job-1", 4)
				require.NoError(t, err)
			},
			provider: "cleaner", jobID: "job-1", kind: market.KindConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			_, _, err := f.manager.RejectJob(context.Background(), tt.provider, tt.jobID, "")
			require.Error(t, err)
			assert.Equal(t, tt.kind, market.KindOf(err))
		})
	}
}

func TestRejectJobDropsBidWhenJobWriteFails(t *testing.T) {
	mem := store.NewMemory()
	f := newFixtureWithStore(t, failingJobs{Store: mem}, mem)

	_, _, err := f.manager.RejectJob(context.Background(), "cleaner", "job-1", "")
	require.Error(t, err)
	assert.Equal(t, market.KindInternal, market.KindOf(err))

	all, err := f.bids.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, all.Len())
}

func TestSignJobCompletesAfterBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.manager.SignJob(ctx, "buyer", "job-1", 5)
	require.NoError(t, err)
	assert.Equal(t, market.JobAccepted, job.Status)
	assert.True(t, job.BuyerSigned)
	assert.Equal(t, 5, job.BuyerRating)

	cleaner := f.account(t, "cleaner")
	assert.Equal(t, 5, cleaner.Stars)
	assert.Equal(t, 1, cleaner.TotalRatings)
	assert.Equal(t, 0, cleaner.CompletedJobs)

	job, err = f.manager.SignJob(ctx, "cleaner", "job-1", 3)
	require.NoError(t, err)
	assert.Equal(t, market.JobCompleted, job.Status)
	assert.Equal(t, testNow.Unix(), job.CompletedAt)

	buyer := f.account(t, "buyer")
	assert.Equal(t, 3, buyer.Stars)
	assert.Equal(t, 1, buyer.TotalRatings)
	assert.Equal(t, 1, buyer.CompletedJobs)

	cleaner = f.account(t, "cleaner")
	assert.Equal(t, 5, cleaner.Stars)
	assert.Equal(t, 1, cleaner.CompletedJobs)
}

func TestSignJobTwiceIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SignJob(ctx, "buyer", "job-1", 4)
	require.NoError(t, err)

	_, err = f.manager.SignJob(ctx, "buyer", "job-1", 4)
	require.Error(t, err)
	assert.Equal(t, market.KindConflict, market.KindOf(err))

	cleaner := f.account(t, "cleaner")
	assert.Equal(t, 4, cleaner.Stars)
	assert.Equal(t, 1, cleaner.TotalRatings)
}

func TestSignJobRefusals(t *testing.T) {
	tests := []struct {
		name   string
		signer string
		jobID  string
		rating int
		reject bool
		kind   market.Kind
	}{
		{name: "rating too low", signer: "buyer", jobID: "job-1", rating: 0, kind: market.KindBadInput},
		{name: "rating too high", signer: "buyer", jobID: "job-1", rating: 6, kind: market.KindBadInput},
		{name: "missing id", signer: "buyer", jobID: " ", rating: 3, kind: market.KindBadInput},
		{name: "unknown job", signer: "buyer", jobID: "nope", rating: 3, kind: market.KindNotFound},
		{name: "not a party", signer: "mallory", jobID: "job-1", rating: 3, kind: market.KindForbidden},
		{name: "rejected job", signer: "buyer", jobID: "job-1", rating: 3, reject: true, kind: market.KindConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.reject {
				_, _, err := f.manager.RejectJob(context.Background(), "cleaner", "job-1", "")
				require.NoError(t, err)
			}
			_, err := f.manager.SignJob(context.Background(), tt.signer, tt.jobID, tt.rating)
			require.Error(t, err)
			assert.Equal(t, tt.kind, market.KindOf(err))
		})
	}
}

func TestSignJobConcurrentSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, signer := range []string{"buyer", "cleaner"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			if _, err := f.manager.SignJob(ctx, s, "job-1", 4); err != nil {
				t.Errorf("sign %s: %v", s, err)
			}
		}(signer)
	}
	wg.Wait()

	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, job.BuyerSigned)
	assert.True(t, job.ProviderSigned)
	assert.Equal(t, market.JobCompleted, job.Status)

	assert.Equal(t, 1, f.account(t, "buyer").CompletedJobs)
	assert.Equal(t, 1, f.account(t, "cleaner").CompletedJobs)
}

func TestNewDefaults(t *testing.T) {
	m := New(nil, &Deps{})
	assert.Equal(t, DefaultRejectGrace, m.grace)

	m = New(&Config{RejectGrace: 2 * time.Hour}, &Deps{})
	assert.Equal(t, 2*time.Hour, m.grace)
}

func TestSignJobRetryAfterCounterpartyWriteFails(t *testing.T) {
	mem := store.NewMemory()
	fail := &atomic.Bool{}
	f := newFixtureWithStore(t, failingAccount{Store: mem, username: "cleaner", fail: fail}, mem)
	ctx := context.Background()

	fail.Store(true)
	_, err := f.manager.SignJob(ctx, "buyer", "job-1", 5)
	require.Error(t, err)

	stored, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, stored.BuyerSigned)
	assert.Equal(t, 0, stored.BuyerRating)

	fail.Store(false)
	job, err := f.manager.SignJob(ctx, "buyer", "job-1", 5)
	require.NoError(t, err)
	assert.True(t, job.BuyerSigned)

	cleaner := f.account(t, "cleaner")
	assert.Equal(t, 5, cleaner.Stars)
	assert.Equal(t, 1, cleaner.TotalRatings)
}

func TestSignJobRetryAfterSignerWriteFails(t *testing.T) {
	mem := store.NewMemory()
	fail := &atomic.Bool{}
	f := newFixtureWithStore(t, failingAccount{Store: mem, username: "buyer", fail: fail}, mem)
	ctx := context.Background()

	_, err := f.manager.SignJob(ctx, "cleaner", "job-1", 4)
	require.NoError(t, err)

	// the buyer's signature completes the job; the buyer's own counter is written last
	fail.Store(true)
	_, err = f.manager.SignJob(ctx, "buyer", "job-1", 5)
	require.Error(t, err)

	stored, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, market.JobAccepted, stored.Status)
	assert.False(t, stored.BuyerSigned)
	assert.True(t, stored.ProviderSigned)

	buyer := f.account(t, "buyer")
	assert.Equal(t, 4, buyer.Stars)
	assert.Equal(t, 0, buyer.CompletedJobs)

	cleaner := f.account(t, "cleaner")
	assert.Equal(t, 0, cleaner.Stars)
	assert.Equal(t, 0, cleaner.TotalRatings)
	assert.Equal(t, 0, cleaner.CompletedJobs)

	fail.Store(false)
	job, err := f.manager.SignJob(ctx, "buyer", "job-1", 5)
	require.NoError(t, err)
	assert.Equal(t, market.JobCompleted, job.Status)

	buyer = f.account(t, "buyer")
	assert.Equal(t, 4, buyer.Stars)
	assert.Equal(t, 1, buyer.TotalRatings)
	assert.Equal(t, 1, buyer.CompletedJobs)

	cleaner = f.account(t, "cleaner")
	assert.Equal(t, 5, cleaner.Stars)
	assert.Equal(t, 1, cleaner.TotalRatings)
	assert.Equal(t, 1, cleaner.CompletedJobs)
}
