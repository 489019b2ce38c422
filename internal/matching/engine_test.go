package matching

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/service-exchange/internal/capability"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/seats"
	"github.com/spigell/service-exchange/internal/store"
)

var testNow = time.Unix(1_700_000_000, 0)

func ptr(v float64) *float64 { return &v }

// hookStore lets tests interfere with individual store calls.
type hookStore struct {
	store.Store

	mu       sync.Mutex
	onDelete func(key string) (handled bool, ok bool)
	failPut  func(key string) error
}

func (h *hookStore) Delete(ctx context.Context, key string) (bool, error) {
	h.mu.Lock()
	hook := h.onDelete
	h.mu.Unlock()
	if hook != nil {
		if handled, ok := hook(key); handled {
			return ok, nil
		}
	}
	return h.Store.Delete(ctx, key)
}

func (h *hookStore) Put(ctx context.Context, key string, doc []byte) error {
	h.mu.Lock()
	hook := h.failPut
	h.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}
	return h.Store.Put(ctx, key, doc)
}

type fixture struct {
	store    *hookStore
	accounts *market.AccountRegistry
	bids     *market.BidRegistry
	jobs     *market.JobRegistry
	deps     *Deps
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()

	hs := &hookStore{Store: store.NewMemory()}
	mdeps := &market.Deps{
		Store:  hs,
		Locker: store.NewKeyedMutex(),
		Now:    func() time.Time { return testNow },
	}
	f := &fixture{
		store:    hs,
		accounts: market.NewAccountRegistry(mdeps),
		jobs:     market.NewJobRegistry(mdeps),
	}
	f.bids = market.NewBidRegistry(mdeps, f.accounts)
	f.deps = &Deps{
		Accounts: f.accounts,
		Bids:     f.bids,
		Jobs:     f.jobs,
		Matcher:  capability.NewMatcher(nil, nil, nil),
		Now:      func() time.Time { return testNow },
	}

	for _, u := range users {
		require.NoError(t, f.accounts.Create(context.Background(), &market.Account{Username: u}))
	}
	return f
}

func (f *fixture) submit(t *testing.T, owner string, req *market.BidRequest) *market.Bid {
	t.Helper()
	bid, err := f.bids.Submit(context.Background(), owner, req)
	require.NoError(t, err)
	return bid
}

func cleaning(price float64) *market.BidRequest {
	return &market.BidRequest{
		Service:      market.TextService("house cleaning"),
		Price:        price,
		EndTime:      testNow.Add(time.Hour).Unix(),
		LocationType: market.LocationPhysical,
		Location:     market.Location{Lat: ptr(39.73), Lon: ptr(-104.99)},
	}
}

func cleanerRequest(maxDistance float64) *Request {
	return &Request{
		Provider:     "cleaner",
		Capabilities: "house cleaning, deep cleaning",
		LocationType: market.LocationPhysical,
		Location:     market.Location{Lat: ptr(39.74), Lon: ptr(-104.97)},
		MaxDistance:  ptr(maxDistance),
	}
}

func TestGrabJobMatchesNearbyBid(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	ctx := context.Background()
	bid := f.submit(t, "buyer", cleaning(150))

	res, err := New(nil, f.deps).GrabJob(ctx, cleanerRequest(10))
	require.NoError(t, err)
	require.Equal(t, Matched, res.Outcome)

	job := res.Job
	assert.Equal(t, 150.0, job.Price)
	assert.Equal(t, market.JobAccepted, job.Status)
	assert.Equal(t, bid.ID, job.BidID)
	assert.Equal(t, "buyer", job.BuyerUsername)
	assert.Equal(t, "cleaner", job.ProviderUsername)
	assert.Equal(t, testNow.Unix(), job.AcceptedAt)
	assert.Equal(t, 2.5, job.ProviderReputation)

	live, err := f.bids.Live(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, live.Len())

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.BidID, stored.BidID)
}

func TestGrabJobOutsideRadius(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	ctx := context.Background()
	f.submit(t, "buyer", cleaning(150))

	res, err := New(nil, f.deps).GrabJob(ctx, cleanerRequest(1))
	require.NoError(t, err)
	assert.Equal(t, NoJobsInArea, res.Outcome)
	assert.Nil(t, res.Job)

	live, err := f.bids.Live(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, live.Len())
}

func TestGrabJobPrefersHigherPriceAmongEquals(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	f.submit(t, "buyer", cleaning(100))
	rich := f.submit(t, "buyer", cleaning(200))

	res, err := New(nil, f.deps).GrabJob(context.Background(), cleanerRequest(10))
	require.NoError(t, err)
	require.Equal(t, Matched, res.Outcome)
	assert.Equal(t, rich.ID, res.Job.BidID)
}

func TestGrabJobPrefersCloserReputation(t *testing.T) {
	f := newFixture(t, "trusted", "newbie", "cleaner")
	ctx := context.Background()

	_, err := f.accounts.Update(ctx, "trusted", func(a *market.Account) error {
		a.Stars, a.TotalRatings = 50, 10
		return nil
	})
	require.NoError(t, err)

	f.submit(t, "trusted", cleaning(500))
	modest := f.submit(t, "newbie", cleaning(100))

	res, err := New(nil, f.deps).GrabJob(ctx, cleanerRequest(10))
	require.NoError(t, err)
	require.Equal(t, Matched, res.Outcome)
	assert.Equal(t, modest.ID, res.Job.BidID, "a 2.5 gap must lose to an equal-reputation bid")
}

func TestGrabJobIgnoresExpiredBids(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	f.submit(t, "buyer", cleaning(150))

	f.deps.Now = func() time.Time { return testNow.Add(time.Hour) }

	res, err := New(nil, f.deps).GrabJob(context.Background(), cleanerRequest(10))
	require.NoError(t, err)
	assert.Equal(t, NoJobsInArea, res.Outcome)
}

func TestGrabJobNoCapabilities(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	f.submit(t, "buyer", cleaning(150))

	req := cleanerRequest(10)
	req.Capabilities = "plumbing"

	res, err := New(nil, f.deps).GrabJob(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, NoJobsForCapabilities, res.Outcome)
}

func TestGrabJobLocationTypes(t *testing.T) {
	f := newFixture(t, "buyer", "coder")
	ctx := context.Background()

	remote := cleaning(80)
	remote.Service = market.TextService("write go code")
	remote.LocationType = market.LocationRemote
	remoteBid := f.submit(t, "buyer", remote)
	f.submit(t, "buyer", cleaning(150))

	req := &Request{Provider: "coder", Capabilities: "go code review", LocationType: market.LocationRemote}
	res, err := New(nil, f.deps).GrabJob(ctx, req)
	require.NoError(t, err)
	require.Equal(t, Matched, res.Outcome)
	assert.Equal(t, remoteBid.ID, res.Job.BidID)

	// the physical cleaning bid is out of reach for a remote provider
	req = &Request{Provider: "coder", Capabilities: "house cleaning", LocationType: market.LocationRemote}
	res, err = New(nil, f.deps).GrabJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, NoJobsInArea, res.Outcome)
}

func TestGrabJobSkipsOwnBids(t *testing.T) {
	f := newFixture(t, "cleaner")
	f.submit(t, "cleaner", cleaning(150))

	res, err := New(nil, f.deps).GrabJob(context.Background(), cleanerRequest(10))
	require.NoError(t, err)
	assert.Equal(t, NoJobsInArea, res.Outcome)

	core, logs := observer.New(zapcore.DebugLevel)
	f.deps.Logger = zap.New(core)

	res, err = New(&Config{IncludeOwnBids: true}, f.deps).GrabJob(context.Background(), cleanerRequest(10))
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)

	owner := logs.FilterMessage("grab_job filter").FilterField(zap.String("name", "exclude_owner")).All()
	require.Len(t, owner, 1)
	fields := owner[0].ContextMap()
	assert.Equal(t, false, fields["enabled"])
	assert.Equal(t, "own bids allowed", fields["reason"])
	assert.Equal(t, "cleaner", fields["username"])
	assert.Equal(t, 3, logs.FilterMessage("grab_job filter").Len())
}

func TestGrabJobErrors(t *testing.T) {
	f := newFixture(t, "cleaner")

	tests := []struct {
		name   string
		mutate func(*Request)
		kind   market.Kind
	}{
		{name: "empty capabilities", mutate: func(r *Request) { r.Capabilities = "  " }, kind: market.KindBadInput},
		{name: "unknown provider", mutate: func(r *Request) { r.Provider = "ghost" }, kind: market.KindNotFound},
		{name: "no location", mutate: func(r *Request) { r.Location = market.Location{} }, kind: market.KindBadInput},
		{name: "address without geocoder", mutate: func(r *Request) { r.Location = market.Location{Address: "Denver"} }, kind: market.KindBadInput},
		{name: "bad location type", mutate: func(r *Request) { r.LocationType = "space" }, kind: market.KindBadInput},
		{name: "negative distance", mutate: func(r *Request) { r.MaxDistance = ptr(-1) }, kind: market.KindBadInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cleanerRequest(10)
			tt.mutate(req)
			_, err := New(nil, f.deps).GrabJob(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, market.KindOf(err))
		})
	}
}

type stubAuthorizer struct {
	err   error
	calls int
}

func (s *stubAuthorizer) Authorize(_ context.Context, _ string, _ *seats.Credential) error {
	s.calls++
	return s.err
}

func TestGrabJobSeatGate(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	f.submit(t, "buyer", cleaning(150))

	gate := &stubAuthorizer{err: market.Errorf(market.KindForbidden, "invalid seat")}
	f.deps.Authorizer = gate

	_, err := New(nil, f.deps).GrabJob(context.Background(), cleanerRequest(10))
	assert.Equal(t, market.KindForbidden, market.KindOf(err))
	assert.Equal(t, 1, gate.calls)

	// capabilities are validated before the gate is consulted
	req := cleanerRequest(10)
	req.Capabilities = ""
	_, err = New(nil, f.deps).GrabJob(context.Background(), req)
	assert.Equal(t, market.KindBadInput, market.KindOf(err))
	assert.Equal(t, 1, gate.calls)

	gate.err = nil
	res, err := New(nil, f.deps).GrabJob(context.Background(), cleanerRequest(10))
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
}

func TestGrabJobRematchesAfterLostRace(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	ctx := context.Background()
	f.submit(t, "buyer", cleaning(100))
	rich := f.submit(t, "buyer", cleaning(200))

	// another provider consumes the preferred bid right before our commit
	var once sync.Once
	f.store.onDelete = func(key string) (bool, bool) {
		stolen := false
		once.Do(func() {
			_, _ = f.store.Store.Delete(ctx, key)
			stolen = true
		})
		return stolen, false
	}

	res, err := New(nil, f.deps).GrabJob(ctx, cleanerRequest(10))
	require.NoError(t, err)
	require.Equal(t, Matched, res.Outcome)
	assert.NotEqual(t, rich.ID, res.Job.BidID)
	assert.Equal(t, 100.0, res.Job.Price)
}

func TestGrabJobGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	f.submit(t, "buyer", cleaning(100))

	attempts := 0
	f.store.onDelete = func(string) (bool, bool) {
		attempts++
		return true, false
	}

	core, logs := observer.New(zapcore.WarnLevel)
	f.deps.Logger = zap.New(core)

	res, err := New(&Config{MaxCommitAttempts: 3}, f.deps).GrabJob(context.Background(), cleanerRequest(10))
	require.NoError(t, err)
	assert.Equal(t, NoJobsInArea, res.Outcome)
	assert.Equal(t, 3, attempts)

	// the outcome matches an empty area, the log tells them apart
	require.Equal(t, 1, logs.FilterMessage("giving up after losing every commit race").Len())

	live, err := f.bids.Live(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, live.Len())
}

func TestGrabJobRestoresBidWhenJobWriteFails(t *testing.T) {
	f := newFixture(t, "buyer", "cleaner")
	ctx := context.Background()
	bid := f.submit(t, "buyer", cleaning(100))

	f.store.failPut = func(key string) error {
		if strings.HasPrefix(key, store.JobsPrefix) {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := New(nil, f.deps).GrabJob(ctx, cleanerRequest(10))
	require.Error(t, err)
	assert.Equal(t, market.KindInternal, market.KindOf(err))

	restored, err := f.bids.Get(ctx, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, bid.Price, restored.Price)
}

func TestGrabJobConcurrentSingleWinner(t *testing.T) {
	providers := []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}
	f := newFixture(t, append([]string{"buyer"}, providers...)...)
	f.submit(t, "buyer", cleaning(150))

	engine := New(nil, f.deps)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matched []*market.Job
	)
	for _, p := range providers {
		wg.Add(1)
		go func(provider string) {
			defer wg.Done()
			req := cleanerRequest(10)
			req.Provider = provider
			res, err := engine.GrabJob(context.Background(), req)
			if err != nil {
				t.Errorf("grab job: %v", err)
				return
			}
			if res.Outcome == Matched {
				mu.Lock()
				matched = append(matched, res.Job)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	require.Len(t, matched, 1)

	jobs, err := f.jobs.ListByParty(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
