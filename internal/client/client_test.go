package client

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/spigell/service-exchange/internal/api"
	"github.com/spigell/service-exchange/internal/auth"
	"github.com/spigell/service-exchange/internal/lifecycle"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/matching"
	"github.com/spigell/service-exchange/internal/store"
)

func newExchange(t *testing.T) *httptest.Server {
	t.Helper()

	st := store.NewMemory()
	locker := store.NewKeyedMutex()
	mdeps := &market.Deps{Store: st, Locker: locker}
	accounts := market.NewAccountRegistry(mdeps)
	bids := market.NewBidRegistry(mdeps, accounts)
	jobs := market.NewJobRegistry(mdeps)

	srv := api.New(&api.Config{RateLimit: 100, RateBurst: 100}, &api.Deps{
		Auth:      auth.New(&auth.Config{Cost: bcrypt.MinCost}, st, accounts, nil),
		Accounts:  accounts,
		Bids:      bids,
		Jobs:      jobs,
		Engine:    matching.New(nil, &matching.Deps{Accounts: accounts, Bids: bids, Jobs: jobs}),
		Lifecycle: lifecycle.New(nil, &lifecycle.Deps{Accounts: accounts, Bids: bids, Jobs: jobs, Locker: locker}),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func ptr(v float64) *float64 { return &v }

func TestClientAgainstExchange(t *testing.T) {
	ts := newExchange(t)
	ctx := context.Background()

	buyer := New(nil, ts.URL)
	require.NoError(t, buyer.EnsureLogin(ctx, "buyer", "password123"))
	// registering twice is tolerated
	require.NoError(t, buyer.EnsureLogin(ctx, "buyer", "password123"))

	id, err := buyer.SubmitBid(ctx, &Bid{
		Service:      market.TextService("TEST: fix a leaking tap"),
		Price:        80,
		EndTime:      time.Now().Add(time.Hour).Unix(),
		LocationType: market.LocationPhysical,
		Lat:          ptr(39.73),
		Lon:          ptr(-104.99),
	})
	require.NoError(t, err)

	own, err := buyer.MyBids(ctx)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, id, own[0].ID)

	data, err := buyer.ExchangeData(ctx, "TEST", 10, true)
	require.NoError(t, err)
	assert.Len(t, data.ActiveBids, 1)

	provider := New(nil, ts.URL)
	require.NoError(t, provider.EnsureLogin(ctx, "plumber", "password123"))

	grab := &Grab{
		Capabilities: "tap repair, leaking pipes",
		LocationType: market.LocationPhysical,
		Lat:          ptr(39.74),
		Lon:          ptr(-104.98),
	}
	job, err := provider.GrabJob(ctx, grab)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.BidID)

	none, err := provider.GrabJob(ctx, grab)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, provider.SignJob(ctx, job.ID, 5))
	require.NoError(t, buyer.SignJob(ctx, job.ID, 4))

	jobs, err := provider.MyJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs.Completed, 1)
	assert.Equal(t, market.JobCompleted, jobs.Completed[0].Status)

	info, err := buyer.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.CompletedJobs)
	assert.Equal(t, 5.0, info.Stars)
}

func TestClientErrors(t *testing.T) {
	ts := newExchange(t)
	ctx := context.Background()

	c := New(nil, ts.URL+"/")
	err := c.Login(ctx, "ghost", "password123")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
	assert.Contains(t, err.Error(), "invalid username or password")

	_, err = c.MyBids(ctx)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))

	require.NoError(t, c.EnsureLogin(ctx, "someone", "password123"))
	err = c.CancelBid(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, StatusOf(err))

	assert.Equal(t, 0, StatusOf(context.Canceled))
}

func TestClientGzipResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"username":"alice","reputation_score":2.5}`))
		_ = gz.Close()
	}))
	defer ts.Close()

	c := New(nil, ts.URL)
	c.SetToken("tok")

	info, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, 2.5, info.ReputationScore)
}
