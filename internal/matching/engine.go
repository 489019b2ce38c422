// Package matching assigns the best live bid to a provider asking for work.
package matching

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/capability"
	"github.com/spigell/service-exchange/internal/filtering"
	"github.com/spigell/service-exchange/internal/geo"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/seats"
)

const (
	DefaultMaxDistance       = 10.0
	DefaultTieBucketWidth    = 0.5
	DefaultMaxCommitAttempts = 5
)

// Outcome is the categorical result of a grab_job call.
type Outcome string

const (
	Matched Outcome = "matched"
	// NoJobsInArea is also returned when every candidate was taken by a
	// concurrent grab before MaxCommitAttempts ran out. Asking again is safe.
	NoJobsInArea          Outcome = "no_jobs_in_area"
	NoJobsForCapabilities Outcome = "no_jobs_for_capabilities"
)

// Config tunes ranking and commit behaviour.
type Config struct {
	DefaultMaxDistance float64
	// TieBucketWidth is the reputation-gap width inside which bids compete on price.
	TieBucketWidth    float64
	MaxCommitAttempts int
	// IncludeOwnBids lets a provider be matched with bids they posted themselves.
	IncludeOwnBids bool
}

// Authorizer is an optional gate checked before any bid is looked at.
type Authorizer interface {
	Authorize(ctx context.Context, provider string, cred *seats.Credential) error
}

// Deps aggregates the engine collaborators.
type Deps struct {
	Accounts   *market.AccountRegistry
	Bids       *market.BidRegistry
	Jobs       *market.JobRegistry
	Matcher    filtering.CapabilityMatcher
	Geocoder   geo.Geocoder
	Authorizer Authorizer
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// Request is a provider asking for work.
type Request struct {
	Provider     string
	Capabilities string
	LocationType market.LocationType
	Location     market.Location
	// MaxDistance in miles; nil means the configured default.
	MaxDistance *float64
	Seat        *seats.Credential
}

// Result is the outcome of GrabJob. Job is set only when Outcome is Matched.
type Result struct {
	Outcome Outcome
	Job     *market.Job
}

// Engine runs the filter, rank and commit pipeline.
type Engine struct {
	cfg    Config
	deps   *Deps
	logger *zap.Logger
}

func New(cfg *Config, deps *Deps) *Engine {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.DefaultMaxDistance <= 0 {
		c.DefaultMaxDistance = DefaultMaxDistance
	}
	if c.TieBucketWidth <= 0 {
		c.TieBucketWidth = DefaultTieBucketWidth
	}
	if c.MaxCommitAttempts <= 0 {
		c.MaxCommitAttempts = DefaultMaxCommitAttempts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Matcher == nil {
		deps.Matcher = capability.NewMatcher(nil, nil, logger)
	}

	return &Engine{cfg: c, deps: deps, logger: logger}
}

func (e *Engine) now() time.Time {
	if e.deps.Now != nil {
		return e.deps.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.deps.NewID != nil {
		return e.deps.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) validate(req *Request) (float64, error) {
	if strings.TrimSpace(req.Capabilities) == "" {
		return 0, market.Errorf(market.KindBadInput, "capabilities required")
	}
	if strings.TrimSpace(req.Provider) == "" {
		return 0, market.Errorf(market.KindBadInput, "provider is required")
	}
	if req.LocationType == "" {
		req.LocationType = market.DefaultLocationType
	}
	if !req.LocationType.Valid() {
		return 0, market.Errorf(market.KindBadInput, "unsupported location type %q", req.LocationType)
	}

	maxDistance := e.cfg.DefaultMaxDistance
	if req.MaxDistance != nil {
		maxDistance = *req.MaxDistance
		if math.IsNaN(maxDistance) || maxDistance < 0 {
			return 0, market.Errorf(market.KindBadInput, "max distance must not be negative")
		}
	}
	return maxDistance, nil
}

// GrabJob finds the best live bid for the provider and converts it into an
// accepted job. Finding nothing is reported through Result.Outcome, not as an error.
func (e *Engine) GrabJob(ctx context.Context, req *Request) (*Result, error) {
	maxDistance, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	log := e.logger.With(zap.String("provider", req.Provider))

	if e.deps.Authorizer != nil {
		if err := e.deps.Authorizer.Authorize(ctx, req.Provider, req.Seat); err != nil {
			return nil, err
		}
	}

	var point *geo.Point
	if req.LocationType.OnSite() {
		point, err = req.Location.Resolve(ctx, e.deps.Geocoder)
		if err != nil {
			return nil, err
		}
	}

	acct, err := e.deps.Accounts.Get(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	providerReputation := acct.Reputation()

	matcher := newMemoMatcher(e.deps.Matcher)

	for attempt := 1; attempt <= e.cfg.MaxCommitAttempts; attempt++ {
		now := e.now()

		pool, err := e.deps.Bids.All(ctx)
		if err != nil {
			return nil, err
		}

		area := []filtering.Filter{
			filtering.NewExpiry(now),
			filtering.NewExcludeOwner(req.Provider),
			filtering.NewLocation(filtering.LocationConfig{
				Type:        req.LocationType,
				Point:       point,
				MaxDistance: maxDistance,
			}),
		}
		if e.cfg.IncludeOwnBids {
			area[1].Disable("own bids allowed")
		}

		if attempt == 1 {
			logFilters(log, area)
		}

		deps := filtering.Deps{Logger: log}

		inArea, err := filtering.Run(ctx, deps, area, pool)
		if err != nil {
			return nil, market.Internal("filter bids", err)
		}
		if inArea.Len() == 0 {
			log.Info("no jobs in area", zap.Int("pool", pool.Len()))
			return &Result{Outcome: NoJobsInArea}, nil
		}

		capable, err := filtering.Run(ctx, deps, []filtering.Filter{
			filtering.NewCapability(matcher, req.Capabilities),
		}, inArea)
		if err != nil {
			return nil, market.Internal("filter bids", err)
		}
		if capable.Len() == 0 {
			log.Info("no jobs for capabilities", zap.Int("in_area", inArea.Len()))
			return &Result{Outcome: NoJobsForCapabilities}, nil
		}

		ranked := Rank(Candidates(capable, providerReputation), e.cfg.TieBucketWidth)
		winner := ranked[0].Bid

		taken, err := e.deps.Bids.Take(ctx, winner.ID)
		if err != nil {
			return nil, err
		}
		if !taken {
			log.Info("bid taken by another provider, rematching",
				zap.String("bid_id", winner.ID),
				zap.Int("attempt", attempt),
			)
			continue
		}

		job := market.NewJob(e.newID(), winner, req.Provider, providerReputation, now)
		if err := e.deps.Jobs.Put(ctx, job); err != nil {
			if restoreErr := e.deps.Bids.Put(ctx, winner); restoreErr != nil {
				log.Error("restoring bid after failed job write",
					zap.String("bid_id", winner.ID),
					zap.Error(restoreErr),
				)
			}
			return nil, err
		}

		log.Info("job matched",
			zap.String("job_id", job.ID),
			zap.String("bid_id", winner.ID),
			zap.String("buyer", winner.Username),
			zap.Float64("price", winner.Price),
			zap.Float64("reputation_diff", ranked[0].Diff),
			zap.Int("candidates", len(ranked)),
		)

		return &Result{Outcome: Matched, Job: job}, nil
	}

	// Every candidate went to a concurrent grab; to the caller the area is empty.
	log.Warn("giving up after losing every commit race", zap.Int("attempts", e.cfg.MaxCommitAttempts))
	return &Result{Outcome: NoJobsInArea}, nil
}

// logFilters reports the area filters a grab runs with, at debug level.
func logFilters(log *zap.Logger, steps []filtering.Filter) {
	if !log.Core().Enabled(zap.DebugLevel) {
		return
	}
	for _, st := range filtering.Describe(steps) {
		fields := []zap.Field{zap.String("name", st.Name), zap.Bool("enabled", st.Enabled)}
		if st.Reason != "" {
			fields = append(fields, zap.String("reason", st.Reason))
		}
		for k, v := range st.Details {
			fields = append(fields, zap.String(k, v))
		}
		log.Debug("grab_job filter", fields...)
	}
}

// memoMatcher remembers decisions for the duration of one request so that
// rematching after a lost commit does not ask the classifier again.
type memoMatcher struct {
	inner filtering.CapabilityMatcher

	mu   sync.Mutex
	seen map[string]bool
}

func newMemoMatcher(inner filtering.CapabilityMatcher) *memoMatcher {
	return &memoMatcher{inner: inner, seen: make(map[string]bool)}
}

func (m *memoMatcher) Matches(ctx context.Context, service market.Service, capabilities string) bool {
	key := service.String() + "\x00" + capabilities

	m.mu.Lock()
	v, ok := m.seen[key]
	m.mu.Unlock()
	if ok {
		return v
	}

	v = m.inner.Matches(ctx, service, capabilities)

	m.mu.Lock()
	m.seen[key] = v
	m.mu.Unlock()
	return v
}
