package filtering

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/geo"
	"github.com/spigell/service-exchange/internal/market"
)

type expiryFilter struct {
	toggle
	now time.Time
}

// NewExpiry creates a filter that removes bids whose end time is not after now.
func NewExpiry(now time.Time) Filter {
	return &expiryFilter{now: now}
}

func (f *expiryFilter) Name() string { return "expiry" }

func (f *expiryFilter) Validate() error { return nil }

func (f *expiryFilter) Apply(_ context.Context, deps Deps, bids *market.Bids) (*market.Bids, Step, error) {
	step := exclude(deps, f.Name(), bids, func(b *market.Bid) bool {
		return !b.Live(f.now)
	})
	return bids, step, nil
}

func (f *expiryFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: map[string]string{
		"now": strconv.FormatInt(f.now.Unix(), 10),
	}}
}

type ownerFilter struct {
	toggle
	username string
}

// NewExcludeOwner creates a filter that removes bids posted by username.
func NewExcludeOwner(username string) Filter {
	return &ownerFilter{username: username}
}

func (f *ownerFilter) Name() string { return "exclude_owner" }

func (f *ownerFilter) Validate() error {
	if strings.TrimSpace(f.username) == "" {
		return errors.New("username is required")
	}
	return nil
}

func (f *ownerFilter) Apply(_ context.Context, deps Deps, bids *market.Bids) (*market.Bids, Step, error) {
	step := exclude(deps, f.Name(), bids, func(b *market.Bid) bool {
		return b.Username == f.username
	})
	return bids, step, nil
}

func (f *ownerFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: map[string]string{
		"username": f.username,
	}}
}

// LocationConfig is the provider side of the location check.
type LocationConfig struct {
	Type market.LocationType
	// Point is the provider position. Without it no distance check is done.
	Point       *geo.Point
	MaxDistance float64
}

type locationFilter struct {
	toggle
	cfg LocationConfig
}

// NewLocation creates a filter that removes bids of an incompatible location type
// and on-site bids farther than the maximum distance.
func NewLocation(cfg LocationConfig) Filter {
	return &locationFilter{cfg: cfg}
}

func (f *locationFilter) Name() string { return "location" }

func (f *locationFilter) Validate() error {
	if !f.cfg.Type.Valid() {
		return errors.New("unsupported location type " + strconv.Quote(string(f.cfg.Type)))
	}
	if math.IsNaN(f.cfg.MaxDistance) || f.cfg.MaxDistance < 0 {
		return errors.New("max distance must not be negative")
	}
	return nil
}

func (f *locationFilter) Apply(_ context.Context, deps Deps, bids *market.Bids) (*market.Bids, Step, error) {
	step := exclude(deps, f.Name(), bids, func(b *market.Bid) bool {
		if !f.cfg.Type.CompatibleWith(b.LocationType) {
			return true
		}
		if !f.cfg.Type.OnSite() || !b.LocationType.OnSite() {
			return false
		}
		bidPoint := b.Point()
		if f.cfg.Point == nil || bidPoint == nil {
			return false
		}
		return geo.Distance(f.cfg.Point, bidPoint) > f.cfg.MaxDistance
	}, zap.String("location_type", string(f.cfg.Type)), zap.Float64("max_distance", f.cfg.MaxDistance))
	return bids, step, nil
}

func (f *locationFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: map[string]string{
		"location_type": string(f.cfg.Type),
		"max_distance":  strconv.FormatFloat(f.cfg.MaxDistance, 'f', -1, 64),
	}}
}

// CapabilityMatcher decides whether capabilities cover a service.
type CapabilityMatcher interface {
	Matches(ctx context.Context, service market.Service, capabilities string) bool
}

type capabilityFilter struct {
	toggle
	matcher      CapabilityMatcher
	capabilities string
}

// NewCapability creates a filter that keeps only bids the capabilities can fulfil.
func NewCapability(matcher CapabilityMatcher, capabilities string) Filter {
	return &capabilityFilter{matcher: matcher, capabilities: capabilities}
}

func (f *capabilityFilter) Name() string { return "capability" }

func (f *capabilityFilter) Validate() error {
	if f.matcher == nil {
		return errors.New("capability matcher is required")
	}
	if strings.TrimSpace(f.capabilities) == "" {
		return errors.New("capabilities are required")
	}
	return nil
}

func (f *capabilityFilter) Apply(ctx context.Context, deps Deps, bids *market.Bids) (*market.Bids, Step, error) {
	step := exclude(deps, f.Name(), bids, func(b *market.Bid) bool {
		return !f.matcher.Matches(ctx, b.Service, f.capabilities)
	})
	return bids, step, nil
}
