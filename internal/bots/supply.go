package bots

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/client"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/seats"
)

const (
	DefaultSupplyInterval = 3 * time.Minute
	DefaultRating         = 5

	rejectReason = "bot only handles TEST jobs"
)

// Profile is what a supply bot offers.
type Profile struct {
	Name         string
	Capabilities string
	LocationType market.LocationType
	Lat          *float64
	Lon          *float64
	Address      string
	MaxDistance  *float64
}

// Profiles mirror the demand templates so that bots can trade with each other.
func Profiles() []Profile {
	lat, lon := 39.7392, -104.9903
	distance := 25.0
	return []Profile{
		{
			Name:         "cleaner",
			Capabilities: "House cleaning, deep cleaning, residential cleaning, bedrooms, bathroom cleaning",
			LocationType: market.LocationPhysical,
			Lat:          &lat,
			Lon:          &lon,
			MaxDistance:  &distance,
		},
		{
			Name:         "handyman",
			Capabilities: "Home repair, plumbing, electrical, drywall, painting, flooring",
			LocationType: market.LocationPhysical,
			Lat:          &lat,
			Lon:          &lon,
			MaxDistance:  &distance,
		},
		{
			Name:         "landscaper",
			Capabilities: "Landscaping, lawn mowing, tree trimming, garden design, snow removal",
			LocationType: market.LocationPhysical,
			Lat:          &lat,
			Lon:          &lon,
			MaxDistance:  &distance,
		},
		{
			Name:         "developer",
			Capabilities: "web application development, automation script, Python, React, Node.js",
			LocationType: market.LocationRemote,
		},
	}
}

// FindProfile returns the named profile.
func FindProfile(name string) (Profile, bool) {
	for _, p := range Profiles() {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// Decision is what to do with a grabbed TEST job.
type Decision struct {
	Sign   bool
	Rating int
	Reason string
}

// Decider chooses how a grabbed TEST job is settled.
type Decider interface {
	Decide(ctx context.Context, job *market.Job) (Decision, error)
}

// AutoApprove signs every TEST job with the same rating.
type AutoApprove struct {
	Rating int
}

func (a AutoApprove) Decide(context.Context, *market.Job) (Decision, error) {
	rating := a.Rating
	if rating == 0 {
		rating = DefaultRating
	}
	return Decision{Sign: true, Rating: rating}, nil
}

type SupplyConfig struct {
	Username string
	Password string
	Interval time.Duration
	Profile  Profile
	Seat     *seats.Credential
}

// Supply asks for work every interval and settles what it gets.
type Supply struct {
	cfg     SupplyConfig
	ex      Exchange
	decider Decider
	logger  *zap.Logger
}

func NewSupply(cfg SupplyConfig, ex Exchange, decider Decider, logger *zap.Logger) *Supply {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSupplyInterval
	}
	if decider == nil {
		decider = AutoApprove{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Supply{
		cfg:     cfg,
		ex:      ex,
		decider: decider,
		logger:  logger.With(zap.String("bot", "supply"), zap.String("username", cfg.Username)),
	}
}

func (s *Supply) grab() *client.Grab {
	p := s.cfg.Profile
	return &client.Grab{
		Capabilities: p.Capabilities,
		LocationType: p.LocationType,
		Lat:          p.Lat,
		Lon:          p.Lon,
		Address:      p.Address,
		MaxDistance:  p.MaxDistance,
		Seat:         s.cfg.Seat,
	}
}

// Tick makes one grab attempt. It returns the job it got, or nil.
func (s *Supply) Tick(ctx context.Context) (*market.Job, error) {
	job, err := s.ex.GrabJob(ctx, s.grab())
	if err != nil {
		return nil, fmt.Errorf("grabbing job: %w", err)
	}
	if job == nil {
		s.logger.Debug("no jobs available")
		return nil, nil
	}

	log := s.logger.With(zap.String("job_id", job.ID), zap.Float64("price", job.Price))

	if !IsTest(job.Service) {
		if err := s.ex.RejectJob(ctx, job.ID, rejectReason); err != nil {
			return job, fmt.Errorf("rejecting job %s: %w", job.ID, err)
		}
		log.Info("job handed back to the market")
		return job, nil
	}

	decision, err := s.decider.Decide(ctx, job)
	if err != nil {
		return job, fmt.Errorf("deciding on job %s: %w", job.ID, err)
	}

	if !decision.Sign {
		reason := decision.Reason
		if reason == "" {
			reason = "declined by operator"
		}
		if err := s.ex.RejectJob(ctx, job.ID, reason); err != nil {
			return job, fmt.Errorf("rejecting job %s: %w", job.ID, err)
		}
		log.Info("job declined", zap.String("reason", reason))
		return job, nil
	}

	if err := s.ex.SignJob(ctx, job.ID, decision.Rating); err != nil {
		return job, fmt.Errorf("signing job %s: %w", job.ID, err)
	}
	log.Info("job signed", zap.Int("rating", decision.Rating))
	return job, nil
}

// Run logs in and keeps asking for work until ctx is cancelled.
func (s *Supply) Run(ctx context.Context) error {
	if err := s.ex.EnsureLogin(ctx, s.cfg.Username, s.cfg.Password); err != nil {
		return fmt.Errorf("logging in as %s: %w", s.cfg.Username, err)
	}
	s.logger.Info("supply bot started",
		zap.String("profile", s.cfg.Profile.Name),
		zap.Duration("interval", s.cfg.Interval),
	)

	return loop(ctx, s.cfg.Interval, func(ctx context.Context) {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Warn("supply tick failed", zap.Error(err))
		}
	})
}
