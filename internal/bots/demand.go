package bots

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/client"
	"github.com/spigell/service-exchange/internal/market"
)

const (
	DefaultDemandInterval = 5 * time.Minute
	DefaultBidTTL         = 24 * time.Hour
)

type site struct {
	address  string
	lat, lon float64
}

type template struct {
	text     string
	minPrice float64
	maxPrice float64
	remote   bool
	fill     []string
	stack    []string
	payments []market.PaymentMethod
	sites    []site
}

var denver = []site{
	{address: "123 Elm St, Denver, CO 80202", lat: 39.7530, lon: -104.9990},
	{address: "456 Oak Ave, Denver, CO 80203", lat: 39.7310, lon: -104.9820},
	{address: "789 Pine Rd, Denver, CO 80204", lat: 39.7350, lon: -105.0200},
	{address: "321 Maple Dr, Denver, CO 80205", lat: 39.7590, lon: -104.9660},
}

var templates = []template{
	{
		text:     "House cleaning service - %s bedrooms",
		minPrice: 120,
		maxPrice: 250,
		fill:     []string{"2", "3", "4", "5"},
		payments: []market.PaymentMethod{market.PaymentCash, market.PaymentCreditCard, market.PaymentPaypal, market.PaymentVenmo},
		sites:    denver,
	},
	{
		text:     "Home repair - %s needed",
		minPrice: 150,
		maxPrice: 400,
		fill:     []string{"plumbing", "electrical", "drywall", "painting", "flooring"},
		payments: []market.PaymentMethod{market.PaymentCash, market.PaymentCreditCard},
		sites:    denver,
	},
	{
		text:     "Landscaping service - %s",
		minPrice: 200,
		maxPrice: 500,
		fill:     []string{"lawn mowing", "tree trimming", "garden design", "snow removal"},
		payments: []market.PaymentMethod{market.PaymentCash, market.PaymentVenmo},
		sites:    denver,
	},
	{
		text:     "%s web application development",
		minPrice: 1500,
		maxPrice: 5000,
		remote:   true,
		fill:     []string{"E-commerce", "Business", "Educational", "Portfolio"},
		stack:    []string{"React", "Vue.js", "Node.js", "Python", "Django"},
		payments: []market.PaymentMethod{market.PaymentPaypal, market.PaymentBankTransfer, market.PaymentCreditCard},
	},
	{
		text:     "%s automation script",
		minPrice: 300,
		maxPrice: 1200,
		remote:   true,
		fill:     []string{"Data processing", "File management", "Report generation", "API integration"},
		stack:    []string{"Python", "JavaScript", "automation", "scripting"},
		payments: []market.PaymentMethod{market.PaymentPaypal, market.PaymentCrypto},
	},
}

type DemandConfig struct {
	Username string
	Password string
	Interval time.Duration
	BidTTL   time.Duration
}

// Demand posts a TEST bid every interval.
type Demand struct {
	cfg    DemandConfig
	ex     Exchange
	logger *zap.Logger
	rnd    *rand.Rand
	now    func() time.Time
}

func NewDemand(cfg DemandConfig, ex Exchange, logger *zap.Logger) *Demand {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDemandInterval
	}
	if cfg.BidTTL <= 0 {
		cfg.BidTTL = DefaultBidTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Demand{
		cfg:    cfg,
		ex:     ex,
		logger: logger.With(zap.String("bot", "demand"), zap.String("username", cfg.Username)),
		rnd:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		now:    time.Now,
	}
}

func pick[T any](rnd *rand.Rand, items []T) T {
	return items[rnd.IntN(len(items))]
}

// NextBid builds a random TEST bid.
func (d *Demand) NextBid() *client.Bid {
	t := pick(d.rnd, templates)
	description := fmt.Sprintf("%s %s", TestMarker, fmt.Sprintf(t.text, pick(d.rnd, t.fill)))

	price := t.minPrice + d.rnd.Float64()*(t.maxPrice-t.minPrice)
	bid := &client.Bid{
		Price:         math.Round(price*100) / 100,
		Currency:      market.DefaultCurrency,
		PaymentMethod: pick(d.rnd, t.payments),
		EndTime:       d.now().Add(d.cfg.BidTTL).Unix(),
	}

	if t.remote {
		raw, _ := json.Marshal(map[string]any{
			"type":         TestMarker + " software_development",
			"description":  description,
			"technologies": t.stack,
		})
		bid.Service = market.StructuredService(raw)
		bid.LocationType = market.LocationRemote
		return bid
	}

	s := pick(d.rnd, t.sites)
	lat, lon := s.lat, s.lon
	bid.Service = market.TextService(description)
	bid.LocationType = market.LocationPhysical
	bid.Lat, bid.Lon = &lat, &lon
	bid.Address = s.address
	return bid
}

// Tick submits one bid.
func (d *Demand) Tick(ctx context.Context) (string, error) {
	bid := d.NextBid()
	id, err := d.ex.SubmitBid(ctx, bid)
	if err != nil {
		return "", fmt.Errorf("submitting bid: %w", err)
	}

	d.logger.Info("bid submitted",
		zap.String("bid_id", id),
		zap.String("service", strings.TrimPrefix(bid.Service.String(), TestMarker+" ")),
		zap.Float64("price", bid.Price),
	)
	return id, nil
}

// Run logs in and posts bids until ctx is cancelled.
func (d *Demand) Run(ctx context.Context) error {
	if err := d.ex.EnsureLogin(ctx, d.cfg.Username, d.cfg.Password); err != nil {
		return fmt.Errorf("logging in as %s: %w", d.cfg.Username, err)
	}
	d.logger.Info("demand bot started", zap.Duration("interval", d.cfg.Interval))

	return loop(ctx, d.cfg.Interval, func(ctx context.Context) {
		if _, err := d.Tick(ctx); err != nil {
			d.logger.Warn("demand tick failed", zap.Error(err))
		}
	})
}
