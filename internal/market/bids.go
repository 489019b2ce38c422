package market

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/geo"
	"github.com/spigell/service-exchange/internal/store"
)

// DefaultNearbyRadius is the radius in miles used when a nearby search gives none.
const DefaultNearbyRadius = 10.0

// BidRequest is the buyer input for a new bid.
type BidRequest struct {
	Service       Service
	Price         float64
	Currency      string
	PaymentMethod PaymentMethod
	XMoneyAccount string
	EndTime       int64
	LocationType  LocationType
	Location      Location
}

// NearbyBid is a bid annotated with its distance from the search point.
type NearbyBid struct {
	*Bid
	Distance float64 `json:"distance"`
}

// BidRegistry stores bids.
type BidRegistry struct {
	deps     *Deps
	accounts *AccountRegistry
}

func NewBidRegistry(deps *Deps, accounts *AccountRegistry) *BidRegistry {
	return &BidRegistry{deps: deps, accounts: accounts}
}

func (req *BidRequest) applyDefaults() {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = DefaultPaymentMethod
	}
	if req.LocationType == "" {
		req.LocationType = DefaultLocationType
	}
	req.XMoneyAccount = strings.TrimSpace(req.XMoneyAccount)
}

func (req *BidRequest) validate(nowUnix int64) error {
	switch {
	case req.Service.IsZero():
		return Errorf(KindBadInput, "service is required")
	case math.IsNaN(req.Price) || math.IsInf(req.Price, 0) || req.Price <= 0:
		return Errorf(KindBadInput, "price must be positive")
	case req.EndTime <= nowUnix:
		return Errorf(KindBadInput, "end time must be in the future")
	case !req.LocationType.Valid():
		return Errorf(KindBadInput, "unsupported location type %q", req.LocationType)
	case !req.PaymentMethod.Valid():
		return Errorf(KindBadInput, "unsupported payment method %q", req.PaymentMethod)
	case req.PaymentMethod == PaymentXMoney && req.XMoneyAccount == "":
		return Errorf(KindBadInput, "xmoney account is required for xmoney payments")
	}
	return nil
}

// Submit validates req and stores a new bid owned by owner. The buyer reputation
// is snapshotted here and never recomputed for this bid.
func (r *BidRegistry) Submit(ctx context.Context, owner string, req *BidRequest) (*Bid, error) {
	now := r.deps.now()

	req.applyDefaults()
	if err := req.validate(now.Unix()); err != nil {
		return nil, err
	}

	bid := &Bid{
		ID:            uuid.NewString(),
		Username:      owner,
		Service:       req.Service,
		Price:         req.Price,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		EndTime:       req.EndTime,
		LocationType:  req.LocationType,
		CreatedAt:     now.Unix(),
	}
	if req.PaymentMethod == PaymentXMoney {
		bid.XMoneyAccount = req.XMoneyAccount
	}

	if req.LocationType.OnSite() {
		point, err := req.Location.Resolve(ctx, r.deps.Geocoder)
		if err != nil {
			return nil, err
		}
		bid.Lat, bid.Lon = &point.Lat, &point.Lon
		bid.Address = strings.TrimSpace(req.Location.Address)
	}

	acct, err := r.accounts.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	bid.BuyerReputation = acct.Reputation()

	if err := r.Put(ctx, bid); err != nil {
		return nil, err
	}

	r.deps.logger().Info("bid created",
		zap.String("bid_id", bid.ID),
		zap.String("username", owner),
		zap.Float64("price", bid.Price),
		zap.String("location_type", string(bid.LocationType)),
	)

	return bid, nil
}

// Cancel removes a bid. Only the owner may cancel.
func (r *BidRegistry) Cancel(ctx context.Context, owner, id string) error {
	if strings.TrimSpace(id) == "" {
		return Errorf(KindBadInput, "bid id is required")
	}

	bid, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if bid.Username != owner {
		return Errorf(KindForbidden, "not authorized to cancel this bid")
	}

	removed, err := r.Take(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		// matched between the read and the delete
		return Errorf(KindNotFound, "bid not found")
	}

	r.deps.logger().Info("bid cancelled", zap.String("bid_id", id), zap.String("username", owner))
	return nil
}

func (r *BidRegistry) Get(ctx context.Context, id string) (*Bid, error) {
	var bid Bid
	err := store.GetJSON(ctx, r.deps.Store, store.BidKey(id), &bid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errorf(KindNotFound, "bid not found")
	}
	if err != nil {
		return nil, Internal("load bid", err)
	}
	return &bid, nil
}

func (r *BidRegistry) Put(ctx context.Context, bid *Bid) error {
	if err := store.PutJSON(ctx, r.deps.Store, store.BidKey(bid.ID), bid); err != nil {
		return Internal("save bid", err)
	}
	return nil
}

// Take removes the bid and reports whether this call was the one that removed it.
func (r *BidRegistry) Take(ctx context.Context, id string) (bool, error) {
	ok, err := r.deps.Store.Delete(ctx, store.BidKey(id))
	if err != nil {
		return false, Internal("delete bid", err)
	}
	return ok, nil
}

// All returns every stored bid, expired ones included.
func (r *BidRegistry) All(ctx context.Context) (*Bids, error) {
	bids, err := store.ListJSON[Bid](ctx, r.deps.Store, store.BidsPrefix)
	if err != nil {
		return nil, Internal("list bids", err)
	}
	return &Bids{Items: bids}, nil
}

// Live returns every bid that has not expired.
func (r *BidRegistry) Live(ctx context.Context) (*Bids, error) {
	bids, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	now := r.deps.now()
	bids.Exclude(func(b *Bid) bool { return !b.Live(now) })
	return bids, nil
}

// ListByOwner returns every stored bid of owner, expired ones included.
func (r *BidRegistry) ListByOwner(ctx context.Context, owner string) ([]*Bid, error) {
	bids, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	mine := make([]*Bid, 0)
	for _, bid := range bids.Items {
		if bid.Username == owner {
			mine = append(mine, bid)
		}
	}
	return mine, nil
}

// Nearby returns live on-site bids within radius miles of loc, closest first.
func (r *BidRegistry) Nearby(ctx context.Context, loc Location, radius float64) ([]*NearbyBid, error) {
	if radius <= 0 {
		radius = DefaultNearbyRadius
	}

	origin, err := loc.Resolve(ctx, r.deps.Geocoder)
	if err != nil {
		return nil, err
	}

	live, err := r.Live(ctx)
	if err != nil {
		return nil, err
	}

	nearby := make([]*NearbyBid, 0)
	for _, bid := range live.Items {
		if bid.LocationType == LocationRemote {
			continue
		}
		d := geo.Distance(origin, bid.Point())
		if d <= radius {
			nearby = append(nearby, &NearbyBid{Bid: bid, Distance: Round2(d)})
		}
	}

	sort.SliceStable(nearby, func(i, j int) bool {
		return nearby[i].Distance < nearby[j].Distance
	})

	return nearby, nil
}
