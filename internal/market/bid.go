package market

import (
	"time"

	"github.com/spigell/service-exchange/internal/geo"
)

// LocationType says where a service is performed.
type LocationType string

const (
	LocationPhysical LocationType = "physical"
	LocationRemote   LocationType = "remote"
	LocationHybrid   LocationType = "hybrid"
)

// Valid reports whether l is a known location type.
func (l LocationType) Valid() bool {
	switch l {
	case LocationPhysical, LocationRemote, LocationHybrid:
		return true
	}
	return false
}

// OnSite reports whether the location type involves a physical place.
func (l LocationType) OnSite() bool {
	return l == LocationPhysical || l == LocationHybrid
}

// CompatibleWith reports whether a provider asking for l can take a bid of type other.
// Remote and physical exclude each other; hybrid goes with both.
func (l LocationType) CompatibleWith(other LocationType) bool {
	switch {
	case l == LocationRemote && other == LocationPhysical:
		return false
	case l == LocationPhysical && other == LocationRemote:
		return false
	}
	return true
}

// PaymentMethod is how the buyer intends to pay.
type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentCreditCard   PaymentMethod = "credit_card"
	PaymentPaypal       PaymentMethod = "paypal"
	PaymentXMoney       PaymentMethod = "xmoney"
	PaymentCrypto       PaymentMethod = "crypto"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentVenmo        PaymentMethod = "venmo"
)

// PaymentMethods lists every accepted payment method.
var PaymentMethods = []PaymentMethod{
	PaymentCash, PaymentCreditCard, PaymentPaypal, PaymentXMoney,
	PaymentCrypto, PaymentBankTransfer, PaymentVenmo,
}

// Valid reports whether p is an accepted payment method.
func (p PaymentMethod) Valid() bool {
	for _, m := range PaymentMethods {
		if p == m {
			return true
		}
	}
	return false
}

const (
	DefaultCurrency      = "USD"
	DefaultPaymentMethod = PaymentCash
	DefaultLocationType  = LocationPhysical
)

// Bid is an open, priced service request awaiting a provider.
type Bid struct {
	ID              string        `json:"bid_id"`
	Username        string        `json:"username"`
	Service         Service       `json:"service"`
	Price           float64       `json:"price"`
	Currency        string        `json:"currency"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	XMoneyAccount   string        `json:"xmoney_account,omitempty"`
	EndTime         int64         `json:"end_time"`
	LocationType    LocationType  `json:"location_type"`
	Lat             *float64      `json:"lat"`
	Lon             *float64      `json:"lon"`
	Address         string        `json:"address,omitempty"`
	CreatedAt       int64         `json:"created_at"`
	BuyerReputation float64       `json:"buyer_reputation"`
}

// Live reports whether the bid has not yet expired at now.
func (b *Bid) Live(now time.Time) bool {
	return b.EndTime > now.Unix()
}

// Point returns the bid coordinates, nil when unknown.
func (b *Bid) Point() *geo.Point {
	return geo.NewPoint(b.Lat, b.Lon)
}

// Bids is a working set of bids, narrowed by filters.
type Bids struct {
	Items []*Bid
}

func (b *Bids) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Items)
}

// Exclude drops every bid for which drop returns true and returns the dropped ids.
func (b *Bids) Exclude(drop func(*Bid) bool) []string {
	kept := b.Items[:0]
	excluded := make([]string, 0)
	for _, bid := range b.Items {
		if drop(bid) {
			excluded = append(excluded, bid.ID)
			continue
		}
		kept = append(kept, bid)
	}
	for i := len(kept); i < len(b.Items); i++ {
		b.Items[i] = nil
	}
	b.Items = kept
	return excluded
}

// IDs returns the ids in order.
func (b *Bids) IDs() []string {
	ids := make([]string, 0, b.Len())
	for _, bid := range b.Items {
		ids = append(ids, bid.ID)
	}
	return ids
}
