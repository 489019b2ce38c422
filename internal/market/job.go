package market

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobAccepted  JobStatus = "accepted"
	JobCompleted JobStatus = "completed"
	JobRejected  JobStatus = "rejected"
)

// Role is the side a participant takes in a job.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleProvider Role = "provider"
)

// Job is a bid matched to a provider.
//
// BuyerRating is the rating the buyer gave when signing, and ProviderRating
// the one the provider gave.
type Job struct {
	ID                 string        `json:"job_id"`
	BidID              string        `json:"bid_id"`
	Status             JobStatus     `json:"status"`
	Service            Service       `json:"service"`
	Price              float64       `json:"price"`
	Currency           string        `json:"currency"`
	PaymentMethod      PaymentMethod `json:"payment_method"`
	XMoneyAccount      string        `json:"xmoney_account,omitempty"`
	LocationType       LocationType  `json:"location_type"`
	Lat                *float64      `json:"lat"`
	Lon                *float64      `json:"lon"`
	Address            string        `json:"address,omitempty"`
	BuyerUsername      string        `json:"buyer_username"`
	ProviderUsername   string        `json:"provider_username"`
	AcceptedAt         int64         `json:"accepted_at"`
	BuyerReputation    float64       `json:"buyer_reputation"`
	ProviderReputation float64       `json:"provider_reputation"`
	BuyerSigned        bool          `json:"buyer_signed"`
	ProviderSigned     bool          `json:"provider_signed"`
	BuyerRating        int           `json:"buyer_rating,omitempty"`
	ProviderRating     int           `json:"provider_rating,omitempty"`
	CompletedAt        int64         `json:"completed_at,omitempty"`
	RejectedAt         int64         `json:"rejected_at,omitempty"`
	RejectionReason    string        `json:"rejection_reason,omitempty"`
}

// NewJob converts a winning bid into an accepted job.
func NewJob(id string, bid *Bid, provider string, providerReputation float64, now time.Time) *Job {
	return &Job{
		ID:                 id,
		BidID:              bid.ID,
		Status:             JobAccepted,
		Service:            bid.Service,
		Price:              bid.Price,
		Currency:           bid.Currency,
		PaymentMethod:      bid.PaymentMethod,
		XMoneyAccount:      bid.XMoneyAccount,
		LocationType:       bid.LocationType,
		Lat:                bid.Lat,
		Lon:                bid.Lon,
		Address:            bid.Address,
		BuyerUsername:      bid.Username,
		ProviderUsername:   provider,
		AcceptedAt:         now.Unix(),
		BuyerReputation:    bid.BuyerReputation,
		ProviderReputation: providerReputation,
	}
}

// RoleOf returns the role username plays in the job.
func (j *Job) RoleOf(username string) (Role, bool) {
	switch username {
	case j.BuyerUsername:
		return RoleBuyer, true
	case j.ProviderUsername:
		return RoleProvider, true
	}
	return "", false
}

// Counterparty returns the other side of the job for role.
func (j *Job) Counterparty(role Role) string {
	if role == RoleBuyer {
		return j.ProviderUsername
	}
	return j.BuyerUsername
}

// Signed reports whether role has already signed.
func (j *Job) Signed(role Role) bool {
	if role == RoleBuyer {
		return j.BuyerSigned
	}
	return j.ProviderSigned
}

// Sign records the signature and rating of role.
func (j *Job) Sign(role Role, rating int) {
	if role == RoleBuyer {
		j.BuyerSigned = true
		j.BuyerRating = rating
		return
	}
	j.ProviderSigned = true
	j.ProviderRating = rating
}

// FullySigned reports whether both sides have signed.
func (j *Job) FullySigned() bool {
	return j.BuyerSigned && j.ProviderSigned
}

// ReopenedBid rebuilds the buyer's request from the job under a new id.
// The buyer reputation snapshot taken at submission is carried over.
func (j *Job) ReopenedBid(id string, endTime time.Time, now time.Time) *Bid {
	return &Bid{
		ID:              id,
		Username:        j.BuyerUsername,
		Service:         j.Service,
		Price:           j.Price,
		Currency:        j.Currency,
		PaymentMethod:   j.PaymentMethod,
		XMoneyAccount:   j.XMoneyAccount,
		EndTime:         endTime.Unix(),
		LocationType:    j.LocationType,
		Lat:             j.Lat,
		Lon:             j.Lon,
		Address:         j.Address,
		CreatedAt:       now.Unix(),
		BuyerReputation: j.BuyerReputation,
	}
}
