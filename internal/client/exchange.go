package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/seats"
)

// Bid is the submit_bid payload.
type Bid struct {
	Service       market.Service       `json:"service"`
	Price         float64              `json:"price"`
	Currency      string               `json:"currency,omitempty"`
	PaymentMethod market.PaymentMethod `json:"payment_method,omitempty"`
	XMoneyAccount string               `json:"xmoney_account,omitempty"`
	EndTime       int64                `json:"end_time"`
	LocationType  market.LocationType  `json:"location_type,omitempty"`
	Lat           *float64             `json:"lat,omitempty"`
	Lon           *float64             `json:"lon,omitempty"`
	Address       string               `json:"address,omitempty"`
}

// Grab is the grab_job payload.
type Grab struct {
	Capabilities string              `json:"capabilities"`
	LocationType market.LocationType `json:"location_type,omitempty"`
	Lat          *float64            `json:"lat,omitempty"`
	Lon          *float64            `json:"lon,omitempty"`
	Address      string              `json:"address,omitempty"`
	MaxDistance  *float64            `json:"max_distance,omitempty"`
	Seat         *seats.Credential   `json:"seat,omitempty"`
}

// OwnBid is an entry of my_bids.
type OwnBid struct {
	market.Bid
	Expired bool `json:"expired"`
}

type Jobs struct {
	Active    []*market.Job `json:"active_jobs"`
	Completed []*market.Job `json:"completed_jobs"`
}

type ExchangeData struct {
	ActiveBids    []*market.Bid `json:"active_bids"`
	CompletedJobs []*market.Job `json:"completed_jobs"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	_, err := c.do(ctx, http.MethodPost, "/register", nil, credentials{username, password}, nil)
	return err
}

// Login obtains a token and uses it for the following calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/login", nil, credentials{username, password}, &out); err != nil {
		return err
	}
	c.SetToken(out.AccessToken)
	return nil
}

// EnsureLogin registers the account if needed and logs in.
func (c *Client) EnsureLogin(ctx context.Context, username, password string) error {
	if err := c.Register(ctx, username, password); err != nil && StatusOf(err) != http.StatusConflict {
		return err
	}
	return c.Login(ctx, username, password)
}

func (c *Client) Account(ctx context.Context) (*market.AccountInfo, error) {
	var info market.AccountInfo
	if _, err := c.do(ctx, http.MethodGet, "/account", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SubmitBid returns the id of the new bid.
func (c *Client) SubmitBid(ctx context.Context, bid *Bid) (string, error) {
	var out struct {
		BidID string `json:"bid_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/submit_bid", nil, bid, &out); err != nil {
		return "", err
	}
	return out.BidID, nil
}

func (c *Client) CancelBid(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/cancel_bid", nil, map[string]string{"bid_id": id}, nil)
	return err
}

// GrabJob returns nil without an error when nothing matched.
func (c *Client) GrabJob(ctx context.Context, grab *Grab) (*market.Job, error) {
	var job market.Job
	status, err := c.do(ctx, http.MethodPost, "/grab_job", nil, grab, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

func (c *Client) RejectJob(ctx context.Context, jobID, reason string) error {
	_, err := c.do(ctx, http.MethodPost, "/reject_job", nil, map[string]string{"job_id": jobID, "reason": reason}, nil)
	return err
}

func (c *Client) SignJob(ctx context.Context, jobID string, rating int) error {
	_, err := c.do(ctx, http.MethodPost, "/sign_job", nil, map[string]any{"job_id": jobID, "star_rating": rating}, nil)
	return err
}

func (c *Client) MyBids(ctx context.Context) ([]*OwnBid, error) {
	var out struct {
		Bids []*OwnBid `json:"bids"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/my_bids", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Bids, nil
}

func (c *Client) MyJobs(ctx context.Context) (*Jobs, error) {
	var out Jobs
	if _, err := c.do(ctx, http.MethodGet, "/my_jobs", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeData reads the public market overview.
func (c *Client) ExchangeData(ctx context.Context, category string, limit int, includeCompleted bool) (*ExchangeData, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if includeCompleted {
		q.Set("include_completed", "true")
	}

	var out ExchangeData
	if _, err := c.do(ctx, http.MethodGet, "/exchange_data", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
