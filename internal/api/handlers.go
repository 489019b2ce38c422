package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/matching"
	"github.com/spigell/service-exchange/internal/seats"
)

const (
	matchOutcomeHeader = "X-Match-Outcome"

	defaultExchangeLimit = 20
	maxExchangeLimit     = 100
)

type credentialsInput struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LocationInput is the optional coordinates or address shared by several requests.
type LocationInput struct {
	Lat     *float64 `mapstructure:"lat"`
	Lon     *float64 `mapstructure:"lon"`
	Address string   `mapstructure:"address"`
}

func (l LocationInput) location() market.Location {
	return market.Location{Lat: l.Lat, Lon: l.Lon, Address: l.Address}
}

type submitBidInput struct {
	LocationInput `mapstructure:",squash"`

	Service       market.Service `mapstructure:"service"`
	Price         float64        `mapstructure:"price"`
	Currency      string         `mapstructure:"currency"`
	PaymentMethod string         `mapstructure:"payment_method"`
	XMoneyAccount string         `mapstructure:"xmoney_account"`
	EndTime       int64          `mapstructure:"end_time"`
	LocationType  string         `mapstructure:"location_type"`
}

type grabJobInput struct {
	LocationInput `mapstructure:",squash"`

	Capabilities string            `mapstructure:"capabilities"`
	LocationType string            `mapstructure:"location_type"`
	MaxDistance  *float64          `mapstructure:"max_distance"`
	Seat         *seats.Credential `mapstructure:"seat"`
}

type nearbyInput struct {
	LocationInput `mapstructure:",squash"`

	Radius float64 `mapstructure:"radius"`
}

type jobInput struct {
	JobID      string   `mapstructure:"job_id"`
	Reason     string   `mapstructure:"reason"`
	StarRating *float64 `mapstructure:"star_rating"`
}

func (s *Server) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"message": "Service Exchange API is operational"})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "time": s.now().Unix()})
}

func (s *Server) register(c echo.Context) error {
	var in credentialsInput
	if err := decodeInput(c, &in); err != nil {
		return respondError(c, s.logger, err)
	}

	if _, err := s.deps.Auth.Register(c.Request().Context(), in.Username, in.Password); err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"message": "Registration successful"})
}

func (s *Server) login(c echo.Context) error {
	var in credentialsInput
	if err := decodeInput(c, &in); err != nil {
		return respondError(c, s.logger, err)
	}

	tok, err := s.deps.Auth.Login(c.Request().Context(), in.Username, in.Password)
	if err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"access_token": tok.Value,
		"username":     tok.Username,
		"expires_at":   tok.ExpiresAt,
	})
}

func (s *Server) logout(c echo.Context) error {
	token, _ := c.Get(tokenKey).(string)
	if err := s.deps.Auth.Logout(c.Request().Context(), token); err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Logged out"})
}

func (s *Server) account(c echo.Context) error {
	acct, err := s.deps.Accounts.Get(c.Request().Context(), currentUser(c))
	if err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, acct.Info())
}

func (s *Server) submitBid(c echo.Context) error {
	var in submitBidInput
	if err := decodeInput(c, &in); err != nil {
		return respondError(c, s.logger, err)
	}

	bid, err := s.deps.Bids.Submit(c.Request().Context(), currentUser(c), &market.BidRequest{
		Service:       in.Service,
		Price:         in.Price,
		Currency:      in.Currency,
		PaymentMethod: market.PaymentMethod(in.PaymentMethod),
		XMoneyAccount: in.XMoneyAccount,
		EndTime:       in.EndTime,
		LocationType:  market.LocationType(in.LocationType),
		Location:      in.location(),
	})
	if err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bid_id": bid.ID})
}

func (s *Server) cancelBid(c echo.Context) error {
	var in struct {
		BidID string `mapstructure:"bid_id"`
	}
	if err := decodeInput(c, &in); err != nil {
		return respondError(c, s.logger, err)
	}

	if err := s.deps.Bids.Cancel(c.Request().Context(), currentUser(c), in.BidID); err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Bid cancelled successfully"})
}

func (s *Server) grabJob(c echo.Context) error {
	var in grabJobInput
	if err := decodeInput(c, &in); err != nil {
		return respondError(c, s.logger, err)
	}

	res, err := s.deps.Engine.GrabJob(c.Request().Context(), &matching.Request{
		Provider:     currentUser(c),
		Capabilities: in.Capabilities,
		LocationType: market.LocationType(in.LocationType),
		Location:     in.location(),
		MaxDistance:  in.MaxDistance,
		Seat:         in.Seat,
	})
	if err != nil {
		return respondError(c, s.logger, err)
	}

	c.Response().Header().Set(matchOutcomeHeader, string(res.Outcome))
	if res.Outcome != matching.Matched {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, res.Job)
}

func (s *Server) rejectJob(c echo.Context) error {
	var in jobInput
	if err := decodeInput(c, &in); err != nil {
		return respondError(c, s.logger, err)
	}

	job, bid, err := s.deps.Lifecycle.RejectJob(c.Request().Context(), currentUser(c), in.JobID, in.Reason)
	if err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message":    "Job rejected",
		"job":        job,
		"new_bid_id": bid.ID,
	})
}

func (s *Server) signJob(c echo.Context) error {
	var in jobInput
	if err := decodeInput(c, &in); err != nil {
		return respondError(c, s.logger, err)
	}
	if strings.TrimSpace(in.JobID) == "" || in.StarRating == nil {
		return respondError(c, s.logger, market.Errorf(market.KindBadInput, "job id and star rating required"))
	}
	rating, ok := wholeNumber(*in.StarRating)
	if !ok {
		return respondError(c, s.logger, market.Errorf(market.KindBadInput, "star rating must be an integer between 1 and 5"))
	}

	job, err := s.deps.Lifecycle.SignJob(c.Request().Context(), currentUser(c), in.JobID, rating)
	if err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Job signed successfully", "job": job})
}

func (s *Server) nearby(c echo.Context) error {
	var in nearbyInput
	if err := decodeInput(c, &in); err != nil {
		return respondError(c, s.logger, err)
	}

	bids, err := s.deps.Bids.Nearby(c.Request().Context(), in.location(), in.Radius)
	if err != nil {
		return respondError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"services": bids})
}

type ownBid struct {
	*market.Bid
	Expired bool `json:"expired"`
}

func (s *Server) myBids(c echo.Context) error {
	bids, err := s.deps.Bids.ListByOwner(c.Request().Context(), currentUser(c))
	if err != nil {
		return respondError(c, s.logger, err)
	}

	now := s.now()
	out := make([]ownBid, 0, len(bids))
	for _, b := range bids {
		out = append(out, ownBid{Bid: b, Expired: !b.Live(now)})
	}
	return c.JSON(http.StatusOK, echo.Map{"bids": out})
}

func (s *Server) myJobs(c echo.Context) error {
	jobs, err := s.deps.Jobs.ListByParty(c.Request().Context(), currentUser(c))
	if err != nil {
		return respondError(c, s.logger, err)
	}

	active := make([]*market.Job, 0)
	finished := make([]*market.Job, 0)
	for _, j := range jobs {
		if j.Status == market.JobAccepted {
			active = append(active, j)
			continue
		}
		finished = append(finished, j)
	}
	return c.JSON(http.StatusOK, echo.Map{"active_jobs": active, "completed_jobs": finished})
}

// exchangeData is the public market overview: live bids and, on request,
// completed jobs. category narrows both to services mentioning it.
func (s *Server) exchangeData(c echo.Context) error {
	ctx := c.Request().Context()

	limit := defaultExchangeLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return respondError(c, s.logger, market.Errorf(market.KindBadInput, "limit must be a positive integer"))
		}
		limit = min(n, maxExchangeLimit)
	}
	category := strings.ToLower(strings.TrimSpace(c.QueryParam("category")))
	includeCompleted, _ := strconv.ParseBool(c.QueryParam("include_completed"))

	inCategory := func(svc market.Service) bool {
		return category == "" || strings.Contains(strings.ToLower(svc.String()), category)
	}

	live, err := s.deps.Bids.Live(ctx)
	if err != nil {
		return respondError(c, s.logger, err)
	}
	bids := make([]*market.Bid, 0)
	for _, b := range live.Items {
		if len(bids) == limit {
			break
		}
		if inCategory(b.Service) {
			bids = append(bids, b)
		}
	}

	resp := echo.Map{"active_bids": bids}

	if includeCompleted {
		all, err := s.deps.Jobs.All(ctx)
		if err != nil {
			return respondError(c, s.logger, err)
		}
		completed := make([]*market.Job, 0)
		for _, j := range all {
			if len(completed) == limit {
				break
			}
			if j.Status == market.JobCompleted && inCategory(j.Service) {
				completed = append(completed, j)
			}
		}
		resp["completed_jobs"] = completed
	}

	return c.JSON(http.StatusOK, resp)
}
