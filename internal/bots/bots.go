// Package bots keeps a test marketplace busy: demand bots post TEST bids and
// supply bots take and settle them.
package bots

import (
	"context"
	"strings"
	"time"

	"github.com/spigell/service-exchange/internal/client"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/utils"
)

// TestMarker prefixes every service the bots post. Supply bots only settle
// jobs carrying it and hand everything else back to the market.
const TestMarker = "TEST:"

// Exchange is the part of the API client the bots use.
type Exchange interface {
	EnsureLogin(ctx context.Context, username, password string) error
	SubmitBid(ctx context.Context, bid *client.Bid) (string, error)
	GrabJob(ctx context.Context, grab *client.Grab) (*market.Job, error)
	RejectJob(ctx context.Context, jobID, reason string) error
	SignJob(ctx context.Context, jobID string, rating int) error
}

// IsTest reports whether the service was posted by a bot.
func IsTest(svc market.Service) bool {
	return strings.Contains(svc.String(), TestMarker)
}

var waitFor = utils.WaitFor

// loop calls tick every interval until ctx is done. Tick errors are left to
// tick to report; they never stop the loop.
func loop(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	for {
		tick(ctx)
		if err := waitFor(ctx, interval); err != nil {
			return nil
		}
	}
}
