package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/market"
)

// Filter represents a single filtering step applied to bids.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate() error
	Apply(ctx context.Context, deps Deps, bids *market.Bids) (*market.Bids, Step, error)
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	Logger *zap.Logger
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

// Run executes the supplied filters sequentially; each step sees only what the previous one kept.
func Run(ctx context.Context, deps Deps, steps []Filter, bids *market.Bids) (*market.Bids, error) {
	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}
	}

	for _, step := range steps {
		if !step.IsEnabled() {
			if deps.Logger != nil {
				deps.Logger.Debug("filter disabled", zap.String("name", step.Name()))
			}
			continue
		}

		next, info, err := step.Apply(ctx, deps, bids)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		if deps.Logger != nil {
			deps.Logger.Debug("filter step",
				zap.String("name", step.Name()),
				zap.Int("initial", info.Initial),
				zap.Int("dropped", info.Dropped),
				zap.Int("left", info.Left),
			)
		}

		bids = next
		if bids.Len() == 0 {
			break
		}
	}

	return bids, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// toggle carries the enable/disable state shared by all filters.
type toggle struct {
	disabled bool
	reason   string
}

func (t *toggle) Disable(reason string) {
	t.disabled = true
	t.reason = reason
}

func (t *toggle) IsEnabled() bool { return !t.disabled }

func exclude(deps Deps, name string, bids *market.Bids, drop func(*market.Bid) bool, fields ...zap.Field) Step {
	initial := bids.Len()
	excluded := bids.Exclude(drop)
	if deps.Logger != nil && len(excluded) > 0 {
		deps.Logger.Debug("excluding bids",
			append([]zap.Field{
				zap.String("filter", name),
				zap.Strings("excluded_bids", excluded),
				zap.Int("bids_left", bids.Len()),
			}, fields...)...,
		)
	}
	return Step{Initial: initial, Dropped: len(excluded), Left: bids.Len()}
}
