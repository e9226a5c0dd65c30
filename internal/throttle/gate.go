package throttle

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/dripflow/dripflow/internal/sequence"
)

// Gate bounds the aggregate dispatch rate of one run. Every worker of
// the run acquires from the same gate, so the outbound rate never
// exceeds the ceiling no matter how many workers are active. Grants are
// spaced at least 60s/maxPerMinute apart; arrival order is FIFO with no
// further fairness guarantee.
type Gate struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a gate from a run's throttle snapshot. A burst of one
// keeps the spacing strict: two grants can never land inside the same
// interval.
func New(cfg sequence.Throttle) *Gate {
	interval := cfg.Interval()
	return &Gate{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Acquire blocks until dispatching would not exceed the ceiling, or the
// context is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// Interval returns the minimum spacing between grants.
func (g *Gate) Interval() time.Duration {
	return g.interval
}
