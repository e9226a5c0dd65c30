package schedule

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/dripflow/dripflow/internal/sequence"
)

// Planner materializes the concrete send instant for every step of a
// sequence. Jitter is drawn from the supplied source so tests can pin
// the schedule; production callers seed it once per run.
//
// A plan is computed exactly once, when a run is launched. Recomputing
// it on resume would take a fresh jitter draw and move instants that
// are already persisted, so the runner never calls Plan again for an
// existing run.
type Planner struct {
	rng *rand.Rand
}

// NewPlanner creates a planner drawing jitter from src.
func NewPlanner(src rand.Source) *Planner {
	return &Planner{rng: rand.New(src)}
}

// Plan computes one target instant per step for a single contact.
//
// Per step: the base instant is startDate + delayDays at the step's
// time of day in the policy timezone. Jitter (when the window is
// enabled) is added first; the calendar constraint is resolved second,
// so a draw that spills past midnight into a disallowed day still lands
// on an allowed one and the result is deterministic for a fixed draw.
func (p *Planner) Plan(def sequence.Definition, startDate time.Time, window sequence.SendWindow, policy sequence.SendingDays) ([]time.Time, error) {
	loc, err := policy.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}

	start := startDate.In(loc)
	instants := make([]time.Time, 0, len(def.Steps))

	var prev time.Time
	for _, step := range def.Steps {
		hour, minute, err := sequence.ParseTimeOfDay(step.TimeOfDay)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step.Index, err)
		}

		target := time.Date(start.Year(), start.Month(), start.Day()+step.DelayDays,
			hour, minute, 0, 0, loc)

		if window.Enabled && window.JitterMinutes > 0 {
			// Inclusive upper bound: [0, JitterMinutes] minutes.
			offset := p.rng.Intn(window.JitterMinutes + 1)
			target = target.Add(time.Duration(offset) * time.Minute)
		}

		target, err = NextAllowed(target, policy)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step.Index, err)
		}

		// Same-day steps and independent jitter draws could otherwise put
		// a later step ahead of an earlier one; the plan stays monotonic.
		if target.Before(prev) {
			target = prev
		}
		prev = target

		instants = append(instants, target)
	}

	return instants, nil
}
