package schedule

import (
	"fmt"
	"time"

	"github.com/dripflow/dripflow/internal/sequence"
)

// NextAllowed pushes t forward to the next permitted sending day,
// preserving the wall-clock time of day in the policy timezone. If t
// already falls on an allowed day it is returned unchanged.
//
// The allowed-day set is validated at run creation, so the seven-day
// scan always terminates; hitting the guard means the policy bypassed
// validation.
func NextAllowed(t time.Time, policy sequence.SendingDays) (time.Time, error) {
	loc, err := policy.Location()
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve timezone: %w", err)
	}

	local := t.In(loc)
	for i := 0; i < 7; i++ {
		if policy.Allows(local.Weekday()) {
			return local, nil
		}
		// Rebuild from calendar components rather than adding 24h so the
		// time of day survives DST transitions.
		local = time.Date(local.Year(), local.Month(), local.Day()+1,
			local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)
	}

	return time.Time{}, &sequence.ConfigurationError{
		Field:  "sending_days.days",
		Reason: "no allowed sending day within a week",
	}
}
