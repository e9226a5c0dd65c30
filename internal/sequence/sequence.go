package sequence

import (
	"fmt"
	"strings"
	"time"
)

// Step is one email in a sequence: a relative day offset, a wall-clock
// send time, and the message templates rendered at dispatch time.
type Step struct {
	Index       int      `json:"index" yaml:"index"`
	DelayDays   int      `json:"delay_days" yaml:"delay_days"`
	TimeOfDay   string   `json:"time_of_day" yaml:"time_of_day"` // "15:04" in the campaign timezone
	Subject     string   `json:"subject" yaml:"subject"`
	Body        string   `json:"body" yaml:"body"`
	HTML        bool     `json:"html,omitempty" yaml:"html,omitempty"`
	Attachments []string `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

// Definition is an ordered list of steps. Delay offsets must be
// non-decreasing so steps fire in index order.
type Definition struct {
	Name  string `json:"name" yaml:"name"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// SendWindow randomizes each computed send instant by a uniform offset
// in [0, JitterMinutes] minutes, drawn independently per (contact, step).
type SendWindow struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	JitterMinutes int  `json:"jitter_minutes" yaml:"jitter_minutes"`
}

// MaxJitterMinutes bounds the send window.
const MaxJitterMinutes = 180

// SendingDays restricts sends to a set of weekdays, evaluated in the
// campaign timezone.
type SendingDays struct {
	Days     []time.Weekday `json:"days" yaml:"days"`
	Timezone string         `json:"timezone" yaml:"timezone"`
}

// Allows reports whether d is a permitted sending day.
func (p SendingDays) Allows(d time.Weekday) bool {
	for _, day := range p.Days {
		if day == d {
			return true
		}
	}
	return false
}

// Location resolves the policy timezone. An empty timezone means UTC.
func (p SendingDays) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// Throttle caps dispatch attempts per rolling minute across a whole run.
type Throttle struct {
	MaxPerMinute int `json:"max_per_minute" yaml:"max_per_minute"`
}

// DefaultMaxPerMinute is applied when a run is launched without an
// explicit throttle.
const DefaultMaxPerMinute = 20

// Interval returns the minimum spacing between two dispatch grants.
func (t Throttle) Interval() time.Duration {
	n := t.MaxPerMinute
	if n <= 0 {
		n = DefaultMaxPerMinute
	}
	return time.Minute / time.Duration(n)
}

// Contact is owned by the calling application; the engine references it
// by ID and snapshots the address and merge fields at launch.
type Contact struct {
	ID     string            `json:"id"`
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ConfigurationError reports invalid run parameters. It is surfaced
// synchronously at launch; a run with a configuration error never
// reaches planning.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sun":       time.Sunday,
	"mon":       time.Monday,
	"tue":       time.Tuesday,
	"wed":       time.Wednesday,
	"thu":       time.Thursday,
	"fri":       time.Friday,
	"sat":       time.Saturday,
}

// ParseWeekday parses a weekday name ("monday" or "mon", case-insensitive).
func ParseWeekday(s string) (time.Weekday, error) {
	if d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// ParseTimeOfDay parses a "HH:MM" wall-clock time.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("time of day must be HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks a sequence definition against launch invariants.
func (d Definition) Validate() error {
	if len(d.Steps) == 0 {
		return &ConfigurationError{Field: "sequence.steps", Reason: "sequence has no steps"}
	}
	prevDelay := -1
	for i, step := range d.Steps {
		if step.Index != i {
			return &ConfigurationError{
				Field:  fmt.Sprintf("sequence.steps[%d].index", i),
				Reason: fmt.Sprintf("expected index %d, got %d", i, step.Index),
			}
		}
		if step.DelayDays < 0 {
			return &ConfigurationError{
				Field:  fmt.Sprintf("sequence.steps[%d].delay_days", i),
				Reason: "delay must not be negative",
			}
		}
		if step.DelayDays < prevDelay {
			return &ConfigurationError{
				Field:  fmt.Sprintf("sequence.steps[%d].delay_days", i),
				Reason: "delays must be non-decreasing across steps",
			}
		}
		prevDelay = step.DelayDays
		if _, _, err := ParseTimeOfDay(step.TimeOfDay); err != nil {
			return &ConfigurationError{
				Field:  fmt.Sprintf("sequence.steps[%d].time_of_day", i),
				Reason: err.Error(),
			}
		}
	}
	return nil
}

// Validate checks the jitter window bounds.
func (w SendWindow) Validate() error {
	if w.JitterMinutes < 0 {
		return &ConfigurationError{Field: "send_window.jitter_minutes", Reason: "jitter must not be negative"}
	}
	if w.JitterMinutes > MaxJitterMinutes {
		return &ConfigurationError{
			Field:  "send_window.jitter_minutes",
			Reason: fmt.Sprintf("jitter must not exceed %d minutes", MaxJitterMinutes),
		}
	}
	return nil
}

// Validate checks the sending-days policy. An empty allowed-day set is
// rejected here so it can never surface mid-resolution.
func (p SendingDays) Validate() error {
	if len(p.Days) == 0 {
		return &ConfigurationError{Field: "sending_days.days", Reason: "at least one allowed day is required"}
	}
	seen := make(map[time.Weekday]bool, len(p.Days))
	for _, d := range p.Days {
		if d < time.Sunday || d > time.Saturday {
			return &ConfigurationError{Field: "sending_days.days", Reason: fmt.Sprintf("invalid weekday %d", d)}
		}
		if seen[d] {
			return &ConfigurationError{Field: "sending_days.days", Reason: fmt.Sprintf("duplicate weekday %s", d)}
		}
		seen[d] = true
	}
	if _, err := p.Location(); err != nil {
		return &ConfigurationError{Field: "sending_days.timezone", Reason: err.Error()}
	}
	return nil
}

// Validate checks the throttle ceiling.
func (t Throttle) Validate() error {
	if t.MaxPerMinute < 0 {
		return &ConfigurationError{Field: "throttle.max_per_minute", Reason: "rate must not be negative"}
	}
	return nil
}
