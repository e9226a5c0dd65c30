package sequence

import (
	"errors"
	"testing"
	"time"
)

func validDefinition() Definition {
	return Definition{
		Name: "intro",
		Steps: []Step{
			{Index: 0, DelayDays: 0, TimeOfDay: "09:00", Subject: "Hello", Body: "Hi {{ first_name }}"},
			{Index: 1, DelayDays: 3, TimeOfDay: "10:30", Subject: "Follow up", Body: "Checking in"},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	empty := Definition{Name: "empty"}
	if err := empty.Validate(); err == nil {
		t.Error("Validate() expected error for sequence with no steps")
	}

	badIndex := validDefinition()
	badIndex.Steps[1].Index = 5
	if err := badIndex.Validate(); err == nil {
		t.Error("Validate() expected error for out-of-order step index")
	}

	negativeDelay := validDefinition()
	negativeDelay.Steps[0].DelayDays = -1
	if err := negativeDelay.Validate(); err == nil {
		t.Error("Validate() expected error for negative delay")
	}

	decreasingDelay := validDefinition()
	decreasingDelay.Steps[0].DelayDays = 5
	if err := decreasingDelay.Validate(); err == nil {
		t.Error("Validate() expected error for decreasing delays")
	}

	badTime := validDefinition()
	badTime.Steps[0].TimeOfDay = "25:99"
	err := badTime.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid time of day")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Validate() error type = %T, want *ConfigurationError", err)
	}
}

func TestSendWindowValidate(t *testing.T) {
	if err := (SendWindow{Enabled: true, JitterMinutes: 120}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (SendWindow{JitterMinutes: -1}).Validate(); err == nil {
		t.Error("Validate() expected error for negative jitter")
	}
	if err := (SendWindow{JitterMinutes: MaxJitterMinutes + 1}).Validate(); err == nil {
		t.Error("Validate() expected error for jitter over the ceiling")
	}
}

func TestSendingDaysValidate(t *testing.T) {
	policy := SendingDays{
		Days:     []time.Weekday{time.Monday, time.Wednesday},
		Timezone: "Europe/Berlin",
	}
	if err := policy.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if err := (SendingDays{}).Validate(); err == nil {
		t.Error("Validate() expected error for empty day set")
	}

	dup := SendingDays{Days: []time.Weekday{time.Monday, time.Monday}}
	if err := dup.Validate(); err == nil {
		t.Error("Validate() expected error for duplicate weekday")
	}

	badTZ := SendingDays{Days: []time.Weekday{time.Monday}, Timezone: "Mars/Olympus"}
	if err := badTZ.Validate(); err == nil {
		t.Error("Validate() expected error for unknown timezone")
	}
}

func TestSendingDaysAllows(t *testing.T) {
	policy := SendingDays{Days: []time.Weekday{time.Monday, time.Friday}}
	if !policy.Allows(time.Monday) {
		t.Error("Allows(Monday) = false, want true")
	}
	if policy.Allows(time.Sunday) {
		t.Error("Allows(Sunday) = true, want false")
	}
}

func TestThrottleInterval(t *testing.T) {
	if got := (Throttle{MaxPerMinute: 20}).Interval(); got != 3*time.Second {
		t.Errorf("Interval() = %v, want 3s", got)
	}
	if got := (Throttle{MaxPerMinute: 60}).Interval(); got != time.Second {
		t.Errorf("Interval() = %v, want 1s", got)
	}
	// Zero falls back to the default ceiling.
	if got := (Throttle{}).Interval(); got != 3*time.Second {
		t.Errorf("Interval() = %v, want 3s", got)
	}
}

func TestParseWeekday(t *testing.T) {
	cases := map[string]time.Weekday{
		"monday":    time.Monday,
		"Mon":       time.Monday,
		" FRIDAY ":  time.Friday,
		"sat":       time.Saturday,
		"Wednesday": time.Wednesday,
	}
	for input, want := range cases {
		got, err := ParseWeekday(input)
		if err != nil {
			t.Errorf("ParseWeekday(%q) error = %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("ParseWeekday(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseWeekday("someday"); err == nil {
		t.Error("ParseWeekday(someday) expected error")
	}
}

func TestParseTimeOfDay(t *testing.T) {
	hour, minute, err := ParseTimeOfDay("14:35")
	if err != nil {
		t.Fatalf("ParseTimeOfDay() error = %v", err)
	}
	if hour != 14 || minute != 35 {
		t.Errorf("ParseTimeOfDay() = %d:%d, want 14:35", hour, minute)
	}

	if _, _, err := ParseTimeOfDay("9am"); err == nil {
		t.Error("ParseTimeOfDay(9am) expected error")
	}
}
