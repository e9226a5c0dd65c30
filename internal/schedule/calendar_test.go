package schedule

import (
	"testing"
	"time"

	"github.com/dripflow/dripflow/internal/sequence"
)

func weekdays(days ...time.Weekday) sequence.SendingDays {
	return sequence.SendingDays{Days: days, Timezone: "UTC"}
}

func TestNextAllowedUnchangedOnAllowedDay(t *testing.T) {
	// 2026-01-05 is a Monday.
	monday := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	policy := weekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)

	got, err := NextAllowed(monday, policy)
	if err != nil {
		t.Fatalf("NextAllowed() error = %v", err)
	}
	if !got.Equal(monday) {
		t.Errorf("NextAllowed() = %v, want %v unchanged", got, monday)
	}
}

func TestNextAllowedSkipsWeekend(t *testing.T) {
	// 2026-01-10 is a Saturday; the next weekday is Monday the 12th.
	saturday := time.Date(2026, 1, 10, 14, 15, 0, 0, time.UTC)
	policy := weekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)

	got, err := NextAllowed(saturday, policy)
	if err != nil {
		t.Fatalf("NextAllowed() error = %v", err)
	}
	want := time.Date(2026, 1, 12, 14, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextAllowed() = %v, want %v", got, want)
	}
	if got.Hour() != 14 || got.Minute() != 15 {
		t.Errorf("NextAllowed() moved the time of day to %02d:%02d", got.Hour(), got.Minute())
	}
}

func TestNextAllowedSingleDayPolicy(t *testing.T) {
	// Wednesday the 7th pushed to the following Tuesday the 13th.
	wednesday := time.Date(2026, 1, 7, 8, 0, 0, 0, time.UTC)
	policy := weekdays(time.Tuesday)

	got, err := NextAllowed(wednesday, policy)
	if err != nil {
		t.Fatalf("NextAllowed() error = %v", err)
	}
	want := time.Date(2026, 1, 13, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextAllowed() = %v, want %v", got, want)
	}
}

func TestNextAllowedEvaluatesPolicyTimezone(t *testing.T) {
	// 23:00 Friday in UTC is already Saturday in Tokyo, so a
	// weekday-only policy in Asia/Tokyo must push the send to Monday.
	policy := sequence.SendingDays{
		Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Timezone: "Asia/Tokyo",
	}
	fridayUTC := time.Date(2026, 1, 9, 23, 0, 0, 0, time.UTC)

	got, err := NextAllowed(fridayUTC, policy)
	if err != nil {
		t.Fatalf("NextAllowed() error = %v", err)
	}
	if got.Weekday() != time.Monday {
		t.Errorf("NextAllowed().Weekday() = %v, want Monday", got.Weekday())
	}
	if got.Hour() != 8 { // 23:00 UTC = 08:00 JST
		t.Errorf("NextAllowed().Hour() = %d, want 8", got.Hour())
	}
}

func TestNextAllowedPreservesTimeAcrossDST(t *testing.T) {
	// 2026-03-07 is the Saturday before the US spring-forward Sunday.
	// A Monday-only policy crosses the transition; the wall-clock time
	// must survive it.
	policy := sequence.SendingDays{
		Days:     []time.Weekday{time.Monday},
		Timezone: "America/New_York",
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, loc)

	got, err := NextAllowed(saturday, policy)
	if err != nil {
		t.Fatalf("NextAllowed() error = %v", err)
	}
	if got.Weekday() != time.Monday {
		t.Errorf("NextAllowed().Weekday() = %v, want Monday", got.Weekday())
	}
	if got.Hour() != 10 || got.Minute() != 0 {
		t.Errorf("NextAllowed() time of day = %02d:%02d, want 10:00", got.Hour(), got.Minute())
	}
}

func TestNextAllowedEmptyPolicy(t *testing.T) {
	_, err := NextAllowed(time.Now(), sequence.SendingDays{Timezone: "UTC"})
	if err == nil {
		t.Fatal("NextAllowed() expected error for empty allowed-day set")
	}
}
