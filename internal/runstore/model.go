package runstore

import (
	"fmt"
	"time"

	"github.com/dripflow/dripflow/internal/sequence"
)

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusDue      ItemStatus = "due"
	StatusInFlight ItemStatus = "in_flight"
	StatusSent     ItemStatus = "sent"
	StatusFailed   ItemStatus = "failed"
	StatusSkipped  ItemStatus = "skipped"
)

// Terminal reports whether an item can no longer change state.
func (s ItemStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusSkipped
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunPlanning  RunStatus = "planning"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// WorkItem is one scheduled (contact, step) unit of send work. Its ID
// doubles as the idempotency key handed to the transport, so a
// deduplicating transport can suppress the duplicate a crash-resume
// re-attempt may produce.
type WorkItem struct {
	ID        string     `json:"id"` // runID:contactID:stepIndex
	RunID     string     `json:"run_id"`
	ContactID string     `json:"contact_id"`
	Email     string     `json:"email"`
	StepIndex int        `json:"step_index"`
	TargetAt  time.Time  `json:"target_at"` // fixed once computed, never recomputed
	Status    ItemStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ItemID builds the stable work item identifier.
func ItemID(runID, contactID string, stepIndex int) string {
	return fmt.Sprintf("%s:%s:%d", runID, contactID, stepIndex)
}

// Run groups all work items of one sequence launch. The definition,
// window, policy, throttle and contact list are snapshotted at launch
// time; edits to global settings never affect a run in progress.
type Run struct {
	ID        string               `json:"id"`
	Status    RunStatus            `json:"status"`
	Sequence  sequence.Definition  `json:"sequence"`
	Window    sequence.SendWindow  `json:"window"`
	Policy    sequence.SendingDays `json:"policy"`
	Throttle  sequence.Throttle    `json:"throttle"`
	Contacts  []sequence.Contact   `json:"contacts"`
	StartDate time.Time            `json:"start_date"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// ContactByID returns the snapshotted contact for a work item.
func (r *Run) ContactByID(id string) (sequence.Contact, bool) {
	for _, c := range r.Contacts {
		if c.ID == id {
			return c, true
		}
	}
	return sequence.Contact{}, false
}

// RunStats counts items of a run by status.
type RunStats struct {
	Pending  int `json:"pending"`
	Due      int `json:"due"`
	InFlight int `json:"in_flight"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Total    int `json:"total"`
}

// Done reports whether every item has reached a terminal state.
func (s RunStats) Done() bool {
	return s.Total > 0 && s.Pending == 0 && s.Due == 0 && s.InFlight == 0
}
