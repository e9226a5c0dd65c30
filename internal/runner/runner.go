// Package runner is the top-level orchestrator: it validates and plans
// launches, drives the poll loop that feeds due items to the dispatch
// pool, and owns cancellation and resume.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dripflow/dripflow/internal/dispatch"
	"github.com/dripflow/dripflow/internal/metrics"
	"github.com/dripflow/dripflow/internal/render"
	"github.com/dripflow/dripflow/internal/runstore"
	"github.com/dripflow/dripflow/internal/schedule"
	"github.com/dripflow/dripflow/internal/sequence"
	"github.com/dripflow/dripflow/internal/throttle"
	"github.com/dripflow/dripflow/internal/transport"
)

// Config contains runner settings.
type Config struct {
	PollInterval   time.Duration // poll tick of the driving loop
	ClaimBatch     int           // max items claimed per tick
	ResumeInFlight bool          // re-attempt items interrupted mid-send (at-least-once)
	Dispatch       dispatch.Config
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 50
	}
}

// Runner orchestrates runs against a single store and transport.
type Runner struct {
	store     *runstore.Store
	transport transport.Transport
	renderer  *render.Renderer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a runner.
func New(store *runstore.Store, tr transport.Transport, renderer *render.Renderer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Runner {
	cfg.setDefaults()
	return &Runner{
		store:     store,
		transport: tr,
		renderer:  renderer,
		metrics:   m,
		logger:    logger.With("component", "runner"),
		cfg:       cfg,
		active:    make(map[string]context.CancelFunc),
	}
}

// StartRun validates the launch parameters, materializes one schedule
// plan per contact, persists the run with every work item pending, and
// begins the poll loop. It returns as soon as planning is durable.
//
// All configuration is snapshotted into the run; later edits to global
// settings never affect a run in progress.
func (r *Runner) StartRun(ctx context.Context, def sequence.Definition, contacts []sequence.Contact, startDate time.Time, window sequence.SendWindow, policy sequence.SendingDays, thr sequence.Throttle) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	if err := window.Validate(); err != nil {
		return "", err
	}
	if err := policy.Validate(); err != nil {
		return "", err
	}
	if err := thr.Validate(); err != nil {
		return "", err
	}
	if len(contacts) == 0 {
		return "", &sequence.ConfigurationError{Field: "contacts", Reason: "at least one contact is required"}
	}
	seen := make(map[string]struct{}, len(contacts))
	for i, c := range contacts {
		if c.ID == "" {
			return "", &sequence.ConfigurationError{Field: fmt.Sprintf("contacts[%d].id", i), Reason: "contact id is required"}
		}
		if c.Email == "" {
			return "", &sequence.ConfigurationError{Field: fmt.Sprintf("contacts[%d].email", i), Reason: "deliverable address is required"}
		}
		// Item IDs are runID:contactID:stepIndex; a duplicate contact
		// would silently overwrite the first one's items.
		if _, dup := seen[c.ID]; dup {
			return "", &sequence.ConfigurationError{Field: fmt.Sprintf("contacts[%d].id", i), Reason: fmt.Sprintf("duplicate contact id %q", c.ID)}
		}
		seen[c.ID] = struct{}{}
	}
	if thr.MaxPerMinute == 0 {
		thr.MaxPerMinute = sequence.DefaultMaxPerMinute
	}

	now := time.Now()
	run := &runstore.Run{
		ID:        uuid.NewString(),
		Status:    runstore.RunPlanning,
		Sequence:  def,
		Window:    window,
		Policy:    policy,
		Throttle:  thr,
		Contacts:  contacts,
		StartDate: startDate,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// One jitter draw per (contact, step), taken exactly once. The plan
	// is persisted below and never recomputed, so resumes cannot drift.
	planner := schedule.NewPlanner(rand.NewSource(now.UnixNano()))

	items := make([]*runstore.WorkItem, 0, len(contacts)*len(def.Steps))
	for _, contact := range contacts {
		instants, err := planner.Plan(def, startDate, window, policy)
		if err != nil {
			return "", err
		}
		for stepIndex, target := range instants {
			items = append(items, &runstore.WorkItem{
				ID:        runstore.ItemID(run.ID, contact.ID, stepIndex),
				RunID:     run.ID,
				ContactID: contact.ID,
				Email:     contact.Email,
				StepIndex: stepIndex,
				TargetAt:  target,
				Status:    runstore.StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}

	if err := r.store.CreateRun(ctx, run, items); err != nil {
		return "", fmt.Errorf("persist run: %w", err)
	}

	r.logger.Info("run planned",
		"run_id", run.ID,
		"sequence", def.Name,
		"contacts", len(contacts),
		"steps", len(def.Steps),
		"items", len(items),
	)

	r.launch(run)
	return run.ID, nil
}

// Resume re-attaches to a previously started run without re-planning.
// It is idempotent: resuming a terminal run, or one that is already
// being driven, is a no-op.
func (r *Runner) Resume(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}
	if run.Status.Terminal() {
		return nil
	}

	r.mu.Lock()
	_, alreadyActive := r.active[runID]
	r.mu.Unlock()
	if alreadyActive {
		return nil
	}

	if r.cfg.ResumeInFlight {
		// Conservative resume: a crash mid-send may or may not have
		// delivered, so interrupted items get at most one more attempt.
		reset, err := r.store.ResetInFlight(ctx, runID)
		if err != nil {
			return fmt.Errorf("reset interrupted items: %w", err)
		}
		if reset > 0 {
			r.logger.Info("reset interrupted items to pending", "run_id", runID, "count", reset)
		}
	} else {
		failed, err := r.store.FailInterrupted(ctx, runID)
		if err != nil {
			return fmt.Errorf("fail interrupted items: %w", err)
		}
		if failed > 0 {
			r.logger.Info("marked interrupted items failed", "run_id", runID, "count", failed)
		}
	}

	r.launch(run)
	return nil
}

// ResumeAll re-attaches every non-terminal run found in the store.
func (r *Runner) ResumeAll(ctx context.Context) error {
	runs, err := r.store.NonTerminalRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := r.Resume(ctx, run.ID); err != nil {
			return fmt.Errorf("resume run %s: %w", run.ID, err)
		}
	}
	return nil
}

// Cancel stops a run: queued items are skipped, in-flight dispatches
// run to completion, and the run finalizes as cancelled. Idempotent; a
// no-op on terminal runs.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}
	if run.Status.Terminal() {
		return nil
	}

	skipped, err := r.store.SkipQueued(ctx, runID)
	if err != nil {
		return fmt.Errorf("skip queued items: %w", err)
	}
	for i := 0; i < skipped; i++ {
		r.metrics.ItemsSkippedTotal.Inc()
	}

	if err := r.store.UpdateRunStatus(ctx, runID, runstore.RunCancelled); err != nil {
		return err
	}

	// The loop notices the terminal status on its next tick; cancelling
	// its context just shortcuts throttle waits.
	r.mu.Lock()
	if cancel, ok := r.active[runID]; ok {
		cancel()
	}
	r.mu.Unlock()

	r.logger.Info("run cancelled", "run_id", runID, "skipped", skipped)
	return nil
}

// ContactProgress aggregates a contact's items for progress reporting.
type ContactProgress struct {
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
	Skipped   int    `json:"skipped"`
	LastError string `json:"last_error,omitempty"`
}

// Progress is a read-only snapshot of a run, cheap enough to poll from
// a UI.
type Progress struct {
	RunID        string                     `json:"run_id"`
	Status       runstore.RunStatus         `json:"status"`
	TotalItems   int                        `json:"total_items"`
	SentCount    int                        `json:"sent_count"`
	FailedCount  int                        `json:"failed_count"`
	PendingCount int                        `json:"pending_count"`
	SkippedCount int                        `json:"skipped_count"`
	PerContact   map[string]ContactProgress `json:"per_contact"`
}

// GetProgress returns the current counts for a run. Pending includes
// items that are claimed or in flight but not yet terminal.
func (r *Runner) GetProgress(ctx context.Context, runID string) (*Progress, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	items, err := r.store.LoadItems(ctx, runID)
	if err != nil {
		return nil, err
	}

	progress := &Progress{
		RunID:      runID,
		Status:     run.Status,
		TotalItems: len(items),
		PerContact: make(map[string]ContactProgress, len(run.Contacts)),
	}
	for _, item := range items {
		cp := progress.PerContact[item.ContactID]
		switch item.Status {
		case runstore.StatusSent:
			progress.SentCount++
			cp.Sent++
		case runstore.StatusFailed:
			progress.FailedCount++
			cp.Failed++
			cp.LastError = item.LastError
		case runstore.StatusSkipped:
			progress.SkippedCount++
			cp.Skipped++
		default:
			progress.PendingCount++
			cp.Pending++
		}
		progress.PerContact[item.ContactID] = cp
	}
	return progress, nil
}

// RetryItem re-enqueues a failed item as pending. Only valid while the
// run is still driving; terminal runs are immutable.
func (r *Runner) RetryItem(ctx context.Context, runID, itemID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is %s, items can no longer be retried", runID, run.Status)
	}
	return r.store.RetryItem(ctx, itemID)
}

// Backlog implements metrics.BacklogProvider over the store.
func (r *Runner) Backlog(ctx context.Context) (*metrics.BacklogStats, error) {
	runs, err := r.store.NonTerminalRuns(ctx)
	if err != nil {
		return nil, err
	}
	stats := &metrics.BacklogStats{Active: len(runs)}
	for _, run := range runs {
		rs, err := r.store.Stats(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		stats.Pending += rs.Pending + rs.Due
		stats.InFlight += rs.InFlight
	}
	return stats, nil
}

// Close stops every driving loop and waits for in-flight dispatches.
func (r *Runner) Close() {
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// launch starts the driving loop for a run unless one is already
// attached.
func (r *Runner) launch(run *runstore.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[run.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.active[run.ID] = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.detach(run.ID)
		r.drive(ctx, run)
	}()
}

func (r *Runner) detach(runID string) {
	r.mu.Lock()
	if cancel, ok := r.active[runID]; ok {
		cancel()
		delete(r.active, runID)
	}
	r.mu.Unlock()
}

// drive is the poll loop of one run: every tick it claims items whose
// target instant has arrived, hands them to the pool, and checks for
// completion. It is the only writer of the pending -> due transition.
func (r *Runner) drive(ctx context.Context, run *runstore.Run) {
	logger := r.logger.With("run_id", run.ID)

	gate := throttle.New(run.Throttle)
	pool := dispatch.NewPool(run, r.store, r.transport, r.renderer, gate, r.cfg.Dispatch, r.metrics, r.logger)
	pool.Start(ctx)
	defer pool.Stop()

	if err := r.store.UpdateRunStatus(ctx, run.ID, runstore.RunRunning); err != nil {
		logger.Error("failed to mark run running", "error", err)
		return
	}
	logger.Info("run started",
		"poll_interval", r.cfg.PollInterval,
		"throttle_interval", gate.Interval(),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown or cancellation. The store keeps the truth; a
			// non-terminal run is picked up again by Resume.
			return
		case <-ticker.C:
			if done := r.tick(ctx, pool, run.ID, logger); done {
				return
			}
		}
	}
}

// tick performs one poll cycle and reports whether the loop should end.
func (r *Runner) tick(ctx context.Context, pool *dispatch.Pool, runID string, logger *slog.Logger) bool {
	current, err := r.store.GetRun(ctx, runID)
	if err != nil || current == nil {
		logger.Error("failed to reload run", "error", err)
		return true
	}
	if current.Status.Terminal() {
		return true
	}

	claimed, err := r.store.ClaimDue(ctx, runID, time.Now(), r.cfg.ClaimBatch)
	if err != nil {
		logger.Error("failed to claim due items", "error", err)
		return false
	}
	for _, item := range claimed {
		if err := pool.Submit(ctx, item); err != nil {
			return true
		}
	}

	stats, err := r.store.Stats(ctx, runID)
	if err != nil {
		logger.Error("failed to read run stats", "error", err)
		return false
	}
	if stats.Done() {
		if err := r.store.UpdateRunStatus(ctx, runID, runstore.RunCompleted); err != nil {
			logger.Error("failed to mark run completed", "error", err)
			return true
		}
		logger.Info("run completed",
			"sent", stats.Sent,
			"failed", stats.Failed,
			"skipped", stats.Skipped,
		)
		return true
	}
	return false
}
