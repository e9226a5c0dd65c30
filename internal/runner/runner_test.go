package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dripflow/dripflow/internal/dispatch"
	"github.com/dripflow/dripflow/internal/metrics"
	"github.com/dripflow/dripflow/internal/render"
	"github.com/dripflow/dripflow/internal/runstore"
	"github.com/dripflow/dripflow/internal/sequence"
	"github.com/dripflow/dripflow/internal/transport"
)

// recordingTransport implements transport.Transport for testing
type recordingTransport struct {
	mu       sync.Mutex
	sendFunc func(req *transport.Request) error
	keys     []string
}

func (r *recordingTransport) Send(ctx context.Context, req *transport.Request) error {
	r.mu.Lock()
	r.keys = append(r.keys, req.Key)
	r.mu.Unlock()
	if r.sendFunc != nil {
		return r.sendFunc(req)
	}
	return nil
}

func (r *recordingTransport) sentKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.keys...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRunner(t *testing.T, tr transport.Transport, cfg Config) (*Runner, *runstore.Store) {
	t.Helper()
	store, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rn := New(store, tr, render.New(), cfg, metrics.New(), testLogger())
	t.Cleanup(func() {
		rn.Close()
		store.Close()
	})
	return rn, store
}

func fastConfig() Config {
	return Config{
		PollInterval:   10 * time.Millisecond,
		ClaimBatch:     50,
		ResumeInFlight: true,
		Dispatch: dispatch.Config{
			Workers:      2,
			MaxRetries:   1,
			RetryInitial: time.Millisecond,
		},
	}
}

func immediateDefinition(steps int) sequence.Definition {
	def := sequence.Definition{Name: "test"}
	for i := 0; i < steps; i++ {
		def.Steps = append(def.Steps, sequence.Step{
			Index:     i,
			DelayDays: 0,
			TimeOfDay: "00:00",
			Subject:   "Step {{ contact_id }}",
			Body:      "Hello {{ first_name | default: \"there\" }}",
		})
	}
	return def
}

func allDays() sequence.SendingDays {
	return sequence.SendingDays{
		Days: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
		Timezone: "UTC",
	}
}

func todayMidnight() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func waitForStatus(t *testing.T, rn *Runner, runID string, want runstore.RunStatus) *Progress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		progress, err := rn.GetProgress(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetProgress() error = %v", err)
		}
		if progress.Status == want {
			return progress
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
	return nil
}

func TestStartRunValidation(t *testing.T) {
	rn, _ := newTestRunner(t, &recordingTransport{}, fastConfig())
	ctx := context.Background()
	contacts := []sequence.Contact{{ID: "c1", Email: "c1@test.com"}}

	if _, err := rn.StartRun(ctx, sequence.Definition{Name: "empty"}, contacts, todayMidnight(), sequence.SendWindow{}, allDays(), sequence.Throttle{}); err == nil {
		t.Error("StartRun() expected error for empty sequence")
	}

	def := immediateDefinition(1)
	if _, err := rn.StartRun(ctx, def, nil, todayMidnight(), sequence.SendWindow{}, allDays(), sequence.Throttle{}); err == nil {
		t.Error("StartRun() expected error for empty contact list")
	}

	noEmail := []sequence.Contact{{ID: "c1"}}
	if _, err := rn.StartRun(ctx, def, noEmail, todayMidnight(), sequence.SendWindow{}, allDays(), sequence.Throttle{}); err == nil {
		t.Error("StartRun() expected error for contact without address")
	}

	if _, err := rn.StartRun(ctx, def, contacts, todayMidnight(), sequence.SendWindow{}, sequence.SendingDays{Timezone: "UTC"}, sequence.Throttle{}); err == nil {
		t.Error("StartRun() expected error for empty sending-days policy")
	}

	badJitter := sequence.SendWindow{Enabled: true, JitterMinutes: -5}
	if _, err := rn.StartRun(ctx, def, contacts, todayMidnight(), badJitter, allDays(), sequence.Throttle{}); err == nil {
		t.Error("StartRun() expected error for negative jitter")
	}
}

func TestStartRunRejectsDuplicateContactIDs(t *testing.T) {
	rn, store := newTestRunner(t, &recordingTransport{}, fastConfig())
	ctx := context.Background()

	// Two contacts sharing an ID would share item IDs, so the second
	// would silently replace the first's planned items.
	dup := []sequence.Contact{
		{ID: "c1", Email: "first@test.com"},
		{ID: "c1", Email: "second@test.com"},
	}
	_, err := rn.StartRun(ctx, immediateDefinition(2), dup, todayMidnight().AddDate(1, 0, 0),
		sequence.SendWindow{}, allDays(), sequence.Throttle{})
	if err == nil {
		t.Fatal("StartRun() expected error for duplicate contact ids")
	}
	var cfgErr *sequence.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("StartRun() error type = %T, want *ConfigurationError", err)
	}

	// Nothing gets persisted on a rejected launch.
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("ListRuns() returned %d runs after rejected launch, want 0", len(runs))
	}
}

func TestStartRunPlansContactsTimesSteps(t *testing.T) {
	rn, store := newTestRunner(t, &recordingTransport{}, fastConfig())
	ctx := context.Background()

	contacts := []sequence.Contact{
		{ID: "c1", Email: "c1@test.com"},
		{ID: "c2", Email: "c2@test.com"},
		{ID: "c3", Email: "c3@test.com"},
	}
	// Far-future start keeps everything pending for inspection.
	start := todayMidnight().AddDate(1, 0, 0)

	runID, err := rn.StartRun(ctx, immediateDefinition(2), contacts, start, sequence.SendWindow{}, allDays(), sequence.Throttle{})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	items, err := store.LoadItems(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 6 {
		t.Fatalf("LoadItems() returned %d items, want 3 contacts x 2 steps = 6", len(items))
	}
	for _, item := range items {
		if item.Status != runstore.StatusPending {
			t.Errorf("item %s status = %v, want pending", item.ID, item.Status)
		}
		if item.TargetAt.Before(start) {
			t.Errorf("item %s target %v precedes the start date", item.ID, item.TargetAt)
		}
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if got := run.Throttle.MaxPerMinute; got != sequence.DefaultMaxPerMinute {
		t.Errorf("run throttle = %d, want default %d applied", got, sequence.DefaultMaxPerMinute)
	}
}

func TestRunCompletesAndSendsEverything(t *testing.T) {
	tr := &recordingTransport{}
	cfg := fastConfig()
	rn, _ := newTestRunner(t, tr, cfg)
	ctx := context.Background()

	contacts := []sequence.Contact{
		{ID: "c1", Email: "c1@test.com", Fields: map[string]string{"first_name": "Ada"}},
		{ID: "c2", Email: "c2@test.com"},
	}

	runID, err := rn.StartRun(ctx, immediateDefinition(2), contacts, todayMidnight(),
		sequence.SendWindow{}, allDays(), sequence.Throttle{MaxPerMinute: 6000})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	progress := waitForStatus(t, rn, runID, runstore.RunCompleted)
	if progress.SentCount != 4 {
		t.Errorf("SentCount = %d, want 4", progress.SentCount)
	}
	if progress.FailedCount != 0 || progress.PendingCount != 0 {
		t.Errorf("progress = %+v, want everything sent", progress)
	}

	keys := tr.sentKeys()
	if len(keys) != 4 {
		t.Fatalf("transport received %d sends, want 4", len(keys))
	}
	seen := make(map[string]bool)
	for _, key := range keys {
		if seen[key] {
			t.Errorf("idempotency key %s dispatched twice", key)
		}
		seen[key] = true
	}

	for id, cp := range progress.PerContact {
		if cp.Sent != 2 {
			t.Errorf("contact %s sent = %d, want 2", id, cp.Sent)
		}
	}
}

func TestRunRecordsPermanentFailure(t *testing.T) {
	tr := &recordingTransport{
		sendFunc: func(req *transport.Request) error {
			if req.Contact.ID == "bad" {
				return &transport.SendError{Temporary: false, Message: "550 no such user"}
			}
			return nil
		},
	}
	rn, _ := newTestRunner(t, tr, fastConfig())
	ctx := context.Background()

	contacts := []sequence.Contact{
		{ID: "good", Email: "good@test.com"},
		{ID: "bad", Email: "bad@test.com"},
	}
	runID, err := rn.StartRun(ctx, immediateDefinition(1), contacts, todayMidnight(),
		sequence.SendWindow{}, allDays(), sequence.Throttle{MaxPerMinute: 6000})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	progress := waitForStatus(t, rn, runID, runstore.RunCompleted)
	if progress.SentCount != 1 || progress.FailedCount != 1 {
		t.Errorf("progress sent=%d failed=%d, want 1 and 1", progress.SentCount, progress.FailedCount)
	}
	if cp := progress.PerContact["bad"]; cp.LastError == "" {
		t.Error("failed contact has no LastError recorded")
	}
	// One contact's failure never blocks the other's send.
	if cp := progress.PerContact["good"]; cp.Sent != 1 {
		t.Errorf("good contact sent = %d, want 1", cp.Sent)
	}
}

func TestCancelSkipsQueuedItems(t *testing.T) {
	rn, store := newTestRunner(t, &recordingTransport{}, fastConfig())
	ctx := context.Background()

	// Future start: nothing is due, so cancel catches every item queued.
	start := todayMidnight().AddDate(1, 0, 0)
	contacts := []sequence.Contact{{ID: "c1", Email: "c1@test.com"}}

	runID, err := rn.StartRun(ctx, immediateDefinition(3), contacts, start,
		sequence.SendWindow{}, allDays(), sequence.Throttle{})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if err := rn.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	progress := waitForStatus(t, rn, runID, runstore.RunCancelled)
	if progress.SkippedCount != 3 {
		t.Errorf("SkippedCount = %d, want 3", progress.SkippedCount)
	}
	if progress.SentCount != 0 {
		t.Errorf("SentCount = %d, want 0", progress.SentCount)
	}

	// Cancel is idempotent.
	if err := rn.Cancel(ctx, runID); err != nil {
		t.Errorf("second Cancel() error = %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runstore.RunCancelled {
		t.Errorf("run status = %v, want cancelled", run.Status)
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	tr := &recordingTransport{}
	rn, _ := newTestRunner(t, tr, fastConfig())
	ctx := context.Background()

	contacts := []sequence.Contact{{ID: "c1", Email: "c1@test.com"}}
	runID, err := rn.StartRun(ctx, immediateDefinition(1), contacts, todayMidnight(),
		sequence.SendWindow{}, allDays(), sequence.Throttle{MaxPerMinute: 6000})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	waitForStatus(t, rn, runID, runstore.RunCompleted)

	// Resuming a completed run neither errors nor re-sends.
	if err := rn.Resume(ctx, runID); err != nil {
		t.Errorf("Resume() on completed run error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(tr.sentKeys()); got != 1 {
		t.Errorf("transport received %d sends after resume, want 1", got)
	}

	if err := rn.Resume(ctx, "no-such-run"); err == nil {
		t.Error("Resume() expected error for unknown run")
	}
}

func TestResumeResetsInterruptedItems(t *testing.T) {
	// Simulate a crash: build the run state by hand with one item stuck
	// in flight, then attach a fresh runner and resume.
	tr := &recordingTransport{}
	rn, store := newTestRunner(t, tr, fastConfig())
	ctx := context.Background()

	now := time.Now()
	run := &runstore.Run{
		ID:       "crashed-run",
		Status:   runstore.RunRunning,
		Sequence: immediateDefinition(1),
		Policy:   allDays(),
		Throttle: sequence.Throttle{MaxPerMinute: 6000},
		Contacts: []sequence.Contact{{ID: "c1", Email: "c1@test.com"}},
	}
	item := &runstore.WorkItem{
		ID:        runstore.ItemID(run.ID, "c1", 0),
		RunID:     run.ID,
		ContactID: "c1",
		Email:     "c1@test.com",
		StepIndex: 0,
		TargetAt:  now.Add(-time.Hour),
		Status:    runstore.StatusPending,
		CreatedAt: now,
	}
	if err := store.CreateRun(ctx, run, []*runstore.WorkItem{item}); err != nil {
		t.Fatal(err)
	}
	item.Status = runstore.StatusInFlight
	if err := store.UpsertItem(ctx, item); err != nil {
		t.Fatal(err)
	}

	if err := rn.Resume(ctx, run.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	progress := waitForStatus(t, rn, run.ID, runstore.RunCompleted)
	if progress.SentCount != 1 {
		t.Errorf("SentCount = %d, want interrupted item re-attempted and sent", progress.SentCount)
	}
}

func TestResumeFailsInterruptedWhenConfigured(t *testing.T) {
	cfg := fastConfig()
	cfg.ResumeInFlight = false
	rn, store := newTestRunner(t, &recordingTransport{}, cfg)
	ctx := context.Background()

	now := time.Now()
	run := &runstore.Run{
		ID:       "crashed-run",
		Status:   runstore.RunRunning,
		Sequence: immediateDefinition(1),
		Policy:   allDays(),
		Throttle: sequence.Throttle{MaxPerMinute: 6000},
		Contacts: []sequence.Contact{{ID: "c1", Email: "c1@test.com"}},
	}
	item := &runstore.WorkItem{
		ID:        runstore.ItemID(run.ID, "c1", 0),
		RunID:     run.ID,
		ContactID: "c1",
		Email:     "c1@test.com",
		StepIndex: 0,
		TargetAt:  now.Add(-time.Hour),
		Status:    runstore.StatusPending,
		CreatedAt: now,
	}
	if err := store.CreateRun(ctx, run, []*runstore.WorkItem{item}); err != nil {
		t.Fatal(err)
	}
	item.Status = runstore.StatusInFlight
	if err := store.UpsertItem(ctx, item); err != nil {
		t.Fatal(err)
	}

	if err := rn.Resume(ctx, run.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	progress := waitForStatus(t, rn, run.ID, runstore.RunCompleted)
	if progress.FailedCount != 1 {
		t.Errorf("FailedCount = %d, want interrupted item recorded as failed", progress.FailedCount)
	}
	if progress.SentCount != 0 {
		t.Errorf("SentCount = %d, want 0 re-attempts", progress.SentCount)
	}
}

func TestRetryItemOnTerminalRunRejected(t *testing.T) {
	rn, _ := newTestRunner(t, &recordingTransport{}, fastConfig())
	ctx := context.Background()

	contacts := []sequence.Contact{{ID: "c1", Email: "c1@test.com"}}
	runID, err := rn.StartRun(ctx, immediateDefinition(1), contacts, todayMidnight(),
		sequence.SendWindow{}, allDays(), sequence.Throttle{MaxPerMinute: 6000})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	waitForStatus(t, rn, runID, runstore.RunCompleted)

	itemID := runstore.ItemID(runID, "c1", 0)
	if err := rn.RetryItem(ctx, runID, itemID); err == nil {
		t.Error("RetryItem() expected error on completed run")
	}
}

func TestBacklog(t *testing.T) {
	rn, _ := newTestRunner(t, &recordingTransport{}, fastConfig())
	ctx := context.Background()

	start := todayMidnight().AddDate(1, 0, 0)
	contacts := []sequence.Contact{{ID: "c1", Email: "c1@test.com"}}
	if _, err := rn.StartRun(ctx, immediateDefinition(2), contacts, start,
		sequence.SendWindow{}, allDays(), sequence.Throttle{}); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	stats, err := rn.Backlog(ctx)
	if err != nil {
		t.Fatalf("Backlog() error = %v", err)
	}
	if stats.Active != 1 {
		t.Errorf("Backlog().Active = %d, want 1", stats.Active)
	}
	if stats.Pending != 2 {
		t.Errorf("Backlog().Pending = %d, want 2", stats.Pending)
	}
}
