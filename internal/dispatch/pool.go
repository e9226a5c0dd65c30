// Package dispatch owns the worker pool that turns due work items into
// transport sends. Workers are the only writers of the
// due -> in_flight -> {sent, failed} transitions; the poll loop never
// touches an item once it has been handed over.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dripflow/dripflow/internal/metrics"
	"github.com/dripflow/dripflow/internal/render"
	"github.com/dripflow/dripflow/internal/runstore"
	"github.com/dripflow/dripflow/internal/throttle"
	"github.com/dripflow/dripflow/internal/transport"
)

// Config contains dispatch pool settings.
type Config struct {
	Workers         int
	MaxRetries      int           // transient-error retries per item
	RetryInitial    time.Duration // first backoff interval
	DispatchTimeout time.Duration // per transport call
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 5 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
}

// Pool dispatches the work items of a single run. It shares one
// throttle gate across all of its workers.
type Pool struct {
	run       *runstore.Run
	store     *runstore.Store
	transport transport.Transport
	renderer  *render.Renderer
	gate      *throttle.Gate
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger

	items  chan *runstore.WorkItem
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a dispatch pool for one run.
func NewPool(run *runstore.Run, store *runstore.Store, tr transport.Transport, renderer *render.Renderer, gate *throttle.Gate, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pool {
	cfg.setDefaults()
	return &Pool{
		run:       run,
		store:     store,
		transport: tr,
		renderer:  renderer,
		gate:      gate,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "dispatch", "run_id", run.ID),
		items:     make(chan *runstore.WorkItem, cfg.Workers*2),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Debug("starting dispatch workers", "workers", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit hands a claimed item to the pool, blocking when every worker
// is busy so the poll loop cannot outrun dispatch.
func (p *Pool) Submit(ctx context.Context, item *runstore.WorkItem) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return fmt.Errorf("dispatch pool stopped")
	case p.items <- item:
		return nil
	}
}

// Stop waits for every in-flight dispatch to finish. New items are
// refused; queued-but-unstarted items are dropped (they stay due in the
// store and are recovered on resume).
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	for {
		// Cancellation is cooperative: checked before picking up a new
		// item, never mid-send.
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case item := <-p.items:
			p.dispatch(ctx, logger, item)
		}
	}
}

// dispatch runs one item to a terminal state and persists it before
// returning, so a worker never holds an unrecorded outcome while
// picking up its next item.
func (p *Pool) dispatch(ctx context.Context, logger *slog.Logger, item *runstore.WorkItem) {
	gateStart := time.Now()
	if err := p.gate.Acquire(ctx); err != nil {
		// Cancelled while queued at the gate; the item stays due and is
		// either skipped by cancellation or reset on resume.
		return
	}
	p.metrics.ThrottleWaitSeconds.Observe(time.Since(gateStart).Seconds())

	// Compare-and-swap: only a still-due item may enter in_flight. A
	// cancellation that skipped the item while it waited at the gate
	// wins, and this worker drops it.
	claimed, cerr := p.store.MarkInFlight(ctx, item.ID)
	if cerr != nil {
		logger.Error("failed to mark item in flight", "item_id", item.ID, "error", cerr)
		return
	}
	if !claimed {
		logger.Debug("item no longer due, dropping", "item_id", item.ID)
		return
	}
	item.Status = runstore.StatusInFlight

	sendStart := time.Now()
	err := p.send(item)
	p.metrics.DispatchDurationSeconds.Observe(time.Since(sendStart).Seconds())

	if err == nil {
		item.Status = runstore.StatusSent
		item.LastError = ""
	} else {
		item.Status = runstore.StatusFailed
		item.LastError = err.Error()

		errorType := "permanent"
		if transport.IsTemporary(err) {
			errorType = "transient_exhausted"
		}
		p.metrics.ItemsFailedTotal.WithLabelValues(errorType).Inc()
		logger.Warn("dispatch failed",
			"item_id", item.ID,
			"to", item.Email,
			"attempts", item.Attempts,
			"error_type", errorType,
			"error", err,
		)
	}

	// Terminal state must hit the store before this worker moves on.
	if perr := p.store.UpsertItem(ctx, item); perr != nil {
		logger.Error("failed to persist item outcome", "item_id", item.ID, "error", perr)
		return
	}

	if err == nil {
		p.metrics.ItemsSentTotal.Inc()
		logger.Info("item sent", "item_id", item.ID, "to", item.Email, "step", item.StepIndex)
	}
}

// send renders the step and pushes it through the transport, retrying
// transient failures with exponential backoff. A render failure or a
// permanent transport error stops retrying immediately.
func (p *Pool) send(item *runstore.WorkItem) error {
	contact, ok := p.run.ContactByID(item.ContactID)
	if !ok {
		return &transport.SendError{Temporary: false, Message: "contact not found in run snapshot: " + item.ContactID}
	}
	if item.StepIndex < 0 || item.StepIndex >= len(p.run.Sequence.Steps) {
		return &transport.SendError{Temporary: false, Message: fmt.Sprintf("step %d out of range", item.StepIndex)}
	}
	step := p.run.Sequence.Steps[item.StepIndex]

	// Rendered at dispatch time, not plan time, so step edits made
	// before the item fires are honored.
	msg, err := p.renderer.Render(step, contact)
	if err != nil {
		return &transport.SendError{Temporary: false, Message: err.Error()}
	}

	req := &transport.Request{
		Key:     item.ID,
		Contact: contact,
		Message: msg,
	}

	operation := func() error {
		item.Attempts++
		if item.Attempts > 1 {
			p.metrics.ItemsRetriedTotal.Inc()
		}

		// The transport call gets its own deadline, detached from run
		// cancellation: an in-progress send always runs to completion.
		callCtx, cancel := context.WithTimeout(context.Background(), p.cfg.DispatchTimeout)
		defer cancel()

		err := p.transport.Send(callCtx, req)
		if err != nil && !transport.IsTemporary(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitial
	b.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	return backoff.Retry(operation, backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries)))
}
