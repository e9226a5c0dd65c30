package runstore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains archive settings.
type CleanerConfig struct {
	// How old a terminal run must be before its items are archived.
	ArchiveAfter time.Duration
	// How often the archive pass runs.
	Interval time.Duration
}

// Cleaner periodically archives the items of finished runs so the live
// item bucket stays proportional to active work.
type Cleaner struct {
	store  *Store
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a cleaner service.
func NewCleaner(store *Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the archive loop; a no-op when retention is disabled.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.ArchiveAfter <= 0 || c.cfg.Interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"archive_after", c.cfg.ArchiveAfter,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the loop to finish.
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Cleaner) runOnce(ctx context.Context) {
	archived, err := c.store.ArchiveTerminalRuns(ctx, c.cfg.ArchiveAfter)
	if err != nil {
		c.logger.Error("failed to archive finished runs", "error", err)
		return
	}
	if archived > 0 {
		c.logger.Info("archived items of finished runs", "items", archived)
	}
}
