package metrics

import (
	"context"
	"sync"
	"time"
)

// BacklogStats is the slice of run-store state the collector flushes
// into gauges.
type BacklogStats struct {
	Pending  int
	InFlight int
	Active   int // non-terminal runs
}

// BacklogProvider supplies backlog statistics; the runner implements it
// over the run state store.
type BacklogProvider interface {
	Backlog(ctx context.Context) (*BacklogStats, error)
}

// Collector periodically refreshes backlog and system gauges.
type Collector struct {
	metrics   *Metrics
	provider  BacklogProvider
	interval  time.Duration
	startTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector flushing every interval.
func NewCollector(m *Metrics, provider BacklogProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:   m,
		provider:  provider,
		interval:  interval,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the flush loop.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.flush(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.flush(ctx)
			}
		}
	}()
}

// Stop stops the flush loop.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) flush(ctx context.Context) {
	c.metrics.UpdateSystemGauges(time.Since(c.startTime).Seconds())

	stats, err := c.provider.Backlog(ctx)
	if err != nil {
		return
	}
	c.metrics.ItemsPending.Set(float64(stats.Pending))
	c.metrics.ItemsInFlight.Set(float64(stats.InFlight))
	c.metrics.RunsActive.Set(float64(stats.Active))
}
