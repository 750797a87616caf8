package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/leadmail/internal/queue"
)

// QueueStatsProvider reports queue counts for the gauges
type QueueStatsProvider interface {
	Stats(ctx context.Context, campaignID string) (*queue.Stats, error)
	Due(ctx context.Context, now time.Time, limit int) ([]*queue.Entry, error)
}

// Collector refreshes queue and system gauges on an interval
type Collector struct {
	metrics     *Metrics
	queue       QueueStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, q QueueStatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		metrics:     m,
		queue:       q,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins periodic collection
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates every gauge once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queue == nil {
		return
	}

	if stats, err := c.queue.Stats(ctx, ""); err == nil {
		c.metrics.QueueEntries.WithLabelValues(string(queue.StatusPending)).Set(float64(stats.Pending))
		c.metrics.QueueEntries.WithLabelValues(string(queue.StatusSending)).Set(float64(stats.Sending))
		c.metrics.QueueEntries.WithLabelValues(string(queue.StatusSent)).Set(float64(stats.Sent))
		c.metrics.QueueEntries.WithLabelValues(string(queue.StatusFailed)).Set(float64(stats.Failed))
		c.metrics.QueueEntries.WithLabelValues(string(queue.StatusSkipped)).Set(float64(stats.Skipped))
	}

	now := time.Now()
	if due, err := c.queue.Due(ctx, now, 1); err == nil {
		if len(due) == 0 {
			c.metrics.QueueOldestSeconds.Set(0)
		} else {
			c.metrics.QueueOldestSeconds.Set(now.Sub(due[0].ScheduledAt).Seconds())
		}
	}
}
