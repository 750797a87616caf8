package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Runner calls ProcessBatch on an interval from a fixed number of workers
type Runner struct {
	processor *Processor
	opts      Options
	workers   int
	interval  time.Duration
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRunner creates an interval runner
func NewRunner(p *Processor, opts Options, workers int, interval time.Duration, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = p.cfg.Workers
	}
	if interval <= 0 {
		interval = p.cfg.Interval
	}

	return &Runner{
		processor: p,
		opts:      opts,
		workers:   workers,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the workers
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("starting dispatch workers", "workers", r.workers, "interval", r.interval)

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight batches to finish
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("stopping dispatch workers")
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	logger := r.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.tick(ctx, logger)

		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-r.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context, logger *slog.Logger) {
	res, err := r.processor.ProcessBatch(ctx, r.opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dispatch batch failed", "error", err)
	}
	if !res.Empty() {
		logger.Info("dispatch batch finished",
			"sent", res.Sent,
			"failed", res.Failed,
			"deferred", res.Deferred,
			"skipped", res.Skipped,
			"recovered", res.Recovered,
		)
	}
}
