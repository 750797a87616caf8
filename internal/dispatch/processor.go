package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/foxzi/leadmail/internal/metrics"
	"github.com/foxzi/leadmail/internal/provider"
	"github.com/foxzi/leadmail/internal/queue"
	"github.com/foxzi/leadmail/internal/template"
)

type verdictKind int

const (
	verdictSent verdictKind = iota
	verdictTransient
	verdictPermanent
	verdictRender
	verdictUnresolvable
	verdictSkip
)

// verdict is the classified result of one attempt on a claimed entry
type verdict struct {
	kind      verdictKind
	reason    string
	provider  string
	messageID string
}

// Processor runs dispatch batches over a shared store and limiter.
// It is safe for concurrent use by several workers.
type Processor struct {
	store     queue.Store
	limiter   Limiter
	resolver  Resolver
	providers Providers
	engine    *template.Engine
	cfg       Config
	pacer     *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a dispatch processor
func NewProcessor(store queue.Store, limiter Limiter, resolver Resolver, providers Providers, cfg Config, logger *slog.Logger, opts ...Option) *Processor {
	cfg.SetDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Processor{
		store:     store,
		limiter:   limiter,
		resolver:  resolver,
		providers: providers,
		engine:    template.NewEngine(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	if cfg.SendPace > 0 {
		p.pacer = rate.NewLimiter(rate.Every(cfg.SendPace), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration
func (p *Processor) Config() Config {
	return p.cfg
}

// Run executes one batch per worker concurrently and sums the results
func (p *Processor) Run(ctx context.Context, opts Options, workers int) (Result, error) {
	if workers <= 1 {
		return p.ProcessBatch(ctx, opts)
	}

	results := make([]Result, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			res, err := p.ProcessBatch(gctx, opts)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	var total Result
	for _, r := range results {
		total.Add(r)
	}
	return total, err
}

// ProcessBatch recovers stale claims, then claims and sends up to
// BatchSize due entries. A rate limit denial ends the batch early. Store
// errors abort the batch and are returned with the counts so far.
func (p *Processor) ProcessBatch(ctx context.Context, opts Options) (Result, error) {
	var res Result

	if opts.BatchSize <= 0 {
		opts.BatchSize = p.cfg.BatchSize
	}
	if opts.Provider != "" {
		if _, err := p.providers.Get(opts.Provider); err != nil {
			return res, err
		}
	}

	recovered, err := p.recoverStale(ctx)
	res.Recovered = recovered
	if err != nil {
		return res, err
	}

	due, err := p.store.Due(ctx, p.now(), opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to select due entries: %w", err)
	}

	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		stop, err := p.processEntry(ctx, e, opts, &res)
		if err != nil {
			return res, err
		}
		if stop {
			break
		}
	}

	return res, nil
}

// recoverStale treats sending entries whose claim is older than
// StaleAfter as a transient failure of that attempt
func (p *Processor) recoverStale(ctx context.Context) (int, error) {
	now := p.now()
	stale, err := p.store.Stale(ctx, now.Add(-p.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to select stale entries: %w", err)
	}

	recovered := 0
	for _, e := range stale {
		updated, err := p.store.Transition(ctx, e.ID, queue.StatusSending, func(x *queue.Entry) {
			p.applyTransient(x, "stale claim recovered", now)
		})
		if errors.Is(err, queue.ErrConflict) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover entry %s: %w", e.ID, err)
		}

		recovered++
		metrics.IncStaleRecovered()
		p.logger.Warn("recovered stale claim",
			"entry_id", e.ID,
			"campaign_id", e.CampaignID,
			"stage", e.Stage,
			"claimed_at", e.ClaimedAt,
			"status", updated.Status,
			"attempt_count", updated.AttemptCount,
		)
	}
	return recovered, nil
}

// processEntry claims and attempts one entry. stop is true when the batch
// must end because the limiter denied a slot.
func (p *Processor) processEntry(ctx context.Context, e *queue.Entry, opts Options, res *Result) (stop bool, err error) {
	logger := p.logger.With("entry_id", e.ID, "campaign_id", e.CampaignID, "stage", e.Stage)

	claimedAt := p.now()
	claimed, err := p.store.Transition(ctx, e.ID, queue.StatusPending, func(x *queue.Entry) {
		x.Status = queue.StatusSending
		x.ClaimedAt = &claimedAt
		x.UpdatedAt = claimedAt
	})
	if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
		logger.Debug("claim lost to another worker")
		metrics.IncClaimConflict()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim entry %s: %w", e.ID, err)
	}

	granted, err := p.limiter.TryAcquire(ctx, e.CampaignID)
	if err != nil {
		logger.Warn("rate limiter error, deferring", "error", err)
		granted = false
	}
	if !granted {
		if err := p.release(ctx, claimed); err != nil {
			return true, err
		}
		res.Deferred++
		metrics.IncRateLimitDenied(e.CampaignID)
		metrics.IncDeferred(metrics.DeferRateLimit)
		logger.Debug("rate limit reached, ending batch")
		return true, nil
	}

	if p.pacer != nil {
		if err := p.pacer.Wait(ctx); err != nil {
			if relErr := p.release(context.WithoutCancel(ctx), claimed); relErr != nil {
				return true, relErr
			}
			return true, err
		}
	}

	v := p.attempt(ctx, claimed, opts, logger)
	// The outcome is recorded even when ctx was cancelled during the send
	return false, p.record(context.WithoutCancel(ctx), claimed, v, res, logger)
}

// release returns a claimed entry to pending without counting an attempt
func (p *Processor) release(ctx context.Context, e *queue.Entry) error {
	now := p.now()
	_, err := p.store.Transition(ctx, e.ID, queue.StatusSending, func(x *queue.Entry) {
		x.Status = queue.StatusPending
		x.ClaimedAt = nil
		x.UpdatedAt = now
	})
	if err != nil {
		return fmt.Errorf("failed to release entry %s: %w", e.ID, err)
	}
	return nil
}

// attempt resolves, renders and sends. A panic anywhere in the attempt is
// reported as a transient failure.
func (p *Processor) attempt(ctx context.Context, e *queue.Entry, opts Options, logger *slog.Logger) (v verdict) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing entry", "panic", r)
			v = verdict{kind: verdictTransient, reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	job, err := p.resolver.Resolve(ctx, e)
	switch {
	case errors.Is(err, ErrOptedOut):
		return verdict{kind: verdictSkip, reason: "lead opted out"}
	case errors.Is(err, ErrUnresolvable):
		return verdict{kind: verdictUnresolvable, reason: err.Error()}
	case err != nil:
		return verdict{kind: verdictTransient, reason: err.Error()}
	}

	rendered, err := p.engine.Render(job.Template, job.Vars)
	if errors.Is(err, template.ErrMissingRecipient) {
		return verdict{kind: verdictRender, reason: reasonMissingRecipient}
	}
	if err != nil {
		return verdict{kind: verdictRender, reason: err.Error()}
	}

	name := job.Provider
	if opts.Provider != "" {
		name = opts.Provider
	}
	prov, err := p.providers.Get(name)
	if err != nil {
		return verdict{kind: verdictUnresolvable, reason: err.Error()}
	}

	msg := &provider.Message{
		ID:         e.ID,
		CampaignID: e.CampaignID,
		Stage:      e.Stage,
		From:       job.From,
		ReplyTo:    job.ReplyTo,
		To:         provider.Address{Email: rendered.To, Name: rendered.ToName},
		Subject:    rendered.Subject,
		Text:       rendered.Text,
		HTML:       rendered.HTML,
		Headers:    job.Headers,
		Date:       p.now(),
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	start := time.Now()
	out := prov.Send(sendCtx, msg)
	cancel()
	metrics.ObserveSend(prov.Name(), out.Status.String(), time.Since(start))

	switch out.Status {
	case provider.StatusDelivered:
		return verdict{kind: verdictSent, provider: prov.Name(), messageID: out.MessageID}
	case provider.StatusPermanent:
		return verdict{kind: verdictPermanent, provider: prov.Name(), reason: out.Reason}
	default:
		return verdict{kind: verdictTransient, provider: prov.Name(), reason: out.Reason}
	}
}

// record writes the verdict of an attempt back to the store
func (p *Processor) record(ctx context.Context, e *queue.Entry, v verdict, res *Result, logger *slog.Logger) error {
	now := p.now()

	updated, err := p.store.Transition(ctx, e.ID, queue.StatusSending, func(x *queue.Entry) {
		x.UpdatedAt = now
		if v.provider != "" {
			x.Provider = v.provider
		}
		switch v.kind {
		case verdictSent:
			x.Status = queue.StatusSent
			x.SentAt = &now
			x.ProviderMessageID = v.messageID
			x.LastError = ""
		case verdictTransient:
			p.applyTransient(x, v.reason, now)
		case verdictSkip:
			x.Status = queue.StatusSkipped
			x.LastError = v.reason
		case verdictRender, verdictUnresolvable:
			// the attempt ended before any provider call
			x.AttemptCount++
			x.Status = queue.StatusFailed
			x.LastError = v.reason
		default:
			x.Status = queue.StatusFailed
			x.LastError = v.reason
		}
	})
	if errors.Is(err, queue.ErrConflict) {
		logger.Warn("entry changed while sending, outcome dropped", "reason", v.reason)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record outcome of entry %s: %w", e.ID, err)
	}

	switch updated.Status {
	case queue.StatusSent:
		res.Sent++
		metrics.IncSent(e.CampaignID, v.provider)
		logger.Info("message sent", "provider", v.provider, "provider_message_id", v.messageID)
		if err := p.resolver.Delivered(ctx, updated); err != nil {
			logger.Warn("failed to mark lead contacted", "lead_id", e.LeadID, "error", err)
		}
	case queue.StatusPending:
		res.Deferred++
		metrics.IncDeferred(metrics.DeferRetry)
		logger.Warn("send failed, retry scheduled",
			"reason", v.reason,
			"attempt_count", updated.AttemptCount,
			"scheduled_at", updated.ScheduledAt,
		)
	case queue.StatusSkipped:
		res.Skipped++
		metrics.IncSkipped(e.CampaignID)
		logger.Info("entry skipped", "reason", v.reason)
	case queue.StatusFailed:
		res.Failed++
		metrics.IncFailed(e.CampaignID, failureClass(v.kind))
		logger.Error("entry failed", "reason", updated.LastError, "attempt_count", updated.AttemptCount)
	}
	return nil
}

// applyTransient counts the attempt and either schedules a retry or gives up
func (p *Processor) applyTransient(x *queue.Entry, reason string, now time.Time) {
	x.AttemptCount++
	x.UpdatedAt = now
	if x.AttemptCount < p.cfg.MaxAttempts {
		x.Status = queue.StatusPending
		x.ScheduledAt = now.Add(Backoff(x.AttemptCount, p.cfg.RetryBase, p.cfg.RetryMax))
		x.ClaimedAt = nil
		x.LastError = reason
		return
	}
	x.Status = queue.StatusFailed
	x.LastError = "max attempts exceeded: " + reason
}

func failureClass(k verdictKind) string {
	switch k {
	case verdictTransient:
		return metrics.FailExhausted
	case verdictRender:
		return metrics.FailRender
	case verdictUnresolvable:
		return metrics.FailUnresolvable
	}
	return metrics.FailPermanent
}
