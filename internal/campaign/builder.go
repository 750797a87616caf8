package campaign

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/foxzi/leadmail/internal/leads"
	"github.com/foxzi/leadmail/internal/metrics"
	"github.com/foxzi/leadmail/internal/queue"
)

// LeadSource is the lead store as seen by the engine
type LeadSource interface {
	// Lead returns nil and no error for unknown IDs
	Lead(ctx context.Context, id string) (*leads.Lead, error)
	Match(ctx context.Context, filter leads.Filter) ([]string, error)
	OptedOut(ctx context.Context, id string) (bool, error)
	MarkContacted(ctx context.Context, id string) error
}

// Builder creates initial queue entries for campaign leads
type Builder struct {
	store  queue.Store
	leads  LeadSource
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder creates a queue builder
func NewBuilder(store queue.Store, source LeadSource, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{store: store, leads: source, logger: logger, now: time.Now}
}

// Enqueue creates one pending initial entry per matching lead and returns
// how many were new. Leads that already have a pending, sending or sent
// initial entry are left alone.
func (b *Builder) Enqueue(ctx context.Context, c *Campaign, filter leads.Filter) (int, error) {
	if c.Disabled {
		return 0, fmt.Errorf("%w: %s", ErrCampaignDisabled, c.ID)
	}

	ids, err := b.leads.Match(ctx, filter)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, leadID := range ids {
		now := b.now()
		ok, err := b.store.Create(ctx, &queue.Entry{
			CampaignID:  c.ID,
			LeadID:      leadID,
			Stage:       queue.StageInitial,
			Status:      queue.StatusPending,
			ScheduledAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return created, fmt.Errorf("failed to enqueue lead %s: %w", leadID, err)
		}
		if ok {
			created++
		}
	}

	metrics.AddEnqueued(c.ID, created)
	b.logger.Info("campaign enqueued",
		"campaign_id", c.ID,
		"matched", len(ids),
		"created", created,
	)
	return created, nil
}
