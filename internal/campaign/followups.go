package campaign

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/foxzi/leadmail/internal/metrics"
	"github.com/foxzi/leadmail/internal/queue"
)

// FollowUps schedules the next stage for leads whose last message is old enough
type FollowUps struct {
	store  queue.Store
	leads  LeadSource
	logger *slog.Logger
	now    func() time.Time
}

// NewFollowUps creates a follow-up scheduler
func NewFollowUps(store queue.Store, source LeadSource, logger *slog.Logger) *FollowUps {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FollowUps{store: store, leads: source, logger: logger, now: time.Now}
}

// Schedule scans sent entries of c older than the follow-up delay and
// creates the next stage for each, once. Each sent entry advances at most
// one stage per call.
func (f *FollowUps) Schedule(ctx context.Context, c *Campaign) (int, error) {
	if c.FollowUp == nil || c.Disabled {
		return 0, nil
	}

	now := f.now()
	cutoff := now.Add(-time.Duration(c.FollowUp.AfterDays) * 24 * time.Hour)

	sent, err := f.store.SentBefore(ctx, c.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to scan sent entries: %w", err)
	}

	created := 0
	for _, e := range sent {
		index, err := queue.StageIndex(e.Stage)
		if err != nil {
			f.logger.Warn("skipping entry with unknown stage", "entry_id", e.ID, "stage", e.Stage)
			continue
		}
		if index >= c.FollowUp.MaxStages {
			continue
		}

		next := queue.FollowUpStage(index + 1)
		exists, err := f.store.Exists(ctx, queue.Key{CampaignID: c.ID, LeadID: e.LeadID, Stage: next})
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		optedOut, err := f.leads.OptedOut(ctx, e.LeadID)
		if err != nil {
			return created, err
		}
		if optedOut {
			f.logger.Debug("lead opted out, no follow-up", "lead_id", e.LeadID, "campaign_id", c.ID)
			continue
		}

		ok, err := f.store.Create(ctx, &queue.Entry{
			CampaignID:  c.ID,
			LeadID:      e.LeadID,
			Stage:       next,
			Status:      queue.StatusPending,
			ScheduledAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
			ParentID:    e.ID,
		})
		if err != nil {
			return created, fmt.Errorf("failed to schedule %s for lead %s: %w", next, e.LeadID, err)
		}
		if ok {
			created++
		}
	}

	metrics.AddFollowUps(c.ID, created)
	if created > 0 {
		f.logger.Info("follow-ups scheduled", "campaign_id", c.ID, "created", created)
	}
	return created, nil
}
