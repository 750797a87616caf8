package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/foxzi/leadmail/internal/dispatch"
	"github.com/foxzi/leadmail/internal/leads"
	"github.com/foxzi/leadmail/internal/queue"
)

// Service is the operator-facing surface of the engine
type Service struct {
	catalog    *Catalog
	store      queue.Store
	builder    *Builder
	followUps  *FollowUps
	processor  *dispatch.Processor
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceClock overrides the clock used for enqueueing, follow-ups and retries
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
		s.builder.now = now
		s.followUps.now = now
	}
}

// NewService wires the campaign engine
func NewService(catalog *Catalog, store queue.Store, source LeadSource, processor *dispatch.Processor, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		catalog:    catalog,
		store:      store,
		builder:    NewBuilder(store, source, logger.With("component", "builder")),
		followUps:  NewFollowUps(store, source, logger.With("component", "followups")),
		processor:  processor,
		maxRetries: 3,
		logger:     logger,
		now:        time.Now,
	}
	if processor != nil {
		s.maxRetries = processor.Config().MaxManualRetries
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the campaign catalog
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// EnqueueCampaign creates initial entries for the campaign's own filter
func (s *Service) EnqueueCampaign(ctx context.Context, id string) (int, error) {
	camp, err := s.catalog.Campaign(id)
	if err != nil {
		return 0, err
	}
	return s.builder.Enqueue(ctx, camp, camp.Filter)
}

// Enqueue creates initial entries for an explicit filter
func (s *Service) Enqueue(ctx context.Context, id string, filter leads.Filter) (int, error) {
	camp, err := s.catalog.Campaign(id)
	if err != nil {
		return 0, err
	}
	return s.builder.Enqueue(ctx, camp, filter)
}

// ProcessBatch runs one dispatch batch
func (s *Service) ProcessBatch(ctx context.Context, opts dispatch.Options) (dispatch.Result, error) {
	if s.processor == nil {
		return dispatch.Result{}, errors.New("dispatch is not configured")
	}
	return s.processor.ProcessBatch(ctx, opts)
}

// ScheduleFollowUps schedules follow-ups for one campaign
func (s *Service) ScheduleFollowUps(ctx context.Context, id string) (int, error) {
	camp, err := s.catalog.Campaign(id)
	if err != nil {
		return 0, err
	}
	return s.followUps.Schedule(ctx, camp)
}

// ScheduleAllFollowUps schedules follow-ups for every campaign. A failing
// campaign does not stop the others.
func (s *Service) ScheduleAllFollowUps(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, camp := range s.catalog.Campaigns() {
		n, err := s.followUps.Schedule(ctx, camp)
		total += n
		if err != nil {
			s.logger.Error("follow-up scheduling failed", "campaign_id", camp.ID, "error", err)
			errs = append(errs, fmt.Errorf("campaign %s: %w", camp.ID, err))
		}
	}
	return total, errors.Join(errs...)
}

// Retry moves a failed entry back to pending
func (s *Service) Retry(ctx context.Context, entryID string) (*queue.Entry, error) {
	e, err := s.store.Retry(ctx, entryID, s.now(), s.maxRetries)
	if err != nil {
		return nil, err
	}
	s.logger.Info("entry retried", "entry_id", e.ID, "manual_retries", e.ManualRetries)
	return e, nil
}

// Entry returns a queue entry
func (s *Service) Entry(ctx context.Context, id string) (*queue.Entry, error) {
	return s.store.Get(ctx, id)
}

// Entries lists queue entries
func (s *Service) Entries(ctx context.Context, filter queue.ListFilter) ([]*queue.Entry, error) {
	return s.store.List(ctx, filter)
}

// Stats returns queue counts, for one campaign when id is set
func (s *Service) Stats(ctx context.Context, id string) (*queue.Stats, error) {
	if id != "" {
		if _, err := s.catalog.Campaign(id); err != nil {
			return nil, err
		}
	}
	return s.store.Stats(ctx, id)
}
