package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an entry does not exist
	ErrNotFound = errors.New("queue entry not found")

	// ErrConflict is returned when an entry is not in the expected status,
	// usually because another worker changed it first
	ErrConflict = errors.New("queue entry status conflict")

	// ErrInvalidTransition is returned for status changes outside the lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrActiveEntryExists is returned when a retry would create a second
	// active entry for the same key
	ErrActiveEntryExists = errors.New("active entry already exists for key")

	// ErrRetryLimit is returned when manual retries for an entry are exhausted
	ErrRetryLimit = errors.New("manual retry limit reached")
)

// Store is the durable owner of queue entries. All status changes are
// atomic compare-and-set operations.
type Store interface {
	// Create stores a new entry unless the key is already pending, sending
	// or sent. Returns false when nothing was created.
	Create(ctx context.Context, e *Entry) (bool, error)

	// Exists reports whether any entry, in any status, exists for key
	Exists(ctx context.Context, key Key) (bool, error)

	// Get retrieves an entry by ID
	Get(ctx context.Context, id string) (*Entry, error)

	// Due returns up to limit pending entries scheduled at or before now,
	// ordered by ScheduledAt then ID
	Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// Stale returns sending entries claimed before cutoff
	Stale(ctx context.Context, cutoff time.Time) ([]*Entry, error)

	// SentBefore returns sent entries of a campaign with SentAt <= cutoff
	SentBefore(ctx context.Context, campaignID string, cutoff time.Time) ([]*Entry, error)

	// Transition applies fn to the entry if its status equals from. fn must
	// leave the entry in a status reachable from from.
	Transition(ctx context.Context, id string, from Status, fn func(e *Entry)) (*Entry, error)

	// Retry moves a failed entry back to pending
	Retry(ctx context.Context, id string, now time.Time, maxRetries int) (*Entry, error)

	// List returns entries with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Entry, error)

	// Stats returns entry counts, for one campaign when campaignID is set
	Stats(ctx context.Context, campaignID string) (*Stats, error)

	// Close closes the storage connection
	Close() error
}
