package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketDue     = []byte("due")
	bucketClaims  = []byte("claims")
	bucketKeys    = []byte("keys")
	bucketSent    = []byte("sent")
)

// indexTimeLayout is fixed width so index keys sort chronologically
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z"

// BoltStorage implements Store using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketDue, bucketClaims, bucketKeys, bucketSent} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Create stores a new pending entry unless its key is already taken
func (s *BoltStorage) Create(ctx context.Context, e *Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if e.Status != StatusPending {
		return false, fmt.Errorf("%w: new entry must be pending, got %s", ErrInvalidTransition, e.Status)
	}
	if _, err := StageIndex(e.Stage); err != nil {
		return false, err
	}

	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		taken := false
		err := scanKey(tx, e.Key(), func(_ string, st Status) bool {
			if st.Active() || st == StatusSent {
				taken = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if taken {
			return nil
		}

		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if tx.Bucket(bucketEntries).Get([]byte(e.ID)) != nil {
			return fmt.Errorf("entry %s already exists", e.ID)
		}
		if err := putEntry(tx, nil, e); err != nil {
			return err
		}
		created = true
		return nil
	})

	return created, err
}

// Exists reports whether any entry exists for key
func (s *BoltStorage) Exists(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanKey(tx, key, func(string, Status) bool {
			found = true
			return false
		})
	})
	return found, err
}

// Get retrieves an entry by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getEntry(tx, id)
		return err
	})
	return e, err
}

// Due returns pending entries whose scheduled time has come
func (s *BoltStorage) Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// '}' sorts right after the '|' separator, so the bound includes
	// every key stamped exactly at now
	bound := []byte(formatIndexTime(now) + "}")

	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDue).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, bound) < 0; k, v = c.Next() {
			e, err := getEntry(tx, string(v))
			if err != nil {
				return err
			}
			entries = append(entries, e)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// Stale returns sending entries claimed before cutoff
func (s *BoltStorage) Stale(ctx context.Context, cutoff time.Time) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bound := []byte(formatIndexTime(cutoff))

	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClaims).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, bound) < 0; k, v = c.Next() {
			e, err := getEntry(tx, string(v))
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// SentBefore returns sent entries of a campaign with SentAt <= cutoff
func (s *BoltStorage) SentBefore(ctx context.Context, campaignID string, cutoff time.Time) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(campaignID + "\x00")
	bound := []byte(campaignID + "\x00" + formatIndexTime(cutoff) + "}")

	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSent).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && bytes.Compare(k, bound) < 0; k, v = c.Next() {
			e, err := getEntry(tx, string(v))
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Transition applies fn to the entry when its current status is from
func (s *BoltStorage) Transition(ctx context.Context, id string, from Status, fn func(e *Entry)) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		old, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if old.Status != from {
			return fmt.Errorf("%w: entry %s is %s, expected %s", ErrConflict, id, old.Status, from)
		}

		e := *old
		fn(&e)

		if e.ID != old.ID || e.Key() != old.Key() {
			return fmt.Errorf("%w: identity of entry %s changed", ErrInvalidTransition, id)
		}
		if !canTransition(old.Status, e.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old.Status, e.Status)
		}

		if err := putEntry(tx, old, &e); err != nil {
			return err
		}
		result = &e
		return nil
	})
	return result, err
}

// Retry moves a failed entry back to pending with a fresh attempt budget.
// maxRetries <= 0 disables the manual retry cap.
func (s *BoltStorage) Retry(ctx context.Context, id string, now time.Time, maxRetries int) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		old, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if old.Status != StatusFailed {
			return fmt.Errorf("%w: entry %s is %s, expected %s", ErrConflict, id, old.Status, StatusFailed)
		}
		if maxRetries > 0 && old.ManualRetries >= maxRetries {
			return fmt.Errorf("%w: entry %s retried %d times", ErrRetryLimit, id, old.ManualRetries)
		}

		blocked := false
		err = scanKey(tx, old.Key(), func(otherID string, st Status) bool {
			if otherID != id && (st.Active() || st == StatusSent) {
				blocked = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if blocked {
			return fmt.Errorf("%w: %s", ErrActiveEntryExists, old.Key())
		}

		e := *old
		e.Status = StatusPending
		e.AttemptCount = 0
		e.LastError = ""
		e.ScheduledAt = now
		e.ClaimedAt = nil
		e.ManualRetries++
		e.UpdatedAt = now

		if err := putEntry(tx, old, &e); err != nil {
			return err
		}
		result = &e
		return nil
	})
	return result, err
}

// List returns entries ordered by creation time
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal entry %s: %w", k, err)
			}
			if filter.CampaignID != "" && e.CampaignID != filter.CampaignID {
				return nil
			}
			if filter.Status != "" && e.Status != filter.Status {
				return nil
			}
			if filter.Stage != "" && e.Stage != filter.Stage {
				return nil
			}
			entries = append(entries, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[filter.Offset:]
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

// Stats returns entry counts by status
func (s *BoltStorage) Stats(ctx context.Context, campaignID string) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal entry %s: %w", k, err)
			}
			if campaignID != "" && e.CampaignID != campaignID {
				return nil
			}

			stats.Total++
			switch e.Status {
			case StatusPending:
				stats.Pending++
			case StatusSending:
				stats.Sending++
			case StatusSent:
				stats.Sent++
			case StatusFailed:
				stats.Failed++
			case StatusSkipped:
				stats.Skipped++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getEntry(tx *bolt.Tx, id string) (*Entry, error) {
	data := tx.Bucket(bucketEntries).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry %s: %w", id, err)
	}
	return &e, nil
}

// putEntry writes e and moves its index records from the old state to the new one.
// old is nil for new entries.
func putEntry(tx *bolt.Tx, old, e *Entry) error {
	if old != nil {
		if err := unindex(tx, old); err != nil {
			return err
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := tx.Bucket(bucketEntries).Put([]byte(e.ID), data); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}

	if err := tx.Bucket(bucketKeys).Put(keyIndexKey(e.Key(), e.ID), []byte(e.Status)); err != nil {
		return fmt.Errorf("failed to update key index: %w", err)
	}

	switch e.Status {
	case StatusPending:
		if err := tx.Bucket(bucketDue).Put(timeIndexKey(e.ScheduledAt, e.ID), []byte(e.ID)); err != nil {
			return fmt.Errorf("failed to add to due index: %w", err)
		}
	case StatusSending:
		if e.ClaimedAt == nil {
			return fmt.Errorf("%w: sending entry %s has no claim time", ErrInvalidTransition, e.ID)
		}
		if err := tx.Bucket(bucketClaims).Put(timeIndexKey(*e.ClaimedAt, e.ID), []byte(e.ID)); err != nil {
			return fmt.Errorf("failed to add to claim index: %w", err)
		}
	case StatusSent:
		if e.SentAt == nil {
			return fmt.Errorf("%w: sent entry %s has no sent time", ErrInvalidTransition, e.ID)
		}
		if err := tx.Bucket(bucketSent).Put(sentIndexKey(e.CampaignID, *e.SentAt, e.ID), []byte(e.ID)); err != nil {
			return fmt.Errorf("failed to add to sent index: %w", err)
		}
	}
	return nil
}

func unindex(tx *bolt.Tx, e *Entry) error {
	switch e.Status {
	case StatusPending:
		return tx.Bucket(bucketDue).Delete(timeIndexKey(e.ScheduledAt, e.ID))
	case StatusSending:
		if e.ClaimedAt != nil {
			return tx.Bucket(bucketClaims).Delete(timeIndexKey(*e.ClaimedAt, e.ID))
		}
	case StatusSent:
		if e.SentAt != nil {
			return tx.Bucket(bucketSent).Delete(sentIndexKey(e.CampaignID, *e.SentAt, e.ID))
		}
	}
	return nil
}

// scanKey calls fn for every entry recorded under key until fn returns false
func scanKey(tx *bolt.Tx, key Key, fn func(id string, st Status) bool) error {
	prefix := keyPrefix(key)
	c := tx.Bucket(bucketKeys).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(string(k[len(prefix):]), Status(v)) {
			break
		}
	}
	return nil
}

func formatIndexTime(t time.Time) string {
	return t.UTC().Format(indexTimeLayout)
}

// timeIndexKey creates a sortable key from timestamp and ID
func timeIndexKey(t time.Time, id string) []byte {
	return []byte(formatIndexTime(t) + "|" + id)
}

func sentIndexKey(campaignID string, t time.Time, id string) []byte {
	return []byte(campaignID + "\x00" + formatIndexTime(t) + "|" + id)
}

func keyPrefix(k Key) []byte {
	return []byte(k.CampaignID + "\x00" + k.LeadID + "\x00" + k.Stage + "\x00")
}

func keyIndexKey(k Key, id string) []byte {
	return append(keyPrefix(k), id...)
}
