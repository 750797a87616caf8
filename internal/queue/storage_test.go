package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func pendingEntry(campaign, lead, stage string, at time.Time) *Entry {
	return &Entry{
		CampaignID:  campaign,
		LeadID:      lead,
		Stage:       stage,
		Status:      StatusPending,
		ScheduledAt: at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func claim(at time.Time) func(e *Entry) {
	return func(e *Entry) {
		e.Status = StatusSending
		e.ClaimedAt = &at
		e.UpdatedAt = at
	}
}

func TestCreateIsIdempotentPerKey(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	created, err := s.Create(ctx, pendingEntry("c1", "lead-1", StageInitial, now))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created {
		t.Fatal("Create() = false, want true for new key")
	}

	created, err = s.Create(ctx, pendingEntry("c1", "lead-1", StageInitial, now))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created {
		t.Error("Create() = true, want false for duplicate key")
	}

	// Different stage is a different key
	created, err = s.Create(ctx, pendingEntry("c1", "lead-1", FollowUpStage(1), now))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created {
		t.Error("Create() = false, want true for new stage")
	}

	stats, err := s.Stats(ctx, "c1")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Pending != 2 || stats.Total != 2 {
		t.Errorf("Stats() = %+v, want 2 pending", stats)
	}
}

func TestCreateAfterFailureAllowsNewEntry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	e := pendingEntry("c1", "lead-1", StageInitial, now)
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, e.ID, StatusPending, claim(now)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, e.ID, StatusSending, func(e *Entry) {
		e.Status = StatusFailed
		e.LastError = "boom"
	}); err != nil {
		t.Fatal(err)
	}

	created, err := s.Create(ctx, pendingEntry("c1", "lead-1", StageInitial, now))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created {
		t.Error("Create() = false, want true when only a failed entry exists")
	}
}

func TestCreateRejectsNonPending(t *testing.T) {
	s := newTestStorage(t)
	e := pendingEntry("c1", "lead-1", StageInitial, time.Now())
	e.Status = StatusSent

	if _, err := s.Create(context.Background(), e); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Create() error = %v, want ErrInvalidTransition", err)
	}

	e = pendingEntry("c1", "lead-1", "bogus", time.Now())
	if _, err := s.Create(context.Background(), e); err == nil {
		t.Error("Create() expected error for unknown stage")
	}
}

func TestDueOrdering(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	// Inserted out of order; two share a scheduled time
	specs := []struct {
		id string
		at time.Time
	}{
		{"b", base.Add(2 * time.Minute)},
		{"c", base},
		{"a", base},
		{"d", base.Add(time.Hour)},
		{"e", base.Add(10 * time.Second)},
	}
	for i, sp := range specs {
		e := pendingEntry("c1", fmt.Sprintf("lead-%d", i), StageInitial, sp.at)
		e.ID = sp.id
		if _, err := s.Create(ctx, e); err != nil {
			t.Fatalf("Create(%s) error = %v", sp.id, err)
		}
	}

	due, err := s.Due(ctx, base.Add(5*time.Minute), 0)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}

	var got []string
	for _, e := range due {
		got = append(got, e.ID)
	}
	want := []string{"a", "c", "e", "b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Due() order = %v, want %v", got, want)
	}

	limited, err := s.Due(ctx, base.Add(5*time.Minute), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ID != "a" || limited[1].ID != "c" {
		t.Errorf("Due(limit=2) = %v", limited)
	}

	// Exactly at the scheduled time counts as due
	exact, err := s.Due(ctx, base, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(exact) != 2 {
		t.Errorf("Due(at base) returned %d entries, want 2", len(exact))
	}
}

func TestTransitionConflict(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	e := pendingEntry("c1", "lead-1", StageInitial, now)
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := s.Transition(ctx, e.ID, StatusPending, claim(now))
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if got.Status != StatusSending {
		t.Errorf("Status = %v, want sending", got.Status)
	}

	if _, err := s.Transition(ctx, e.ID, StatusPending, claim(now)); !errors.Is(err, ErrConflict) {
		t.Errorf("second claim error = %v, want ErrConflict", err)
	}

	due, err := s.Due(ctx, now.Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("Due() returned %d entries, claimed entry must leave the due index", len(due))
	}
}

func TestTransitionRejectsInvalidEdges(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	e := pendingEntry("c1", "lead-1", StageInitial, now)
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatal(err)
	}

	_, err := s.Transition(ctx, e.ID, StatusPending, func(e *Entry) {
		e.Status = StatusSent
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> sent error = %v, want ErrInvalidTransition", err)
	}

	_, err = s.Transition(ctx, e.ID, StatusPending, func(e *Entry) {
		e.Status = StatusSending
		e.LeadID = "someone-else"
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("key change error = %v, want ErrInvalidTransition", err)
	}

	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.LeadID != "lead-1" {
		t.Errorf("rejected transition must not mutate entry, got %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	e := pendingEntry("c1", "lead-1", StageInitial, now)
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatal(err)
	}

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, e.ID, StatusPending, claim(now))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if conflicts != 15 {
		t.Errorf("conflicts = %d, want 15", conflicts)
	}
}

func TestStaleAndSentIndexes(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	old := pendingEntry("c1", "lead-1", StageInitial, base)
	fresh := pendingEntry("c1", "lead-2", StageInitial, base)
	for _, e := range []*Entry{old, fresh} {
		if _, err := s.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Transition(ctx, old.ID, StatusPending, claim(base)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, fresh.ID, StatusPending, claim(base.Add(9*time.Minute))); err != nil {
		t.Fatal(err)
	}

	stale, err := s.Stale(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Stale() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("Stale() = %v, want only %s", stale, old.ID)
	}

	sentAt := base.Add(time.Minute)
	if _, err := s.Transition(ctx, old.ID, StatusSending, func(e *Entry) {
		e.Status = StatusSent
		e.SentAt = &sentAt
		e.ClaimedAt = nil
	}); err != nil {
		t.Fatal(err)
	}

	stale, err = s.Stale(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != fresh.ID {
		t.Errorf("Stale() after send = %v, want only %s", stale, fresh.ID)
	}

	sent, err := s.SentBefore(ctx, "c1", sentAt)
	if err != nil {
		t.Fatalf("SentBefore() error = %v", err)
	}
	if len(sent) != 1 || sent[0].ID != old.ID {
		t.Errorf("SentBefore(sentAt) = %v, want %s", sent, old.ID)
	}

	sent, err = s.SentBefore(ctx, "c1", sentAt.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 0 {
		t.Errorf("SentBefore(before send) = %v, want none", sent)
	}

	sent, err = s.SentBefore(ctx, "c2", sentAt.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 0 {
		t.Errorf("SentBefore(other campaign) = %v, want none", sent)
	}
}

func TestRetry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	e := pendingEntry("c1", "lead-1", StageInitial, now)
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Retry(ctx, e.ID, now, 1); !errors.Is(err, ErrConflict) {
		t.Errorf("Retry(pending) error = %v, want ErrConflict", err)
	}

	fail := func() {
		t.Helper()
		if _, err := s.Transition(ctx, e.ID, StatusPending, claim(now)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Transition(ctx, e.ID, StatusSending, func(e *Entry) {
			e.Status = StatusFailed
			e.AttemptCount = 3
			e.LastError = "max attempts exceeded"
		}); err != nil {
			t.Fatal(err)
		}
	}
	fail()

	got, err := s.Retry(ctx, e.ID, now, 1)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got.Status != StatusPending || got.AttemptCount != 0 || got.LastError != "" || got.ManualRetries != 1 {
		t.Errorf("Retry() = %+v", got)
	}

	fail()
	if _, err := s.Retry(ctx, e.ID, now, 1); !errors.Is(err, ErrRetryLimit) {
		t.Errorf("Retry() error = %v, want ErrRetryLimit", err)
	}
}

func TestRetryBlockedByActiveEntry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	e := pendingEntry("c1", "lead-1", StageInitial, now)
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, e.ID, StatusPending, claim(now)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, e.ID, StatusSending, func(e *Entry) {
		e.Status = StatusFailed
	}); err != nil {
		t.Fatal(err)
	}

	if created, err := s.Create(ctx, pendingEntry("c1", "lead-1", StageInitial, now)); err != nil || !created {
		t.Fatalf("Create() = %v, %v", created, err)
	}

	if _, err := s.Retry(ctx, e.ID, now, 0); !errors.Is(err, ErrActiveEntryExists) {
		t.Errorf("Retry() error = %v, want ErrActiveEntryExists", err)
	}
}

func TestListFilter(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		campaign := "c1"
		if i%2 == 1 {
			campaign = "c2"
		}
		e := pendingEntry(campaign, fmt.Sprintf("lead-%d", i), StageInitial, base.Add(time.Duration(i)*time.Second))
		if _, err := s.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("List() returned %d, want 5", len(all))
	}

	c1, err := s.List(ctx, ListFilter{CampaignID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(c1) != 3 {
		t.Errorf("List(c1) returned %d, want 3", len(c1))
	}

	page, err := s.List(ctx, ListFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].LeadID != "lead-1" {
		t.Errorf("List(limit 2, offset 1) = %v", page)
	}

	none, err := s.List(ctx, ListFilter{Status: StatusSent})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("List(sent) returned %d, want 0", len(none))
	}
}

func TestCorruptEntryIsReported(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	e := pendingEntry("c1", "lead-1", StageInitial, time.Now())
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stats(ctx, ""); err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	err := s.DB().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(e.ID), []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	if stats, err := s.Stats(ctx, ""); err == nil {
		t.Errorf("Stats() = %+v, want unmarshal error", stats)
	}
	if _, err := s.List(ctx, ListFilter{}); err == nil {
		t.Error("List() expected unmarshal error")
	}
}

func TestStageHelpers(t *testing.T) {
	tests := []struct {
		stage   string
		index   int
		next    string
		wantErr bool
	}{
		{StageInitial, 0, "followup-1", false},
		{"followup-1", 1, "followup-2", false},
		{"followup-12", 12, "followup-13", false},
		{"followup-0", 0, "", true},
		{"later", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			idx, err := StageIndex(tt.stage)
			if (err != nil) != tt.wantErr {
				t.Fatalf("StageIndex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if idx != tt.index {
				t.Errorf("StageIndex() = %d, want %d", idx, tt.index)
			}
			next, err := NextStage(tt.stage)
			if err != nil {
				t.Fatal(err)
			}
			if next != tt.next {
				t.Errorf("NextStage() = %s, want %s", next, tt.next)
			}
		})
	}
}
