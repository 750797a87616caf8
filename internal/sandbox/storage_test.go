package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}

func TestStorage_SaveGet(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	msg := &Message{
		ID:         "msg-1",
		EntryID:    "entry-1",
		CampaignID: "spring",
		Stage:      "initial",
		From:       "Sales <sales@example.com>",
		To:         "lead@example.org",
		Subject:    "Hello",
		Text:       "Body",
		CapturedAt: time.Now(),
	}
	if err := storage.Save(ctx, msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	got, err := storage.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if got == nil {
		t.Fatal("expected message, got nil")
	}
	if got.EntryID != "entry-1" || got.Text != "Body" || got.CampaignID != "spring" {
		t.Errorf("unexpected message: %+v", got)
	}

	missing, err := storage.Get(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown message")
	}
}

func TestStorage_ListAndStats(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 6; i++ {
		campaign := "a"
		if i >= 4 {
			campaign = "b"
		}
		msg := &Message{
			ID:         fmt.Sprintf("msg-%d", i),
			CampaignID: campaign,
			To:         fmt.Sprintf("lead%d@example.org", i),
			Subject:    "Hi",
			Text:       "Body",
			CapturedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if i == 5 {
			msg.SimulatedErr = "451 Temporary failure"
		}
		if err := storage.Save(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	all, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(all))
	}
	if all[0].ID != "msg-5" {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}
	if all[0].Text != "" {
		t.Error("List should not include bodies")
	}

	byCampaign, err := storage.List(ctx, ListFilter{CampaignID: "a", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(byCampaign) != 2 || byCampaign[0].ID != "msg-2" {
		t.Errorf("unexpected page: %v", byCampaign)
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 6 || stats.ByCampaign["a"] != 4 || stats.Simulated != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	cleared, err := storage.Clear(ctx, "b", 0)
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 2 {
		t.Errorf("expected 2 cleared, got %d", cleared)
	}
}
