package leads

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "leads.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewStore(db)
}

func TestStore_AddAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	lead := &Lead{
		Email:       "ada@example.com",
		FirstName:   "Ada",
		LastName:    "Lovelace",
		CompanyName: "Engines Ltd",
		Country:     "UK",
		Source:      "maps",
	}
	if err := s.Add(ctx, lead); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if lead.ID == "" {
		t.Fatal("Add() did not assign an ID")
	}

	got, err := s.Lead(ctx, lead.ID)
	if err != nil {
		t.Fatalf("Lead() error = %v", err)
	}
	if got == nil {
		t.Fatal("Lead() returned nil")
	}
	if got.Email != lead.Email || got.CompanyName != lead.CompanyName || got.Status != StatusNew {
		t.Errorf("Lead() = %+v", got)
	}

	missing, err := s.Lead(ctx, "nope")
	if err != nil {
		t.Fatalf("Lead() error = %v", err)
	}
	if missing != nil {
		t.Error("Lead() expected nil for unknown ID")
	}
}

func TestStore_LeadWithoutEmail(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	lead := &Lead{ID: "no-email", FirstName: "Ghost"}
	if err := s.Add(ctx, lead); err != nil {
		t.Fatal(err)
	}

	got, err := s.Lead(ctx, "no-email")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "" {
		t.Errorf("Email = %q, want empty", got.Email)
	}
}

func TestStore_Match(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	seed := []*Lead{
		{ID: "l1", Country: "DE", Source: "maps", Industry: "retail", CreatedAt: base},
		{ID: "l2", Country: "DE", Source: "web", Industry: "retail", CreatedAt: base.Add(time.Hour)},
		{ID: "l3", Country: "FR", Source: "maps", Industry: "saas", CreatedAt: base.Add(2 * time.Hour), RunID: "run-2"},
		{ID: "l4", Country: "DE", Source: "maps", Status: StatusQualified, CreatedAt: base.Add(3 * time.Hour), RunID: "run-2"},
	}
	for _, l := range seed {
		if err := s.Add(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"l4", "l3", "l2", "l1"}},
		{"country", Filter{Country: "DE"}, []string{"l4", "l2", "l1"}},
		{"country and source", Filter{Country: "DE", Source: "maps"}, []string{"l4", "l1"}},
		{"industry", Filter{Industry: "saas"}, []string{"l3"}},
		{"status", Filter{Status: StatusQualified}, []string{"l4"}},
		{"run", Filter{RunID: "run-2"}, []string{"l4", "l3"}},
		{"latest run", Filter{RunID: RunLatest}, []string{"l4", "l3"}},
		{"limit", Filter{Limit: 2}, []string{"l4", "l3"}},
		{"no match", Filter{Country: "US"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Match(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Match() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Match()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}

	run, err := s.LatestRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run != "run-2" {
		t.Errorf("LatestRun() = %q, want run-2", run)
	}

	if err := s.SetDoNotContact(ctx, "l4", true); err != nil {
		t.Fatal(err)
	}
	got, err := s.Match(ctx, Filter{Country: "DE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "l2" || got[1] != "l1" {
		t.Errorf("Match() after opt-out = %v, want [l2 l1]", got)
	}
}

func TestStore_OptOut(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, &Lead{ID: "l1", Email: "a@example.com"}); err != nil {
		t.Fatal(err)
	}

	out, err := s.OptedOut(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if out {
		t.Error("new lead should not be opted out")
	}

	if err := s.SetDoNotContact(ctx, "l1", true); err != nil {
		t.Fatalf("SetDoNotContact() error = %v", err)
	}
	out, err = s.OptedOut(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if !out {
		t.Error("lead should be opted out")
	}

	out, err = s.OptedOut(ctx, "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if !out {
		t.Error("unknown lead should count as opted out")
	}

	if err := s.SetDoNotContact(ctx, "unknown", true); err == nil {
		t.Error("SetDoNotContact() expected error for unknown lead")
	}
}

func TestStore_MarkContacted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, &Lead{ID: "l1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, &Lead{ID: "l2", Status: StatusConverted}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"l1", "l2"} {
		if err := s.MarkContacted(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	l1, _ := s.Lead(ctx, "l1")
	l2, _ := s.Lead(ctx, "l2")
	if l1.Status != StatusContacted {
		t.Errorf("l1 status = %s, want contacted", l1.Status)
	}
	if l2.Status != StatusConverted {
		t.Errorf("l2 status = %s, converted leads must not be downgraded", l2.Status)
	}
}

func TestLead_Variables(t *testing.T) {
	l := &Lead{ID: "l1", Email: "a@example.com", LastName: "Smith", Country: "DE"}
	vars := l.Variables()

	if vars["first_name"] != DefaultFirstName {
		t.Errorf("first_name = %q, want %q", vars["first_name"], DefaultFirstName)
	}
	if vars["full_name"] != "Smith" {
		t.Errorf("full_name = %q, want Smith", vars["full_name"])
	}
	if vars["email"] != "a@example.com" || vars["country"] != "DE" || vars["id"] != "l1" {
		t.Errorf("Variables() = %v", vars)
	}
}
