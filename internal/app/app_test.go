package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/leadmail/internal/config"
	"github.com/foxzi/leadmail/internal/dispatch"
	"github.com/foxzi/leadmail/internal/leads"
	"github.com/foxzi/leadmail/internal/queue"
	"github.com/foxzi/leadmail/internal/sandbox"
)

const testConfig = `
logging:
  level: error
  format: text

rate_limit:
  global: 2

providers:
  capture:
    kind: sandbox

templates:
  intro:
    subject: "Hello {{first_name}}"
    text: "Hi {{first_name}}, a note for {{company_name}}."

campaigns:
  spring:
    template: intro
    provider: capture
    sender:
      email: sales@example.com
`

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	dir := t.TempDir()
	cfg.Storage.Path = filepath.Join(dir, "leadmail.db")
	cfg.Leads.Path = filepath.Join(dir, "leads.db")

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestEndToEndSandboxDelivery(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	for _, name := range []string{"ada", "grace", "edsger"} {
		err := a.Leads().Add(ctx, &leads.Lead{
			ID:          name,
			Email:       name + "@example.org",
			FirstName:   strings.ToUpper(name[:1]) + name[1:],
			CompanyName: "Acme",
		})
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	n, err := a.Service().EnqueueCampaign(ctx, "spring")
	if err != nil {
		t.Fatalf("EnqueueCampaign() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("EnqueueCampaign() = %d, want 3", n)
	}

	res, err := a.ProcessOnce(ctx, dispatch.Options{}, 1)
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	// global limit of 2 per window
	if res.Sent != 2 || res.Deferred != 1 {
		t.Errorf("result = %+v, want 2 sent and 1 deferred", res)
	}

	captured, err := a.Sandbox().List(ctx, sandbox.ListFilter{CampaignID: "spring"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(captured) != 2 {
		t.Fatalf("captured %d messages, want 2", len(captured))
	}

	stats, err := a.Service().Stats(ctx, "spring")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Sent != 2 || stats.Pending != 1 {
		t.Errorf("stats = %+v", stats)
	}

	sent, err := a.Service().Entries(ctx, queue.ListFilter{Status: queue.StatusSent})
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	for _, e := range sent {
		if e.Provider != "capture" || e.ProviderMessageID == "" {
			t.Errorf("sent entry %s missing provider data: %+v", e.ID, e)
		}
		lead, err := a.Leads().Lead(ctx, e.LeadID)
		if err != nil {
			t.Fatalf("Lead() error = %v", err)
		}
		if lead.Status != leads.StatusContacted {
			t.Errorf("lead %s status = %s, want contacted", lead.ID, lead.Status)
		}
	}
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	cfg, err := config.Parse([]byte(strings.Replace(testConfig, "kind: sandbox", "kind: postmark", 1)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	dir := t.TempDir()
	cfg.Storage.Path = filepath.Join(dir, "leadmail.db")
	cfg.Leads.Path = filepath.Join(dir, "leads.db")

	_, err = New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("New() expected error for postmark without a server token")
	}

	// the failed start must have released the database locks
	good, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	good.Storage = cfg.Storage
	good.Leads = cfg.Leads
	a, err := New(context.Background(), good, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() after failed start error = %v", err)
	}
	a.Close()
}

func TestNewUnopenableStorage(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Storage.Path = filepath.Join(blocker, "leadmail.db")
	cfg.Leads.Path = filepath.Join(dir, "leads.db")

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		a.Close()
		t.Fatal("New() expected error for storage under a regular file")
	}
	if a != nil {
		t.Errorf("New() returned non-nil app on error")
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := SetupLogger(config.LoggingConfig{Level: tt.level, Format: "json"})
			if !logger.Enabled(context.Background(), tt.want) {
				t.Errorf("level %s not enabled", tt.want)
			}
			if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-1) {
				t.Errorf("level below %s enabled", tt.want)
			}
		})
	}
}
