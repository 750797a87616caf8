package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/leadmail/internal/ipfilter"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.ClaimConflictsTotal.Inc()

	filter, err := ipfilter.New([]string{"192.168.0.0/16"}, false, logger)
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(m, ":0", "/metrics", filter, logger)

	tests := []struct {
		name       string
		path       string
		remoteAddr string
		wantStatus int
	}{
		{"allowed scrape", "/metrics", "192.168.1.10:5000", http.StatusOK},
		{"denied scrape", "/metrics", "10.0.0.1:5000", http.StatusForbidden},
		{"health is open", "/health", "10.0.0.1:5000", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.path == "/metrics" && rec.Code == http.StatusOK &&
				!strings.Contains(rec.Body.String(), "leadmail_claim_conflicts_total 1") {
				t.Errorf("scrape missing claim conflict counter:\n%s", rec.Body.String())
			}
		})
	}
}
