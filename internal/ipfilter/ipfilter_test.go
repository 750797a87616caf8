package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		enabled bool
		wantErr bool
	}{
		{"empty", nil, false, false},
		{"blank entries", []string{" ", ""}, false, false},
		{"single IP", []string{"192.168.1.1"}, true, false},
		{"CIDR", []string{"10.0.0.0/8"}, true, false},
		{"IPv6", []string{"::1", "fe80::/10"}, true, false},
		{"invalid IP", []string{"not-an-ip"}, false, true},
		{"invalid CIDR", []string{"10.0.0.0/99"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.allowed, false, newTestLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && f.Enabled() != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", f.Enabled(), tt.enabled)
			}
		})
	}
}

func TestAllows(t *testing.T) {
	f, err := New([]string{"192.168.1.100", "10.0.0.0/8", "172.16.0.0/12", "::1", "fe80::/10"}, false, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"10.255.255.255", true},
		{"11.0.0.1", false},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"::ffff:10.1.2.3", true},
		{"::1", true},
		{"fe80::1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := f.Allows(netip.MustParseAddr(tt.ip)); got != tt.allowed {
				t.Errorf("Allows(%s) = %v, want %v", tt.ip, got, tt.allowed)
			}
		})
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		want       string
	}{
		{"remote addr", false, nil, "192.168.1.100"},
		{"forwarded header ignored", false, map[string]string{"X-Forwarded-For": "10.0.0.1"}, "192.168.1.100"},
		{"forwarded first hop", true, map[string]string{"X-Forwarded-For": "10.0.0.1, 172.16.0.1"}, "10.0.0.1"},
		{"real ip", true, map[string]string{"X-Real-IP": "172.16.0.1"}, "172.16.0.1"},
		{"bad header falls back", true, map[string]string{"X-Forwarded-For": "garbage"}, "192.168.1.100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := New(nil, tt.trustProxy, newTestLogger())

			req := httptest.NewRequest("GET", "/metrics", nil)
			req.RemoteAddr = "192.168.1.100:12345"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			addr, ok := f.ClientAddr(req)
			if !ok {
				t.Fatal("ClientAddr returned no address")
			}
			if addr.String() != tt.want {
				t.Errorf("ClientAddr() = %s, want %s", addr, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowed    []string
		clientIP   string
		wantStatus int
	}{
		{"empty filter allows all", nil, "1.2.3.4", http.StatusOK},
		{"allowed IP", []string{"192.168.0.0/16"}, "192.168.1.100", http.StatusOK},
		{"denied IP", []string{"192.168.0.0/16"}, "10.0.0.1", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.allowed, false, newTestLogger())
			if err != nil {
				t.Fatal(err)
			}

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.clientIP + ":12345"
			rr := httptest.NewRecorder()
			f.Middleware(handler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
