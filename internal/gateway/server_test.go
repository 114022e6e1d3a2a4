package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/zwright8/openclaw-sub006/internal/config"
)

func testServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	return NewServer(cfg, nil, Deps{Config: cfg})
}

func TestAuthorizedTokenModes(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		remoteAddr string
		authHeader string
		query      string
		want       bool
	}{
		{"no token loopback", "", "127.0.0.1:50000", "", "", true},
		{"no token ipv6 loopback", "", "[::1]:50000", "", "", true},
		{"no token remote", "", "203.0.113.5:50000", "", "", false},
		{"bearer match", "secret", "203.0.113.5:50000", "Bearer secret", "", true},
		{"bearer mismatch", "secret", "127.0.0.1:50000", "Bearer wrong", "", false},
		{"query token", "secret", "203.0.113.5:50000", "", "secret", true},
		{"token set, none provided", "secret", "127.0.0.1:50000", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Gateway.Token = tt.token
			s := testServer(t, cfg)

			url := "/ws"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.authHeader != "" {
				r.Header.Set("Authorization", tt.authHeader)
			}

			if got := s.authorized(r); got != tt.want {
				t.Errorf("authorized = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no allowlist", nil, "https://evil.example", true},
		{"empty origin always allowed", []string{"https://app.example"}, "", true},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://anything.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Gateway.AllowedOrigins = tt.allowed
			s := testServer(t, cfg)

			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnauthorizedUpgradeRejected(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.Token = "secret"
	s := testServer(t, cfg)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "203.0.113.5:50000"
	s.handleWebSocket(w, r)

	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, nil)
	w := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestSenderLimiter(t *testing.T) {
	l := newSenderLimiter(60) // 1 rps, burst 5

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.allow("c1") {
			allowed++
		}
	}
	if allowed != rateLimitBurst {
		t.Errorf("allowed = %d, want burst %d", allowed, rateLimitBurst)
	}

	// Other senders get their own bucket; disabled limiter allows all.
	if !l.allow("c2") {
		t.Error("second sender should have a fresh bucket")
	}
	open := newSenderLimiter(0)
	for i := 0; i < 50; i++ {
		if !open.allow("c1") {
			t.Fatal("rpm=0 must disable limiting")
		}
	}
}
