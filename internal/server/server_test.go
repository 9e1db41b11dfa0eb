package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crewline/internal/auth"
	"crewline/internal/chat"
	"crewline/internal/observability/metrics"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	dispatcher := chat.NewDispatcher(chat.Config{
		Verifier: auth.InsecureVerifier{},
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	srv, err := New(dispatcher, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthzReportsReady(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}

	resp, err = http.Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", resp.StatusCode)
	}
}

func TestHealthzReportsDegradedBackend(t *testing.T) {
	ts := newTestServer(t, Config{
		Ready: func(context.Context) error { return errors.New("tenant acme: dial failed") },
	})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "degraded" || body["error"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	recorder := metrics.New()
	recorder.ObserveChatEvent("send")
	ts := newTestServer(t, Config{Metrics: recorder})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(payload), "crewline_chat_events_total") {
		t.Fatal("metrics body missing chat event counter")
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	expected := map[string]string{
		"Content-Security-Policy": defaultContentSecurityPolicy,
		"X-Frame-Options":         defaultFrameOptions,
		"X-Content-Type-Options":  defaultContentTypeOptions,
		"Referrer-Policy":         defaultReferrerPolicy,
		"Permissions-Policy":      defaultPermissionsPolicy,
	}
	for header, want := range expected {
		if got := resp.Header.Get(header); got != want {
			t.Fatalf("header %s = %q, want %q", header, got, want)
		}
	}
}

func TestRequestIDPassthroughAndGeneration(t *testing.T) {
	ts := newTestServer(t, Config{})
	client := ts.Client()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "req-given")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-given" {
		t.Fatalf("expected caller request ID echoed, got %q", got)
	}

	resp, err = client.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request ID")
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	ts := newTestServer(t, Config{CORS: CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}}})
	client := ts.Client()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	ts := newTestServer(t, Config{CORS: CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}}})
	client := ts.Client()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials allowance")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, Config{CORS: CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}}})
	client := ts.Client()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodGet) {
		t.Fatalf("unexpected allow-methods %q", got)
	}
}

func TestCORSRejectsMalformedConfiguredOrigin(t *testing.T) {
	dispatcher := chat.NewDispatcher(chat.Config{Verifier: auth.InsecureVerifier{}, Metrics: metrics.New()})
	if _, err := New(dispatcher, Config{CORS: CORSConfig{AllowedOrigins: []string{"://bad"}}}); err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestHandshakeRateLimitPerClientIP(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{
		HandshakeLimit:  2,
		HandshakeWindow: time.Minute,
	}})
	client := ts.Client()

	handshake := func(ip string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/ws/chat", nil)
		req.Header.Set("X-Forwarded-For", ip)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := handshake("10.0.0.1"); resp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("first attempt must pass the limiter")
	}
	if resp := handshake("10.0.0.1"); resp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("second attempt must pass the limiter")
	}
	third := handshake("10.0.0.1")
	if third.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third attempt, got %d", third.StatusCode)
	}
	if third.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// A different client keeps its own budget.
	if resp := handshake("10.0.0.2"); resp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("separate client must not inherit the exhausted bucket")
	}

	// Non-handshake paths bypass the per-IP limit.
	resp, err := client.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz unaffected, got %d", resp.StatusCode)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})
	client := ts.Client()

	resp, err := client.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", resp.StatusCode)
	}

	resp, err = client.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket drains, got %d", resp.StatusCode)
	}
}

func TestExtractClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.0.2.1:4567", nil, "192.0.2.1"},
		{"x-forwarded-for", "192.0.2.1:4567", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "203.0.113.7"},
		{"x-real-ip", "192.0.2.1:4567", map[string]string{"X-Real-IP": "203.0.113.9"}, "203.0.113.9"},
		{"no port", "192.0.2.5", nil, "192.0.2.5"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		req.RemoteAddr = tc.remoteAddr
		for name, value := range tc.headers {
			req.Header.Set(name, value)
		}
		if got := extractClientIP(req); got != tc.want {
			t.Fatalf("%s: extractClientIP = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTokenBucket(t *testing.T) {
	bucket := newTokenBucket(0.001, 2)
	if !bucket.Allow() || !bucket.Allow() {
		t.Fatal("expected burst capacity of two")
	}
	if bucket.Allow() {
		t.Fatal("expected empty bucket to deny")
	}
}
