package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input).Level(); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewFormatsJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	logger.Info("hello", "key", "value")
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "hello" || record["key"] != "value" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestWithContextAnnotatesRequestAndTenant(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-42")
	ctx = ContextWithTenantID(ctx, "acme")
	WithContext(ctx, logger).Info("annotated")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["request_id"] != "req-42" || record["tenant_id"] != "acme" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestContextHelpersIgnoreBlankValues(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "   ")
	if _, ok := RequestIDFromContext(ctx); ok {
		t.Fatal("blank request ID must not be stored")
	}
	ctx = ContextWithTenantID(ctx, "")
	if _, ok := TenantIDFromContext(ctx); ok {
		t.Fatal("blank tenant ID must not be stored")
	}
}

func TestContextLoggerRoundTrip(t *testing.T) {
	logger := New(Config{})
	ctx := ContextWithLogger(context.Background(), logger)
	if got := LoggerFromContext(ctx); got != logger {
		t.Fatal("expected logger from context")
	}
	if got := LoggerFromContext(context.Background()); got != nil {
		t.Fatal("expected nil for context without logger")
	}
}

func TestRequestLoggerEmitsOneLinePerRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, status int, _ time.Duration) []any {
			return []any{"ua", r.Header.Get("User-Agent")}
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("User-Agent", "healthcheck/1.0")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["msg"] != "request completed" {
		t.Fatalf("unexpected message %v", record["msg"])
	}
	if record["status"] != float64(http.StatusNoContent) {
		t.Fatalf("unexpected status %v", record["status"])
	}
	if record["path"] != "/healthz" || record["ua"] != "healthcheck/1.0" {
		t.Fatalf("unexpected record %v", record)
	}
	if record["bytes"] != float64(0) {
		t.Fatalf("expected zero bytes for an empty response, got %v", record["bytes"])
	}
	if _, ok := record["remote_addr"]; !ok {
		t.Fatal("expected remote_addr by default")
	}
}
