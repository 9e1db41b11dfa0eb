package metrics

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderWriteRendersTotals(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/healthz", 200, 20*time.Millisecond)
	recorder.ObserveRequest("GET", "/healthz", 200, 30*time.Millisecond)
	recorder.ObserveChatEvent("Send")
	recorder.ObserveChatEvent("send")
	recorder.ObserveNotificationFallback()
	recorder.ObserveQueuePublishFailure()
	recorder.SetOnlineUsers(4)
	recorder.SetTenantStores(2)
	recorder.ConnectionOpened()
	recorder.ConnectionOpened()
	recorder.ConnectionClosed()

	var out strings.Builder
	recorder.Write(&out)
	body := out.String()

	for _, want := range []string{
		`crewline_http_requests_total{method="GET",path="/healthz",status="200"} 2`,
		`crewline_chat_events_total{event="send"} 2`,
		"crewline_notifications_total 1",
		"crewline_queue_publish_failures_total 1",
		"crewline_online_users 4",
		"crewline_open_connections 1",
		"crewline_tenant_stores 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestConnectionGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()
	recorder.ConnectionClosed()
	recorder.ConnectionClosed()
	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), "crewline_open_connections 0") {
		t.Fatalf("expected gauge clamped at zero:\n%s", out.String())
	}
}

func TestRecorderReset(t *testing.T) {
	recorder := New()
	recorder.ObserveChatEvent("send")
	recorder.SetOnlineUsers(3)
	recorder.Reset()
	var out strings.Builder
	recorder.Write(&out)
	body := out.String()
	if strings.Contains(body, `event="send"`) {
		t.Fatalf("expected chat events cleared:\n%s", body)
	}
	if !strings.Contains(body, "crewline_online_users 0") {
		t.Fatalf("expected online users cleared:\n%s", body)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":            "/",
		"/":           "/",
		"/healthz":    "/healthz",
		"/chats/12345/messages":                  "/chats/:id/messages",
		"/chats/550e8400e29b41d4a716446655440000": "/chats/:id",
		"/ws/chat":                               "/ws/chat",
		"/metrics/":                              "/metrics",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHandlerServesPrometheusText(t *testing.T) {
	recorder := New()
	recorder.ObserveChatEvent("send")
	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	if got := response.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(response.Body.String(), "crewline_chat_events_total") {
		t.Fatal("metrics body missing chat event counter")
	}
}

func TestResponseRecorderCountsBytes(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, err := rr.Write([]byte("hello ")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := rr.ReadFrom(strings.NewReader("world")); err != nil {
		t.Fatalf("read from: %v", err)
	}
	if got := rr.BytesWritten(); got != 11 {
		t.Fatalf("expected 11 bytes, got %d", got)
	}
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default 200, got %d", rr.Status())
	}
}

// hijackableWriter stands in for a real HTTP/1.1 connection so hijack
// accounting can be checked without a listener.
type hijackableWriter struct {
	*httptest.ResponseRecorder
	conn net.Conn
}

func (w *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn)), nil
}

func TestResponseRecorderReportsHijackAsSwitchingProtocols(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	rr := NewResponseRecorder(&hijackableWriter{ResponseRecorder: httptest.NewRecorder(), conn: server})
	if _, _, err := rr.Hijack(); err != nil {
		t.Fatalf("hijack: %v", err)
	}
	if rr.Status() != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101 after hijack, got %d", rr.Status())
	}
}

func TestResponseRecorderHijackRequiresSupport(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); err == nil {
		t.Fatal("expected error from a writer without hijack support")
	}
	if rr.Status() != http.StatusOK {
		t.Fatalf("failed hijack must not change the status, got %d", rr.Status())
	}
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(httptest.NewRecorder(), request)

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), `crewline_http_requests_total{method="GET",path="/healthz",status="418"} 1`) {
		t.Fatalf("middleware did not record request:\n%s", out.String())
	}
}
