package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			event, err := conn.ReadEvent(context.Background())
			if err != nil {
				return
			}
			if err := conn.WriteEvent(event); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketEventRoundTrip(t *testing.T) {
	server := startEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL(server.URL), nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sent := mustEvent(t, EventJoin, JoinPayload{UserID: "alice"})
	if err := conn.WriteEvent(sent); err != nil {
		t.Fatalf("write event: %v", err)
	}
	received, err := conn.ReadEvent(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if received.Name != EventJoin {
		t.Fatalf("unexpected event %q", received.Name)
	}
	if string(received.Payload) != string(sent.Payload) {
		t.Fatalf("payload mismatch: %s != %s", received.Payload, sent.Payload)
	}
}

func TestWebSocketAnswersPings(t *testing.T) {
	server := startEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL(server.URL), nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The server answers the ping with a pong, which ReadMessage skips, so
	// the echoed text frame still comes through.
	if err := conn.Ping([]byte("are-you-there")); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := conn.WriteEvent(mustEvent(t, EventJoin, JoinPayload{UserID: "alice"})); err != nil {
		t.Fatalf("write event: %v", err)
	}
	if _, err := conn.ReadEvent(ctx); err != nil {
		t.Fatalf("read event: %v", err)
	}
}

func TestWebSocketLargePayload(t *testing.T) {
	server := startEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL(server.URL), nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Forces the 64-bit extended length encoding.
	text := strings.Repeat("m", 70000)
	if err := conn.WriteEvent(mustEvent(t, EventSend, SendPayload{ChatID: "chat-1", Text: text})); err != nil {
		t.Fatalf("write event: %v", err)
	}
	received, err := conn.ReadEvent(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.Contains(string(received.Payload), text) {
		t.Fatal("large payload was truncated")
	}
}

func TestAcceptRejectsPlainRequests(t *testing.T) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	if _, err := Accept(recorder, request); err == nil {
		t.Fatal("expected upgrade rejection")
	}

	request = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	request.Header.Set("Connection", "Upgrade")
	request.Header.Set("Upgrade", "websocket")
	request.Header.Set("Sec-WebSocket-Version", "8")
	if _, err := Accept(recorder, request); err == nil {
		t.Fatal("expected version rejection")
	}
}

func TestComputeAcceptKey(t *testing.T) {
	// Known vector from RFC 6455 section 1.3.
	if got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("unexpected accept key %q", got)
	}
}

func TestDialRejectsUnsupportedScheme(t *testing.T) {
	if _, err := Dial(context.Background(), "http://localhost/ws", nil, nil); err == nil {
		t.Fatal("expected scheme rejection")
	}
}
