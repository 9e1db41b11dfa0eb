package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"crewline/internal/testsupport/redisstub"
)

func startRedisQueue(t *testing.T) Queue {
	t.Helper()
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         stub.Addr(),
		Stream:       "crewline:test",
		Group:        "chat-archive",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		BlockTimeout: 100 * time.Millisecond,
		ReadTimeout:  time.Second,
		Buffer:       8,
	})
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}
	return queue
}

func TestRedisQueuePublishAndSubscribe(t *testing.T) {
	queue := startRedisQueue(t)
	sub := queue.Subscribe()
	defer sub.Close()

	event := mustEvent(t, EventSend, SendPayload{ChatID: "chat-1", SenderID: "alice", Text: "hello"})
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case received := <-sub.Events():
		if received.Name != EventSend {
			t.Fatalf("unexpected event %q", received.Name)
		}
		var payload SendPayload
		if err := json.Unmarshal(received.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.ChatID != "chat-1" || payload.Text != "hello" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisQueueToleratesExistingGroup(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	cfg := RedisQueueConfig{
		Addr:         stub.Addr(),
		Stream:       "crewline:test",
		Group:        "chat-archive",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		BlockTimeout: 100 * time.Millisecond,
	}
	if _, err := NewRedisQueue(cfg); err != nil {
		t.Fatalf("first queue: %v", err)
	}
	// A second process joining the same consumer group sees BUSYGROUP on
	// create and must carry on.
	if _, err := NewRedisQueue(cfg); err != nil {
		t.Fatalf("second queue: %v", err)
	}
}

func TestRedisQueueCloseDuringDeliveryDoesNotPanic(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         stub.Addr(),
		Stream:       "crewline:test",
		Group:        "chat-archive",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		BlockTimeout: 50 * time.Millisecond,
		ReadTimeout:  time.Second,
		Buffer:       1,
	})
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}

	// Keep events flowing so the reader is usually blocked on a full
	// one-slot channel when Close lands.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	event := mustEvent(t, EventSend, SendPayload{ChatID: "chat-1", SenderID: "alice", Text: "flood"})
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = queue.Publish(context.Background(), event)
		}
	}()

	for i := 0; i < 40; i++ {
		sub := queue.Subscribe()
		time.Sleep(time.Duration(i%4) * time.Millisecond)
		sub.Close()
		drainUntilClosed(t, sub)
	}

	close(stop)
	wg.Wait()
}

func drainUntilClosed(t *testing.T, sub Subscription) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel did not close")
		}
	}
}

func TestRedisQueueRejectsMissingAddr(t *testing.T) {
	if _, err := NewRedisQueue(RedisQueueConfig{}); err == nil {
		t.Fatal("expected error without an address")
	}
}

func TestIsBusyGroup(t *testing.T) {
	if !isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Fatal("expected BUSYGROUP to be recognised")
	}
	if isBusyGroup(errors.New("ERR something else")) {
		t.Fatal("unexpected match")
	}
	if isBusyGroup(nil) {
		t.Fatal("nil error must not match")
	}
}

func TestIsNilReply(t *testing.T) {
	if !isNilReply(redis.Nil) {
		t.Fatal("expected redis.Nil to be treated as empty read")
	}
	if isNilReply(errors.New("ERR broken")) {
		t.Fatal("unexpected match")
	}
}

func TestExtractPayload(t *testing.T) {
	fields := []interface{}{"other", "x", "payload", `{"event":"send"}`}
	if got := extractPayload(fields); string(got) != `{"event":"send"}` {
		t.Fatalf("unexpected payload %q", got)
	}
	if got := extractPayload([]interface{}{"payload"}); got != nil {
		t.Fatalf("expected nil for dangling key, got %q", got)
	}
}
