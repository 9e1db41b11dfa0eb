package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNoRetryRunsOnce(t *testing.T) {
	calls := 0
	failure := errors.New("boom")
	err := NoRetry{}.Do(context.Background(), func(context.Context) error {
		calls++
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestBackoffRetriesUntilSuccess(t *testing.T) {
	policy := Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, Attempts: 5}
	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected three attempts, got %d", calls)
	}
}

func TestBackoffReturnsLastErrorAfterExhaustion(t *testing.T) {
	policy := Backoff{Base: time.Millisecond, Attempts: 3}
	failure := errors.New("persistent")
	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected three attempts, got %d", calls)
	}
}

func TestBackoffStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Backoff{Base: time.Hour, Attempts: 3}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backoff did not observe cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", calls)
	}
}
