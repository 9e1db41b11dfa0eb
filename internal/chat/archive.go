package chat

import (
	"context"
	"log/slog"
)

// Sink receives archived chat events from the queue consumer.
type Sink interface {
	Archive(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Archive(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// LoggerSink writes archived events to the structured log. It is the default
// sink when no durable archive backend is configured.
func LoggerSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return SinkFunc(func(_ context.Context, event Event) error {
		logger.Info("chat event archived", "event", string(event.Name), "occurred_at", event.OccurredAt)
		return nil
	})
}

// ArchiveWorker consumes queue events and forwards them to a sink.
type ArchiveWorker struct {
	queue  Queue
	sink   Sink
	logger *slog.Logger
}

// NewArchiveWorker prepares a worker that drains the chat event queue.
func NewArchiveWorker(queue Queue, sink Sink, logger *slog.Logger) *ArchiveWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveWorker{queue: queue, sink: sink, logger: logger}
}

// Run blocks until the context is cancelled, archiving events as they arrive.
func (w *ArchiveWorker) Run(ctx context.Context) {
	if w.queue == nil || w.sink == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := w.sink.Archive(ctx, event); err != nil {
				w.logger.Error("failed to archive chat event", "event", string(event.Name), "error", err)
			}
		}
	}
}
