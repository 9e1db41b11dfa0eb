package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crewline/internal/observability/metrics"
)

// storeHealth is the slice of the tenant registry the worker needs.
type storeHealth interface {
	Ping(ctx context.Context) error
	Len() int
}

type healthTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) healthTicker

// startStoreHealthWorker periodically pings every cached tenant store and
// keeps the tenant-store gauge current. Failures are logged, not fatal: a
// tenant database may recover without a restart.
func startStoreHealthWorker(ctx context.Context, logger *slog.Logger, stores storeHealth, recorder *metrics.Recorder, interval time.Duration) func() {
	return startStoreHealthWorkerWithTicker(ctx, logger, stores, recorder, interval, func(d time.Duration) healthTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startStoreHealthWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	stores storeHealth,
	recorder *metrics.Recorder,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if stores == nil || interval <= 0 {
		return func() {}
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				recorder.SetTenantStores(stores.Len())
				if err := stores.Ping(workerCtx); err != nil && logger != nil {
					logger.Error("tenant store health check failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
