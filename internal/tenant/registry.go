// Package tenant owns the process-wide cache of per-tenant storage handles.
// Every component that needs tenant-scoped persistence goes through the
// Registry; nothing else opens storage connections.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"crewline/internal/storage"
)

// InitError reports a failed first-access open for a tenant. Serving a tenant
// with a half-initialised store is never acceptable, so callers are expected
// to treat it as fatal; the registry itself only reports, letting the caller
// decide how to terminate.
type InitError struct {
	TenantID string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("tenant %s: storage init failed: %v", e.TenantID, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Opener creates a ready storage handle for one tenant. Implementations must
// block until the connection signals ready, or fail.
type Opener func(ctx context.Context, tenantID string) (storage.Store, error)

// PostgresOpener builds an Opener that expands a DSN template containing a
// single %s placeholder with the tenant ID and opens a pgx pool against it.
// An empty template is a configuration error surfaced on first access.
func PostgresOpener(template string, cfg storage.PostgresConfig) Opener {
	return func(ctx context.Context, tenantID string) (storage.Store, error) {
		trimmed := strings.TrimSpace(template)
		if trimmed == "" {
			return nil, fmt.Errorf("tenant dsn template is not configured")
		}
		cfg.DSN = fmt.Sprintf(trimmed, tenantID)
		return storage.NewPostgresStore(ctx, tenantID, cfg)
	}
}

// MemoryOpener builds an Opener returning a fresh in-memory store per tenant.
func MemoryOpener() Opener {
	return func(_ context.Context, tenantID string) (storage.Store, error) {
		return storage.NewMemoryStore(tenantID), nil
	}
}

// Registry caches at most one storage handle per tenant for the life of the
// process. Handles are opened lazily on first access and never evicted or
// refreshed. Concurrent first accesses for the same tenant share a single
// open through the flight group, so a handle is created exactly once.
type Registry struct {
	opener Opener
	logger *slog.Logger

	flight singleflight.Group
	mu     sync.RWMutex
	stores map[string]storage.Store
}

// NewRegistry initialises an empty registry using the provided opener.
func NewRegistry(opener Opener, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opener: opener,
		logger: logger,
		stores: make(map[string]storage.Store),
	}
}

// Store returns the cached handle for the tenant, opening it on first access.
// A cached handle is returned without I/O. On failure the error is an
// *InitError and nothing is cached, so a later access retries the open.
func (r *Registry) Store(ctx context.Context, tenantID string) (storage.Store, error) {
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return nil, &InitError{TenantID: tenantID, Err: fmt.Errorf("tenant id is required")}
	}

	r.mu.RLock()
	store, ok := r.stores[trimmed]
	r.mu.RUnlock()
	if ok {
		return store, nil
	}

	value, err, shared := r.flight.Do(trimmed, func() (interface{}, error) {
		// Re-check under the flight: a concurrent open may have landed
		// between the cache miss and entering the group.
		r.mu.RLock()
		existing, ok := r.stores[trimmed]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		opened, err := r.opener(ctx, trimmed)
		if err != nil {
			return nil, err
		}
		if err := opened.Ping(ctx); err != nil {
			opened.Close()
			return nil, fmt.Errorf("connection not ready: %w", err)
		}

		r.mu.Lock()
		r.stores[trimmed] = opened
		r.mu.Unlock()
		r.logger.Info("tenant store opened", "tenant", trimmed)
		return opened, nil
	})
	if err != nil {
		r.logger.Error("tenant store open failed", "tenant", trimmed, "error", err)
		return nil, &InitError{TenantID: trimmed, Err: err}
	}
	if shared {
		r.logger.Debug("tenant store open shared", "tenant", trimmed)
	}
	return value.(storage.Store), nil
}

// Ping checks every cached handle and returns the first failure. Tenants with
// no cached handle are not opened; readiness only covers live connections.
func (r *Registry) Ping(ctx context.Context) error {
	r.mu.RLock()
	stores := make(map[string]storage.Store, len(r.stores))
	for tenantID, store := range r.stores {
		stores[tenantID] = store
	}
	r.mu.RUnlock()

	for tenantID, store := range stores {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("tenant %s: %w", tenantID, err)
		}
	}
	return nil
}

// Len reports the number of cached handles, for metrics and tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stores)
}

// Close tears down every cached handle. Intended for process shutdown only;
// the registry must not be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenantID, store := range r.stores {
		store.Close()
		delete(r.stores, tenantID)
	}
}
