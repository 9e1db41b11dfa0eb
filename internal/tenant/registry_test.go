package tenant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"crewline/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryCachesStorePerTenant(t *testing.T) {
	var opens atomic.Int32
	opener := func(_ context.Context, tenantID string) (storage.Store, error) {
		opens.Add(1)
		return storage.NewMemoryStore(tenantID), nil
	}
	registry := NewRegistry(opener, discardLogger())
	defer registry.Close()

	first, err := registry.Store(context.Background(), "acme")
	if err != nil {
		t.Fatalf("first access: %v", err)
	}
	second, err := registry.Store(context.Background(), "acme")
	if err != nil {
		t.Fatalf("second access: %v", err)
	}
	if first != second {
		t.Fatal("expected the cached handle on repeat access")
	}
	if got := opens.Load(); got != 1 {
		t.Fatalf("expected exactly one open, got %d", got)
	}

	if _, err := registry.Store(context.Background(), "globex"); err != nil {
		t.Fatalf("second tenant: %v", err)
	}
	if registry.Len() != 2 {
		t.Fatalf("expected 2 cached handles, got %d", registry.Len())
	}
}

func TestRegistryConcurrentFirstAccessOpensOnce(t *testing.T) {
	var opens atomic.Int32
	opener := func(_ context.Context, tenantID string) (storage.Store, error) {
		opens.Add(1)
		return storage.NewMemoryStore(tenantID), nil
	}
	registry := NewRegistry(opener, discardLogger())
	defer registry.Close()

	const workers = 32
	stores := make([]storage.Store, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			store, err := registry.Store(context.Background(), "acme")
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			stores[i] = store
		}(i)
	}
	wg.Wait()

	if got := opens.Load(); got != 1 {
		t.Fatalf("expected a single shared open, got %d", got)
	}
	for i := 1; i < workers; i++ {
		if stores[i] != stores[0] {
			t.Fatal("expected every caller to receive the same handle")
		}
	}
}

func TestRegistryFailedOpenIsNotCached(t *testing.T) {
	var opens atomic.Int32
	opener := func(_ context.Context, tenantID string) (storage.Store, error) {
		if opens.Add(1) == 1 {
			return nil, fmt.Errorf("connect: network unreachable")
		}
		return storage.NewMemoryStore(tenantID), nil
	}
	registry := NewRegistry(opener, discardLogger())
	defer registry.Close()

	_, err := registry.Store(context.Background(), "acme")
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitError, got %v", err)
	}
	if initErr.TenantID != "acme" {
		t.Fatalf("expected tenant acme in error, got %q", initErr.TenantID)
	}
	if registry.Len() != 0 {
		t.Fatal("expected nothing cached after a failed open")
	}

	if _, err := registry.Store(context.Background(), "acme"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected 1 cached handle after retry, got %d", registry.Len())
	}
}

func TestRegistryRejectsEmptyTenant(t *testing.T) {
	registry := NewRegistry(MemoryOpener(), discardLogger())
	defer registry.Close()

	_, err := registry.Store(context.Background(), "   ")
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitError for blank tenant, got %v", err)
	}
}

func TestRegistryPingReportsFailures(t *testing.T) {
	registry := NewRegistry(MemoryOpener(), discardLogger())
	defer registry.Close()

	store, err := registry.Store(context.Background(), "acme")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := registry.Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy ping, got %v", err)
	}

	store.Close()
	if err := registry.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to surface the closed store")
	}
}

func TestPostgresOpenerRequiresTemplate(t *testing.T) {
	opener := PostgresOpener("   ", storage.PostgresConfig{})
	if _, err := opener(context.Background(), "acme"); err == nil {
		t.Fatal("expected error for empty DSN template")
	}
}
