package composite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/internal/store/mem"
	"github.com/nextlevelbuilder/agentos/internal/store/storetest"
)

func TestContractOverMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Storage {
		return New(mem.New(), WithCoordination(mem.New()))
	}, storetest.Options{Vectors: true})
}

func TestRolesRouteToOverrides(t *testing.T) {
	ctx := context.Background()
	base, coord := mem.New(), mem.New()
	s := New(base, WithCoordination(coord))

	if _, err := s.EnqueueTask(ctx, "jobs", 1, json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := base.DequeueTask(ctx, "jobs", "w"); !errors.Is(err, store.ErrQueueEmpty) {
		t.Errorf("task leaked into base: %v", err)
	}
	if _, err := coord.DequeueTask(ctx, "jobs", "w"); err != nil {
		t.Errorf("task missing from coordination backend: %v", err)
	}

	p := store.NewProcess("a", "b")
	if err := s.SaveProcess(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := base.LoadProcess(ctx, p.ID); err != nil {
		t.Errorf("state not routed to base: %v", err)
	}
}

type countingCloser struct {
	*mem.Store
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return c.Store.Close()
}

func TestCloseEachBackendOnce(t *testing.T) {
	base := &countingCloser{Store: mem.New()}
	coord := &countingCloser{Store: mem.New()}
	s := New(base, WithCoordination(coord), WithAudit(base))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if base.closed != 1 || coord.closed != 1 {
		t.Errorf("closed base=%d coord=%d, want 1 each", base.closed, coord.closed)
	}
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, store.StoreConfig{Backend: store.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "k.db")})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	s.Close()

	if _, err := Open(ctx, store.StoreConfig{Backend: store.BackendSQLite}); err == nil {
		t.Error("sqlite without path accepted")
	}
	if _, err := Open(ctx, store.StoreConfig{Backend: "cassandra"}); err == nil {
		t.Error("unknown backend accepted")
	}
	m, err := Open(ctx, store.StoreConfig{})
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	m.Close()
}
