package pg

import (
	"context"
	"os"
	"testing"

	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/internal/store/storetest"
)

// These tests need a live server; set AGENTOS_TEST_POSTGRES_DSN to run them.
// AGENTOS_TEST_PGVECTOR=1 additionally exercises the vector columns.
func testDSN(t *testing.T) string {
	dsn := os.Getenv("AGENTOS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTOS_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func openClean(t *testing.T, vectors bool) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, store.StoreConfig{Backend: store.BackendPostgres, PostgresDSN: testDSN(t), VectorEnabled: vectors})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = s.DB().ExecContext(ctx,
		`TRUNCATE processes, checkpoints, context_pages, memories, audit_log, task_queue, locks`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestContract(t *testing.T) {
	vectors := os.Getenv("AGENTOS_TEST_PGVECTOR") == "1"
	storetest.Run(t, func(t *testing.T) store.Storage { return openClean(t, vectors) }, storetest.Options{Vectors: vectors})
}

func TestSchemaVersion(t *testing.T) {
	s := openClean(t, false)
	defer s.Close()
	v, dirty, err := SchemaVersion(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if dirty || v < SchemaBase {
		t.Errorf("schema version = %d dirty=%v", v, dirty)
	}
	// A second migrate is a no-op.
	if err := MigrateUp(s.DB(), false); err != nil {
		t.Errorf("repeat migrate: %v", err)
	}
}

func TestCheckpointsByTag(t *testing.T) {
	s := openClean(t, false)
	defer s.Close()
	ctx := context.Background()
	p := store.NewProcess("tagger", "t")
	keep, err := s.SaveCheckpoint(ctx, &store.Checkpoint{ProcessState: p, Version: 1, Tags: []string{"release", "nightly"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveCheckpoint(ctx, &store.Checkpoint{ProcessState: p, Version: 2, Tags: []string{"scratch"}}); err != nil {
		t.Fatal(err)
	}
	ids, err := s.CheckpointsByTag(ctx, p.ID, []string{"release"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != keep {
		t.Errorf("tagged = %v, want [%s]", ids, keep)
	}
}

func TestVectorToString(t *testing.T) {
	if got := vectorToString([]float32{1, 0.5, -2}); got != "[1,0.5,-2]" {
		t.Errorf("vectorToString = %q", got)
	}
	if got := vectorToString(nil); got != "" {
		t.Errorf("empty vector = %q", got)
	}
}

func TestCheckDims(t *testing.T) {
	s := &Store{dims: 3}
	if err := s.checkDims([]float32{1, 2, 3}); err != nil {
		t.Errorf("matching dims: %v", err)
	}
	if err := s.checkDims([]float32{1, 2}); err == nil {
		t.Error("wrong width accepted")
	}
	if err := s.checkDims(nil); err != nil {
		t.Errorf("missing embedding: %v", err)
	}
}
