package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewID returns a fresh UUID v7 in its string form. All kernel entities
// (pages, processes, checkpoints, audit entries, queue tasks) use it.
func NewID() string {
	return GenNewID().String()
}

// Now returns the current wall-clock time in UTC without a monotonic reading,
// so values survive a JSON round-trip unchanged.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}

// Backend names accepted by StoreConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig configures the store layer.
type StoreConfig struct {
	// Backend selects the primary backend: "memory" (default), "sqlite" or "postgres".
	Backend string

	// PostgresDSN is the Postgres connection string (postgres backend).
	PostgresDSN string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// VectorEnabled turns on pgvector similarity search. When false,
	// SemanticSearch returns no results.
	VectorEnabled bool

	// EmbeddingDims is the vector dimension of stored embeddings (default 1536).
	EmbeddingDims int

	// RedisAddr, when set, routes the coordination role to Redis.
	RedisAddr string
}

// IsDurable returns true when the primary backend survives restarts.
func (c StoreConfig) IsDurable() bool {
	return c.Backend == BackendSQLite || c.Backend == BackendPostgres
}
