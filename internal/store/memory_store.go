package store

import "context"

// EmbeddingProvider generates vector embeddings for text.
type EmbeddingProvider interface {
	Name() string
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// MemoryStore manages long-term episodic memory.
type MemoryStore interface {
	// SaveMemory stores a record and returns its id (assigned when empty).
	SaveMemory(ctx context.Context, rec MemoryRecord) (string, error)
	// RetrieveMemories lists an owner's records, newest first. An empty
	// category matches all categories; limit <= 0 means no limit.
	RetrieveMemories(ctx context.Context, ownerID, category string, limit int) ([]MemoryRecord, error)
}

// IndexStore persists context pages and answers similarity queries.
// Backends without vector support return empty results, not errors.
type IndexStore interface {
	SaveContextPage(ctx context.Context, page *Page) error
	LoadContextPage(ctx context.Context, pageID string) (*Page, error)
	SemanticSearch(ctx context.Context, ownerID string, embedding []float32, limit int) ([]ScoredPage, error)
	FindSimilarMemories(ctx context.Context, ownerID, content string, limit int) ([]ScoredMemory, error)
	SetEmbeddingProvider(provider EmbeddingProvider)
}
