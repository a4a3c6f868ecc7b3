package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

type memoryRow struct {
	ID         string  `db:"id"`
	OwnerID    string  `db:"owner_id"`
	Category   string  `db:"category"`
	Content    string  `db:"content"`
	Embedding  string  `db:"embedding"`
	Importance float64 `db:"importance"`
	Metadata   string  `db:"metadata"`
	CreatedAt  int64   `db:"created_at"`
}

func (r memoryRow) record() store.MemoryRecord {
	rec := store.MemoryRecord{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Category:   r.Category,
		Content:    r.Content,
		Importance: r.Importance,
		CreatedAt:  fromNanos(r.CreatedAt),
	}
	json.Unmarshal([]byte(r.Embedding), &rec.Embedding)
	json.Unmarshal([]byte(r.Metadata), &rec.Metadata)
	return rec
}

func (s *Store) SaveMemory(ctx context.Context, rec store.MemoryRecord) (string, error) {
	if err := store.ValidateOwnerID(rec.OwnerID); err != nil {
		return "", err
	}
	if embedder := s.embeddingProvider(); len(rec.Embedding) == 0 && embedder != nil {
		if vec, err := store.EmbedOne(ctx, embedder, rec.Content); err == nil {
			rec.Embedding = vec
		} else {
			slog.Warn("sqlite: memory embedding failed", "owner", rec.OwnerID, "error", err)
		}
	}
	if rec.ID == "" {
		rec.ID = store.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	embedding, _ := toJSON(rec.Embedding)
	if rec.Embedding == nil {
		embedding = "[]"
	}
	metadata, _ := toJSON(rec.Metadata)
	if rec.Metadata == nil {
		metadata = "{}"
	}
	row := memoryRow{
		ID:         rec.ID,
		OwnerID:    rec.OwnerID,
		Category:   rec.Category,
		Content:    rec.Content,
		Embedding:  embedding,
		Importance: rec.Importance,
		Metadata:   metadata,
		CreatedAt:  nanos(rec.CreatedAt),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO memories (id, owner_id, category, content, embedding, importance, metadata, created_at)
		 VALUES (:id, :owner_id, :category, :content, :embedding, :importance, :metadata, :created_at)`, row)
	if err != nil {
		return "", fmt.Errorf("save memory: %w", err)
	}
	return rec.ID, nil
}

func (s *Store) RetrieveMemories(ctx context.Context, ownerID, category string, limit int) ([]store.MemoryRecord, error) {
	q := `SELECT id, owner_id, category, content, embedding, importance, metadata, created_at
		FROM memories WHERE owner_id = ?`
	args := []any{ownerID}
	if category != "" {
		q += ` AND category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []memoryRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("retrieve memories %s: %w", ownerID, err)
	}
	out := make([]store.MemoryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// FindSimilarMemories embeds content and ranks the owner's memories in process.
// Without an embedding provider it returns nothing.
func (s *Store) FindSimilarMemories(ctx context.Context, ownerID, content string, limit int) ([]store.ScoredMemory, error) {
	embedder := s.embeddingProvider()
	if embedder == nil {
		return nil, nil
	}
	query, err := store.EmbedOne(ctx, embedder, content)
	if err != nil {
		return nil, err
	}
	recs, err := s.RetrieveMemories(ctx, ownerID, "", 0)
	if err != nil {
		return nil, err
	}
	return store.RankMemories(recs, query, limit), nil
}
