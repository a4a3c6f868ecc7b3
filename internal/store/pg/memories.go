package pg

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

func toFloat64s(v []float32) pq.Float64Array {
	if v == nil {
		return nil
	}
	out := make(pq.Float64Array, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32s(v pq.Float64Array) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func (s *Store) SaveMemory(ctx context.Context, rec store.MemoryRecord) (string, error) {
	if err := store.ValidateOwnerID(rec.OwnerID); err != nil {
		return "", err
	}
	if embedder := s.embeddingProvider(); len(rec.Embedding) == 0 && embedder != nil {
		if vec, err := store.EmbedOne(ctx, embedder, rec.Content); err == nil {
			rec.Embedding = vec
		} else {
			slog.Warn("pg: memory embedding failed", "owner", rec.OwnerID, "error", err)
		}
	}
	if rec.ID == "" {
		rec.ID = store.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if err := s.checkDims(rec.Embedding); err != nil {
		return "", wrap("save memory", rec.OwnerID, err)
	}
	metadata, err := jsonOrEmpty(rec.Metadata)
	if err != nil {
		return "", wrap("encode memory", rec.ID, err)
	}

	if s.vectors {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO memories (id, owner_id, category, content, embedding, embedding_vec, importance, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5::text::real[], $6::vector, $7, $8, $9)`,
			rec.ID, rec.OwnerID, rec.Category, rec.Content, toFloat64s(rec.Embedding), nilVector(rec.Embedding),
			rec.Importance, metadata, rec.CreatedAt)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO memories (id, owner_id, category, content, embedding, importance, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5::text::real[], $6, $7, $8)`,
			rec.ID, rec.OwnerID, rec.Category, rec.Content, toFloat64s(rec.Embedding),
			rec.Importance, metadata, rec.CreatedAt)
	}
	if err != nil {
		return "", wrap("save memory", rec.OwnerID, err)
	}
	return rec.ID, nil
}

func (s *Store) RetrieveMemories(ctx context.Context, ownerID, category string, limit int) ([]store.MemoryRecord, error) {
	q := `SELECT id, owner_id, category, content, embedding, importance, metadata, created_at
		FROM memories WHERE owner_id = $1`
	args := []any{ownerID}
	if category != "" {
		args = append(args, category)
		q += ` AND category = $` + strconv.Itoa(len(args))
	}
	q += ` ORDER BY created_at DESC, seq DESC`
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return s.queryMemories(ctx, ownerID, q, args...)
}

func (s *Store) queryMemories(ctx context.Context, ownerID, q string, args ...any) ([]store.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("retrieve memories", ownerID, err)
	}
	defer rows.Close()

	var out []store.MemoryRecord
	for rows.Next() {
		var rec store.MemoryRecord
		var embedding pq.Float64Array
		var metadata []byte
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Category, &rec.Content, &embedding, &rec.Importance, &metadata, &rec.CreatedAt); err != nil {
			return nil, wrap("scan memory", ownerID, err)
		}
		rec.Embedding = toFloat32s(embedding)
		rec.CreatedAt = rec.CreatedAt.UTC()
		if err := unmarshalMap(metadata, &rec.Metadata); err != nil {
			return nil, wrap("decode memory", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindSimilarMemories embeds content and lets pgvector rank the owner's
// memories. Without vector support or a provider it returns nothing.
func (s *Store) FindSimilarMemories(ctx context.Context, ownerID, content string, limit int) ([]store.ScoredMemory, error) {
	embedder := s.embeddingProvider()
	if !s.vectors || embedder == nil {
		return nil, nil
	}
	query, err := store.EmbedOne(ctx, embedder, content)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	vec := vectorToString(query)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, category, content, embedding, importance, metadata, created_at,
		        1 - (embedding_vec <=> $1::vector) AS score
		 FROM memories
		 WHERE owner_id = $2 AND embedding_vec IS NOT NULL
		 ORDER BY embedding_vec <=> $1::vector LIMIT $3`,
		vec, ownerID, limit)
	if err != nil {
		return nil, wrap("similar memories", ownerID, err)
	}
	defer rows.Close()

	var out []store.ScoredMemory
	for rows.Next() {
		var hit store.ScoredMemory
		var embedding pq.Float64Array
		var metadata []byte
		rec := &hit.Memory
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Category, &rec.Content, &embedding, &rec.Importance, &metadata, &rec.CreatedAt, &hit.Score); err != nil {
			return nil, wrap("scan memory", ownerID, err)
		}
		rec.Embedding = toFloat32s(embedding)
		rec.CreatedAt = rec.CreatedAt.UTC()
		if err := unmarshalMap(metadata, &rec.Metadata); err != nil {
			return nil, wrap("decode memory", rec.ID, err)
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}
