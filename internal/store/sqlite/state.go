package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

func (s *Store) SaveProcess(ctx context.Context, proc *store.Process) error {
	if proc == nil || proc.ID == "" {
		return fmt.Errorf("save process: id is empty")
	}
	data, err := toJSON(proc)
	if err != nil {
		return fmt.Errorf("encode process %s: %w", proc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes (id, name, state, priority, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, state = excluded.state,
		   priority = excluded.priority, data = excluded.data, updated_at = excluded.updated_at`,
		proc.ID, proc.Name, string(proc.State), proc.Priority, data, nanos(s.now()))
	if err != nil {
		return fmt.Errorf("save process %s: %w", proc.ID, err)
	}
	return nil
}

func (s *Store) LoadProcess(ctx context.Context, pid string) (*store.Process, error) {
	var data string
	if err := s.db.GetContext(ctx, &data, `SELECT data FROM processes WHERE id = ?`, pid); err != nil {
		return nil, notFound("process", pid, err)
	}
	var p store.Process
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode process %s: %w", pid, err)
	}
	return &p, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) (string, error) {
	if cp == nil || cp.ProcessState == nil {
		return "", fmt.Errorf("save checkpoint: missing process state")
	}
	cp.Prepare()
	data, err := store.MarshalCheckpoint(cp)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, owner_id, version, parent_id, description, page_count, timestamp, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		cp.ID, cp.OwnerID, cp.Version, cp.ParentID, cp.Description, len(cp.Pages), nanos(cp.Timestamp), string(data))
	if err != nil {
		return "", fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("checkpoint %s: %w", cp.ID, store.ErrCheckpointExists)
	}
	return cp.ID, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, id string) (*store.Checkpoint, error) {
	var data string
	if err := s.db.GetContext(ctx, &data, `SELECT data FROM checkpoints WHERE id = ?`, id); err != nil {
		return nil, notFound("checkpoint", id, err)
	}
	return store.UnmarshalCheckpoint([]byte(data))
}

type checkpointRow struct {
	ID          string `db:"id"`
	OwnerID     string `db:"owner_id"`
	Version     int    `db:"version"`
	ParentID    string `db:"parent_id"`
	Description string `db:"description"`
	PageCount   int    `db:"page_count"`
	Timestamp   int64  `db:"timestamp"`
}

func (s *Store) ListCheckpoints(ctx context.Context, ownerID string) ([]store.CheckpointInfo, error) {
	var rows []checkpointRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, owner_id, version, parent_id, description, page_count, timestamp
		 FROM checkpoints WHERE owner_id = ? ORDER BY timestamp DESC, version DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", ownerID, err)
	}
	out := make([]store.CheckpointInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.CheckpointInfo{
			ID:          r.ID,
			OwnerID:     r.OwnerID,
			Version:     r.Version,
			ParentID:    r.ParentID,
			Description: r.Description,
			Timestamp:   fromNanos(r.Timestamp),
			PageCount:   r.PageCount,
		})
	}
	return out, nil
}

func (s *Store) SaveContextPage(ctx context.Context, page *store.Page) error {
	if err := store.ValidatePage(page); err != nil {
		return err
	}
	data, err := toJSON(page)
	if err != nil {
		return fmt.Errorf("encode page %s: %w", page.ID, err)
	}
	hasEmbedding := 0
	if len(page.Embedding) > 0 {
		hasEmbedding = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_pages (id, owner_id, category, status, data, has_embedding, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, category = excluded.category,
		   status = excluded.status, data = excluded.data, has_embedding = excluded.has_embedding,
		   updated_at = excluded.updated_at`,
		page.ID, page.OwnerID, string(page.Category), string(page.Status), data, hasEmbedding, nanos(s.now()))
	if err != nil {
		return fmt.Errorf("save page %s: %w", page.ID, err)
	}
	return nil
}

func (s *Store) LoadContextPage(ctx context.Context, pageID string) (*store.Page, error) {
	var data string
	if err := s.db.GetContext(ctx, &data, `SELECT data FROM context_pages WHERE id = ?`, pageID); err != nil {
		return nil, notFound("page", pageID, err)
	}
	return decodePage(pageID, data)
}

func decodePage(id, data string) (*store.Page, error) {
	var p store.Page
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode page %s: %w", id, err)
	}
	return &p, nil
}

// SemanticSearch ranks the owner's embedded pages in process.
func (s *Store) SemanticSearch(ctx context.Context, ownerID string, embedding []float32, limit int) ([]store.ScoredPage, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	var rows []struct {
		ID   string `db:"id"`
		Data string `db:"data"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, data FROM context_pages WHERE owner_id = ? AND has_embedding = 1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("semantic search %s: %w", ownerID, err)
	}
	pages := make([]*store.Page, 0, len(rows))
	for _, r := range rows {
		p, err := decodePage(r.ID, r.Data)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return store.RankPages(pages, embedding, limit), nil
}
