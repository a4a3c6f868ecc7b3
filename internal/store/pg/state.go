package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

func (s *Store) SaveProcess(ctx context.Context, proc *store.Process) error {
	if proc == nil || proc.ID == "" {
		return fmt.Errorf("save process: id is empty")
	}
	data, err := json.Marshal(proc)
	if err != nil {
		return wrap("encode process", proc.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes (id, name, state, priority, data, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, state = EXCLUDED.state,
		   priority = EXCLUDED.priority, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		proc.ID, proc.Name, string(proc.State), proc.Priority, data, s.now())
	if err != nil {
		return wrap("save process", proc.ID, err)
	}
	return nil
}

func (s *Store) LoadProcess(ctx context.Context, pid string) (*store.Process, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, `SELECT data FROM processes WHERE id = $1`, pid).Scan(&data); err != nil {
		return nil, notFound("process", pid, err)
	}
	var p store.Process
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, wrap("decode process", pid, err)
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
	tags := cp.Tags
	if tags == nil {
		tags = []string{}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, owner_id, version, parent_id, description, page_count, tags, ts, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::text::text[], $8, $9) ON CONFLICT (id) DO NOTHING`,
		cp.ID, cp.OwnerID, cp.Version, cp.ParentID, cp.Description, len(cp.Pages), pq.Array(tags), cp.Timestamp, data)
	if err != nil {
		return "", wrap("save checkpoint", cp.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", wrap("checkpoint", cp.ID, store.ErrCheckpointExists)
	}
	return cp.ID, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, id string) (*store.Checkpoint, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE id = $1`, id).Scan(&data); err != nil {
		return nil, notFound("checkpoint", id, err)
	}
	return store.UnmarshalCheckpoint(data)
}

func (s *Store) ListCheckpoints(ctx context.Context, ownerID string) ([]store.CheckpointInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, version, parent_id, description, page_count, ts
		 FROM checkpoints WHERE owner_id = $1 ORDER BY ts DESC, version DESC`, ownerID)
	if err != nil {
		return nil, wrap("list checkpoints", ownerID, err)
	}
	defer rows.Close()

	var out []store.CheckpointInfo
	for rows.Next() {
		var info store.CheckpointInfo
		if err := rows.Scan(&info.ID, &info.OwnerID, &info.Version, &info.ParentID, &info.Description, &info.PageCount, &info.Timestamp); err != nil {
			return nil, wrap("scan checkpoint", ownerID, err)
		}
		info.Timestamp = info.Timestamp.UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// CheckpointsByTag lists an owner's checkpoints carrying any of tags.
func (s *Store) CheckpointsByTag(ctx context.Context, ownerID string, tags []string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE owner_id = $1 AND tags && $2::text::text[] ORDER BY ts DESC`,
		ownerID, pq.Array(tags))
	if err != nil {
		return nil, wrap("checkpoints by tag", ownerID, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SaveContextPage(ctx context.Context, page *store.Page) error {
	if err := store.ValidatePage(page); err != nil {
		return err
	}
	if err := s.checkDims(page.Embedding); err != nil {
		return wrap("save page", page.ID, err)
	}
	data, err := json.Marshal(page)
	if err != nil {
		return wrap("encode page", page.ID, err)
	}
	if s.vectors {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO context_pages (id, owner_id, category, status, importance, data, embedding, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8)
			 ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, category = EXCLUDED.category,
			   status = EXCLUDED.status, importance = EXCLUDED.importance, data = EXCLUDED.data,
			   embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`,
			page.ID, page.OwnerID, string(page.Category), string(page.Status), page.Importance, data,
			nilVector(page.Embedding), s.now())
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO context_pages (id, owner_id, category, status, importance, data, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, category = EXCLUDED.category,
			   status = EXCLUDED.status, importance = EXCLUDED.importance, data = EXCLUDED.data,
			   updated_at = EXCLUDED.updated_at`,
			page.ID, page.OwnerID, string(page.Category), string(page.Status), page.Importance, data, s.now())
	}
	if err != nil {
		return wrap("save page", page.ID, err)
	}
	return nil
}

func (s *Store) LoadContextPage(ctx context.Context, pageID string) (*store.Page, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, `SELECT data FROM context_pages WHERE id = $1`, pageID).Scan(&data); err != nil {
		return nil, notFound("page", pageID, err)
	}
	var p store.Page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, wrap("decode page", pageID, err)
	}
	return &p, nil
}

// SemanticSearch orders the owner's pages by cosine distance in the database.
// Without vector support it returns no results.
func (s *Store) SemanticSearch(ctx context.Context, ownerID string, embedding []float32, limit int) ([]store.ScoredPage, error) {
	if !s.vectors || len(embedding) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	vec := vectorToString(embedding)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, 1 - (embedding <=> $1::vector) AS score
		 FROM context_pages
		 WHERE owner_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector LIMIT $3`,
		vec, ownerID, limit)
	if err != nil {
		return nil, wrap("semantic search", ownerID, err)
	}
	defer rows.Close()

	var out []store.ScoredPage
	for rows.Next() {
		var data []byte
		var score float64
		if err := rows.Scan(&data, &score); err != nil {
			return nil, wrap("scan page", ownerID, err)
		}
		var p store.Page
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, wrap("decode page", ownerID, err)
		}
		out = append(out, store.ScoredPage{Page: &p, Score: score})
	}
	return out, rows.Err()
}
