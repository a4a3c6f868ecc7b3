package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

func (s *Store) LogAction(ctx context.Context, entry store.AuditEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = store.NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	data, err := toJSON(entry)
	if err != nil {
		return "", fmt.Errorf("encode audit entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, owner_id, action_type, timestamp, data) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.OwnerID, entry.ActionType, nanos(entry.Timestamp), data)
	if err != nil {
		return "", fmt.Errorf("log action %s: %w", entry.ActionType, err)
	}
	return entry.ID, nil
}

func (s *Store) GetAuditTrail(ctx context.Context, ownerID string, limit int) ([]store.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []string
	err := s.db.SelectContext(ctx, &rows,
		`SELECT data FROM audit_log WHERE owner_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit trail %s: %w", ownerID, err)
	}
	return decodeAudit(rows)
}

// ReplayActions returns entries logged strictly after the checkpoint's
// timestamp, oldest first. An unknown checkpoint replays everything.
func (s *Store) ReplayActions(ctx context.Context, ownerID, fromCheckpointID string) ([]store.AuditEntry, error) {
	var since int64
	err := s.db.GetContext(ctx, &since, `SELECT timestamp FROM checkpoints WHERE id = ?`, fromCheckpointID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replay %s: %w", ownerID, err)
	}
	var rows []string
	err = s.db.SelectContext(ctx, &rows,
		`SELECT data FROM audit_log WHERE owner_id = ? AND timestamp > ? ORDER BY timestamp ASC, rowid ASC`,
		ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", ownerID, err)
	}
	return decodeAudit(rows)
}

func decodeAudit(rows []string) ([]store.AuditEntry, error) {
	out := make([]store.AuditEntry, 0, len(rows))
	for _, data := range rows {
		var e store.AuditEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
