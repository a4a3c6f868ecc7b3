package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

const auditColumns = `id, owner_id, action_type, input, output, reasoning, tokens_used, duration_ns, metadata, ts`

func (s *Store) LogAction(ctx context.Context, entry store.AuditEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = store.NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	metadata, err := jsonOrEmpty(entry.Metadata)
	if err != nil {
		return "", wrap("encode audit entry", entry.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.OwnerID, entry.ActionType, entry.Input, entry.Output, entry.Reasoning,
		entry.TokensUsed, int64(entry.Duration), metadata, entry.Timestamp)
	if err != nil {
		return "", wrap("log action", entry.ActionType, err)
	}
	return entry.ID, nil
}

func (s *Store) GetAuditTrail(ctx context.Context, ownerID string, limit int) ([]store.AuditEntry, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_log WHERE owner_id = $1 ORDER BY ts DESC, seq DESC`
	args := []any{ownerID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryAudit(ctx, ownerID, q, args...)
}

// ReplayActions returns entries logged strictly after the checkpoint's
// timestamp, oldest first. An unknown checkpoint replays everything.
func (s *Store) ReplayActions(ctx context.Context, ownerID, fromCheckpointID string) ([]store.AuditEntry, error) {
	var since sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT ts FROM checkpoints WHERE id = $1`, fromCheckpointID).Scan(&since)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("replay", ownerID, err)
	}
	if !since.Valid {
		since.Time = time.Time{}
	}
	return s.queryAudit(ctx, ownerID,
		`SELECT `+auditColumns+` FROM audit_log WHERE owner_id = $1 AND ts > $2 ORDER BY ts ASC, seq ASC`,
		ownerID, since.Time)
}

func (s *Store) queryAudit(ctx context.Context, ownerID, q string, args ...any) ([]store.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("audit trail", ownerID, err)
	}
	defer rows.Close()

	var out []store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var durationNS int64
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.ActionType, &e.Input, &e.Output, &e.Reasoning,
			&e.TokensUsed, &durationNS, &metadata, &e.Timestamp); err != nil {
			return nil, wrap("scan audit entry", ownerID, err)
		}
		e.Duration = time.Duration(durationNS)
		e.Timestamp = e.Timestamp.UTC()
		if err := unmarshalMap(metadata, &e.Metadata); err != nil {
			return nil, wrap("decode audit entry", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
