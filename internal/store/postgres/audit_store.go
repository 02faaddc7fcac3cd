package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// AuditStore implements domain.AuditRepo using PostgreSQL. Detail maps are
// stored as JSONB.
type AuditStore struct {
	q querier
}

const auditSelectCols = `id, event, detail, created_at`

// Log appends a new audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	if _, err := s.q.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, detailJSON); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, mapError(err))
	}
	return nil
}

// List returns audit entries newest first with optional time filtering.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT ` + auditSelectCols + ` FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query, args = withPaging(query+" ORDER BY created_at DESC, id DESC", args, opts)
	return s.queryEntries(ctx, "list audit entries", query, args...)
}

// ListUnarchived returns entries older than the cutoff that have not been
// exported, oldest first.
func (s *AuditStore) ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.AuditEntry, error) {
	return s.queryEntries(ctx, "list unarchived audit",
		`SELECT `+auditSelectCols+` FROM audit_log WHERE archived_at IS NULL AND created_at < $1 ORDER BY id LIMIT $2`,
		before, limit)
}

// MarkArchived stamps archived_at on the given entries.
func (s *AuditStore) MarkArchived(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.q.Exec(ctx, `UPDATE audit_log SET archived_at = $2 WHERE id = ANY($1)`, ids, at); err != nil {
		return fmt.Errorf("postgres: mark audit archived: %w", mapError(err))
	}
	return nil
}

func (s *AuditStore) queryEntries(ctx context.Context, op, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, mapError(err))
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.Event, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return entries, nil
}
