package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eniac111/proxyops/internal/types"
)

// AuditRepo implements [types.AuditRepository] backed by SQLite.
type AuditRepo struct {
	DB *sql.DB
}

var _ types.AuditRepository = (*AuditRepo)(nil)

func (r *AuditRepo) Append(ctx context.Context, e types.AuditLogEntry) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO audit_log (target_id, action, outcome, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.TargetID, e.Action, string(e.Outcome), e.Detail, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %v: %w", err, types.ErrPersistence)
	}
	return nil
}

// ListByTarget returns the newest entries first. A non-positive limit
// returns everything.
func (r *AuditRepo) ListByTarget(ctx context.Context, targetID string, limit int) ([]types.AuditLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, target_id, action, outcome, detail, created_at
		 FROM audit_log WHERE target_id = ? ORDER BY id DESC LIMIT ?`,
		targetID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditLogEntry
	for rows.Next() {
		var e types.AuditLogEntry
		var outcome, created string
		if err := rows.Scan(&e.ID, &e.TargetID, &e.Action, &outcome, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Outcome = types.Outcome(outcome)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
