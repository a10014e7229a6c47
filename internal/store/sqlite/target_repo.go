package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eniac111/proxyops/internal/types"
)

// TargetRepo implements [types.TargetRepository] backed by SQLite.
type TargetRepo struct {
	DB *sql.DB
}

var _ types.TargetRepository = (*TargetRepo)(nil)

const targetColumns = `id, name, address, port, ssh_user, ssh_key, password, status, config_dir, tls_dir, last_check, created_at, updated_at`

func (r *TargetRepo) Create(ctx context.Context, t types.Target) error {
	now := formatTime(time.Time{})
	if t.Status == "" {
		t.Status = types.TargetStatusUnknown
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO targets (`+targetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		t.ID, t.Name, t.Address, port(t.Port), t.User, t.Key, t.Password, string(t.Status), t.ConfigDir, t.TLSDir, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("target %q: %w", t.ID, types.ErrAlreadyExists)
		}
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// Save inserts t or updates its connection fields, keeping status history.
func (r *TargetRepo) Save(ctx context.Context, t types.Target) error {
	now := formatTime(time.Time{})
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO targets (`+targetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 'unknown', ?, ?, NULL, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, address = excluded.address, port = excluded.port,
		   ssh_user = excluded.ssh_user, ssh_key = excluded.ssh_key, password = excluded.password,
		   config_dir = excluded.config_dir, tls_dir = excluded.tls_dir, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Address, port(t.Port), t.User, t.Key, t.Password, t.ConfigDir, t.TLSDir, now, now,
	)
	if err != nil {
		return fmt.Errorf("save target: %w", err)
	}
	return nil
}

func (r *TargetRepo) Get(ctx context.Context, id string) (types.Target, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, types.ErrNotFound) {
		return t, fmt.Errorf("target %q: %w", id, types.ErrNotFound)
	}
	return t, err
}

func (r *TargetRepo) List(ctx context.Context) ([]types.Target, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []types.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (r *TargetRepo) UpdateStatus(ctx context.Context, id string, status types.TargetStatus, checkedAt time.Time) error {
	ts := formatTime(checkedAt)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE targets SET status = ?, last_check = ?, updated_at = ? WHERE id = ?`,
		string(status), ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("update target status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("target %q: %w", id, types.ErrNotFound)
	}
	return nil
}

func scanTarget(s scanner) (types.Target, error) {
	var t types.Target
	var status, created, updated string
	var lastCheck sql.NullString
	err := s.Scan(&t.ID, &t.Name, &t.Address, &t.Port, &t.User, &t.Key, &t.Password,
		&status, &t.ConfigDir, &t.TLSDir, &lastCheck, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, fmt.Errorf("%w", types.ErrNotFound)
		}
		return t, fmt.Errorf("scan target: %w", err)
	}
	t.Status = types.TargetStatus(status)
	t.LastCheck = nullTime(lastCheck)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func port(p int) int {
	if p == 0 {
		return types.DefaultSSHPort
	}
	return p
}
