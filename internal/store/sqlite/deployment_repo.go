package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eniac111/proxyops/internal/types"
)

// DeploymentRepo implements [types.DeploymentRepository] backed by SQLite.
type DeploymentRepo struct {
	DB *sql.DB
}

var _ types.DeploymentRepository = (*DeploymentRepo)(nil)

const deploymentColumns = `id, target_id, main_document, site_documents, status, detail, created_at, updated_at`

func (r *DeploymentRepo) Create(ctx context.Context, d types.DeploymentRecord) error {
	sites, err := json.Marshal(d.Artifacts.Sites)
	if err != nil {
		return fmt.Errorf("marshal site documents: %w", err)
	}
	created := formatTime(d.CreatedAt)
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TargetID, d.Artifacts.Main, string(sites), string(d.Status), d.Detail, created, created,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %q: %w", d.ID, types.ErrAlreadyExists)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("deployment %q target %q: %w", d.ID, d.TargetID, types.ErrNotFound)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (r *DeploymentRepo) Get(ctx context.Context, id string) (types.DeploymentRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, types.ErrNotFound) {
		return d, fmt.Errorf("deployment %q: %w", id, types.ErrNotFound)
	}
	return d, err
}

// ListByTarget returns the newest records first.
func (r *DeploymentRepo) ListByTarget(ctx context.Context, targetID string) ([]types.DeploymentRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE target_id = ? ORDER BY created_at DESC, id`,
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []types.DeploymentRecord
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateStatus moves a pending record to a terminal status exactly once.
func (r *DeploymentRepo) UpdateStatus(ctx context.Context, id string, status types.DeploymentStatus, detail string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal: %w", status, types.ErrInvalidArgument)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE deployments SET status = ?, detail = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), detail, formatTime(time.Time{}), id, string(types.DeploymentPending),
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("deployment %q already terminal: %w", id, types.ErrInvalidArgument)
}

func scanDeployment(s scanner) (types.DeploymentRecord, error) {
	var d types.DeploymentRecord
	var sites, status, created, updated string
	err := s.Scan(&d.ID, &d.TargetID, &d.Artifacts.Main, &sites, &status, &d.Detail, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, fmt.Errorf("%w", types.ErrNotFound)
		}
		return d, fmt.Errorf("scan deployment: %w", err)
	}
	if err := json.Unmarshal([]byte(sites), &d.Artifacts.Sites); err != nil {
		return d, fmt.Errorf("unmarshal site documents: %w", err)
	}
	d.Status = types.DeploymentStatus(status)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return d, nil
}
