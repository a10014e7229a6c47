package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eniac111/proxyops/internal/types"
)

// GroupRepo implements [types.GroupRepository] backed by SQLite.
type GroupRepo struct {
	DB *sql.DB
}

var _ types.GroupRepository = (*GroupRepo)(nil)

// Create inserts the group and its memberships. Existing rows are kept.
func (r *GroupRepo) Create(ctx context.Context, g types.Group) error {
	if _, err := r.DB.ExecContext(ctx,
		`INSERT INTO rule_groups (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		g.ID, g.Name,
	); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	for _, id := range g.Targets {
		if err := r.AddTarget(ctx, g.ID, id); err != nil {
			return err
		}
	}
	for _, id := range g.Rules {
		if err := r.AddRule(ctx, g.ID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *GroupRepo) AddTarget(ctx context.Context, groupID, targetID string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_targets (group_id, target_id) VALUES (?, ?)`, groupID, targetID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("group %q target %q: %w", groupID, targetID, types.ErrNotFound)
		}
		return fmt.Errorf("add group target: %w", err)
	}
	return nil
}

func (r *GroupRepo) AddRule(ctx context.Context, groupID, ruleID string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_rules (group_id, rule_id) VALUES (?, ?)`, groupID, ruleID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("group %q rule %q: %w", groupID, ruleID, types.ErrNotFound)
		}
		return fmt.Errorf("add group rule: %w", err)
	}
	return nil
}
