package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eniac111/proxyops/internal/types"
)

// RuleRepo implements [types.RuleRepository] backed by SQLite.
type RuleRepo struct {
	DB *sql.DB
}

var _ types.RuleRepository = (*RuleRepo)(nil)

const ruleColumns = `r.id, r.name, r.upstream_addr, r.upstream_port, r.tls_enabled, r.tls_status, r.cert_name, r.created_at, r.updated_at`

func (r *RuleRepo) Create(ctx context.Context, rule types.RoutingRule) error {
	if err := types.ValidateRuleName(rule.Name); err != nil {
		return err
	}
	now := formatTime(time.Time{})
	if rule.TLSStatus == "" {
		rule.TLSStatus = types.TLSStatusPending
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO routing_rules (id, name, upstream_addr, upstream_port, tls_enabled, tls_status, cert_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.UpstreamAddr, upstreamPort(rule.UpstreamPort), rule.TLSEnabled, string(rule.TLSStatus), rule.CertName, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("routing rule %q: %w", rule.Name, types.ErrAlreadyExists)
		}
		return fmt.Errorf("insert routing rule: %w", err)
	}
	return nil
}

// Save inserts rule or updates its routing fields, keeping its TLS status
// and certificate lineage.
func (r *RuleRepo) Save(ctx context.Context, rule types.RoutingRule) error {
	if err := types.ValidateRuleName(rule.Name); err != nil {
		return err
	}
	now := formatTime(time.Time{})
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO routing_rules (id, name, upstream_addr, upstream_port, tls_enabled, tls_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, upstream_addr = excluded.upstream_addr, upstream_port = excluded.upstream_port,
		   tls_enabled = excluded.tls_enabled, updated_at = excluded.updated_at`,
		rule.ID, rule.Name, rule.UpstreamAddr, upstreamPort(rule.UpstreamPort), rule.TLSEnabled, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("routing rule %q: %w", rule.Name, types.ErrAlreadyExists)
		}
		return fmt.Errorf("save routing rule: %w", err)
	}
	return nil
}

func (r *RuleRepo) Get(ctx context.Context, id string) (types.RoutingRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM routing_rules r WHERE r.id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, types.ErrNotFound) {
		return rule, fmt.Errorf("routing rule %q: %w", id, types.ErrNotFound)
	}
	return rule, err
}

// ListByTarget resolves rules through every group the target belongs to.
// A rule reachable through several groups is returned once, ordered by name.
func (r *RuleRepo) ListByTarget(ctx context.Context, targetID string) ([]types.RoutingRule, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT DISTINCT `+ruleColumns+`
		 FROM routing_rules r
		 JOIN group_rules gr ON gr.rule_id = r.id
		 JOIN group_targets gt ON gt.group_id = gr.group_id
		 WHERE gt.target_id = ?
		 ORDER BY r.name`,
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("list routing rules: %w", err)
	}
	defer rows.Close()

	var rules []types.RoutingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *RuleRepo) UpdateTLSStatus(ctx context.Context, id string, status types.TLSStatus) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE routing_rules SET tls_status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Time{}), id,
	)
	if err != nil {
		return fmt.Errorf("update tls status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("routing rule %q: %w", id, types.ErrNotFound)
	}
	return nil
}

func (r *RuleRepo) BindCertificate(ctx context.Context, id, certName string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE routing_rules SET cert_name = ?, tls_status = ?, updated_at = ? WHERE id = ?`,
		certName, string(types.TLSStatusActive), formatTime(time.Time{}), id,
	)
	if err != nil {
		return fmt.Errorf("bind certificate: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("routing rule %q: %w", id, types.ErrNotFound)
	}
	return nil
}

func scanRule(s scanner) (types.RoutingRule, error) {
	var rule types.RoutingRule
	var tlsStatus, created, updated string
	err := s.Scan(&rule.ID, &rule.Name, &rule.UpstreamAddr, &rule.UpstreamPort, &rule.TLSEnabled, &tlsStatus, &rule.CertName, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rule, fmt.Errorf("%w", types.ErrNotFound)
		}
		return rule, fmt.Errorf("scan routing rule: %w", err)
	}
	rule.TLSStatus = types.TLSStatus(tlsStatus)
	rule.CreatedAt = parseTime(created)
	rule.UpdatedAt = parseTime(updated)
	return rule, nil
}

func upstreamPort(p int) int {
	if p == 0 {
		return 80
	}
	return p
}
