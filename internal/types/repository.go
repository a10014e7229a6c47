package types

import (
	"context"
	"time"
)

// TargetRepository persists and retrieves managed targets.
type TargetRepository interface {
	Create(ctx context.Context, t Target) error
	Get(ctx context.Context, id string) (Target, error)
	List(ctx context.Context) ([]Target, error)
	UpdateStatus(ctx context.Context, id string, status TargetStatus, checkedAt time.Time) error
}

// RuleRepository persists routing rules and resolves which rules apply to a
// target through its group memberships.
type RuleRepository interface {
	Create(ctx context.Context, r RoutingRule) error
	Get(ctx context.Context, id string) (RoutingRule, error)
	ListByTarget(ctx context.Context, targetID string) ([]RoutingRule, error)
	UpdateTLSStatus(ctx context.Context, id string, status TLSStatus) error
	// BindCertificate records the lineage a rule was issued under and marks
	// its TLS status active.
	BindCertificate(ctx context.Context, id, certName string) error
}

// GroupRepository manages the grouping relation between targets and rules.
type GroupRepository interface {
	Create(ctx context.Context, g Group) error
	AddTarget(ctx context.Context, groupID, targetID string) error
	AddRule(ctx context.Context, groupID, ruleID string) error
}

// DeploymentRepository persists deployment records. Records are never deleted.
type DeploymentRepository interface {
	Create(ctx context.Context, d DeploymentRecord) error
	Get(ctx context.Context, id string) (DeploymentRecord, error)
	ListByTarget(ctx context.Context, targetID string) ([]DeploymentRecord, error)
	// UpdateStatus moves a pending record to a terminal status. It returns
	// ErrInvalidArgument if the record is already terminal.
	UpdateStatus(ctx context.Context, id string, status DeploymentStatus, detail string) error
}

// AuditRepository is the append-only audit log.
type AuditRepository interface {
	Append(ctx context.Context, e AuditLogEntry) error
	ListByTarget(ctx context.Context, targetID string, limit int) ([]AuditLogEntry, error)
}
