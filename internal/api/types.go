package api

import "github.com/eniac111/proxyops/internal/types"

// DeployResponse is returned by POST /api/targets/{id}/deploy.
type DeployResponse struct {
	Status       string `json:"status"`
	DeploymentID string `json:"deployment_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// IssueRequest is the optional body of POST /api/targets/{id}/certificates.
type IssueRequest struct {
	RuleIDs []string `json:"rule_ids"`
}

// IssueResponse is returned when certificate issuance was dispatched.
type IssueResponse struct {
	Status string   `json:"status"`
	TaskID string   `json:"task_id"`
	Names  []string `json:"names"`
}

// AuditResponse wraps a page of audit entries.
type AuditResponse struct {
	Entries []types.AuditLogEntry `json:"entries"`
	Count   int                   `json:"count"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Response statuses.
const (
	StatusStarted  = "started"
	StatusRejected = "rejected"
)
