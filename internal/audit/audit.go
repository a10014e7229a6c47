// Package audit writes the append-only operation log for targets.
package audit

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/types"
)

// maxDetail bounds the free-text detail stored per entry.
const maxDetail = 4000

// Recorder appends audit entries. Persistence failures are logged and
// swallowed so that callers never fail because the audit log is down.
type Recorder struct {
	Repo   types.AuditRepository
	Logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder writing to repo.
func NewRecorder(repo types.AuditRepository, log *slog.Logger) *Recorder {
	return &Recorder{Repo: repo, Logger: logger.OrDefault(log)}
}

// Record appends one entry.
func (r *Recorder) Record(ctx context.Context, targetID, action string, outcome types.Outcome, detail string) {
	if r == nil || r.Repo == nil {
		return
	}
	detail = truncate(detail)
	entry := types.AuditLogEntry{
		TargetID:  targetID,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: r.clock(),
	}
	// The entry must land even if the operation's own context has expired.
	if err := r.Repo.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.OrDefault(r.Logger).Error("failed to write audit entry",
			logger.Target(targetID),
			slog.String("action", action),
			slog.String("outcome", string(outcome)),
			logger.Error(err),
		)
	}
}

// truncate bounds detail to maxDetail bytes without splitting a rune.
func truncate(detail string) string {
	if len(detail) <= maxDetail {
		return detail
	}
	cut := maxDetail
	for cut > 0 && !utf8.RuneStart(detail[cut]) {
		cut--
	}
	return detail[:cut] + "...(truncated)"
}

func (r *Recorder) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}
