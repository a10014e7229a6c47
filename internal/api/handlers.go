package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/eniac111/proxyops/internal/certs"
	"github.com/eniac111/proxyops/internal/deploy"
	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/task"
	"github.com/eniac111/proxyops/internal/types"
)

const (
	defaultAuditLimit = 100
	streamBuffer      = 64
)

// Deployer is the slice of the orchestrator the API drives.
type Deployer interface {
	RequestDeployment(ctx context.Context, targetID string) (deploy.Started, error)
	CheckConnectivity(ctx context.Context, targetID string) (types.Target, error)
}

// CertIssuer is the slice of the certificate issuer the API drives.
type CertIssuer interface {
	Resolve(ctx context.Context, targetID string, ruleIDs []string) (types.Target, []types.RoutingRule, error)
	Issue(ctx context.Context, t types.Target, rules []types.RoutingRule) (*task.Handle, error)
	IssueStreaming(ctx context.Context, t types.Target, rules []types.RoutingRule, obs certs.Observer) (*task.Handle, error)
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	deployer    Deployer
	issuer      CertIssuer
	targets     types.TargetRepository
	deployments types.DeploymentRepository
	audit       types.AuditRepository
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deployer, i CertIssuer, targets types.TargetRepository, deployments types.DeploymentRepository, audit types.AuditRepository, log *slog.Logger) *Handlers {
	return &Handlers{
		deployer:    d,
		issuer:      i,
		targets:     targets,
		deployments: deployments,
		audit:       audit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.OrDefault(log),
	}
}

// HealthHandler handles GET /health.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListTargetsHandler handles GET /api/targets.
func (h *Handlers) ListTargetsHandler(w http.ResponseWriter, r *http.Request) {
	targets, err := h.targets.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

// CheckHandler handles POST /api/targets/{id}/check. An unreachable target
// is still a 200 carrying the target with its error status.
func (h *Handlers) CheckHandler(w http.ResponseWriter, r *http.Request) {
	t, err := h.deployer.CheckConnectivity(r.Context(), r.PathValue("id"))
	if err != nil && t.ID == "" {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeployHandler handles POST /api/targets/{id}/deploy. The reply only says
// whether the deployment started; its outcome is read from the record.
func (h *Handlers) DeployHandler(w http.ResponseWriter, r *http.Request) {
	started, err := h.deployer.RequestDeployment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, statusFor(err), DeployResponse{Status: StatusRejected, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, DeployResponse{
		Status:       StatusStarted,
		DeploymentID: started.DeploymentID,
		TaskID:       started.Handle.ID,
	})
}

// GetDeploymentHandler handles GET /api/deployments/{id}.
func (h *Handlers) GetDeploymentHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deployments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListDeploymentsHandler handles GET /api/targets/{id}/deployments.
func (h *Handlers) ListDeploymentsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.targets.Get(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	recs, err := h.deployments.ListByTarget(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if recs == nil {
		recs = []types.DeploymentRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// AuditHandler handles GET /api/targets/{id}/audit?limit=N.
func (h *Handlers) AuditHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := h.audit.ListByTarget(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if entries == nil {
		entries = []types.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Entries: entries, Count: len(entries)})
}

// IssueHandler handles POST /api/targets/{id}/certificates.
func (h *Handlers) IssueHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, rules, err := h.issuer.Resolve(r.Context(), r.PathValue("id"), req.RuleIDs)
	if err != nil {
		h.fail(w, err)
		return
	}
	handle, err := h.issuer.Issue(r.Context(), t, rules)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IssueResponse{Status: StatusStarted, TaskID: handle.ID, Names: names(rules)})
}

// IssueStreamHandler handles GET /api/targets/{id}/certificates/stream.
// Progress events are pushed over a websocket until the complete event.
// Closing the socket does not stop the issuance.
func (h *Handlers) IssueStreamHandler(w http.ResponseWriter, r *http.Request) {
	t, rules, err := h.issuer.Resolve(r.Context(), r.PathValue("id"), r.URL.Query()["rule"])
	if err != nil {
		h.fail(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()

	obs := certs.NewChannelObserver(streamBuffer)
	handle, err := h.issuer.IssueStreaming(r.Context(), t, rules, obs)
	if err != nil {
		_ = conn.WriteJSON(certs.Event{Phase: certs.PhaseComplete, Status: certs.StatusError, Message: err.Error()})
		return
	}

	log := h.logger.With(logger.Target(t.ID), logger.Task(handle.ID))
	stream(conn, obs, handle, log)
}

func stream(conn *websocket.Conn, obs *certs.ChannelObserver, handle *task.Handle, log *slog.Logger) {
	defer obs.Close()
	send := func(e certs.Event) bool {
		if err := conn.WriteJSON(e); err != nil {
			log.Warn("observer disconnected, issuance continues", logger.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case e := <-obs.Events():
			if !send(e) || e.Phase == certs.PhaseComplete {
				return
			}
		case <-handle.Done():
			for {
				select {
				case e := <-obs.Events():
					if !send(e) || e.Phase == certs.PhaseComplete {
						return
					}
				default:
					// The complete event was dropped from a full buffer.
					final := certs.Event{Phase: certs.PhaseComplete, Status: certs.StatusSuccess}
					if err := handle.Await(); err != nil {
						final.Status, final.Message = certs.StatusError, err.Error()
					}
					send(final)
					return
				}
			}
		}
	}
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", logger.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNoRoutingRules):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrConnectivity), errors.Is(err, types.ErrAuthentication):
		return http.StatusConflict
	case errors.Is(err, task.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func names(rules []types.RoutingRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Name
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
