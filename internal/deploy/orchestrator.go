// Package deploy pushes rendered proxy configuration to targets.
//
// A deployment request is checked synchronously: the target must be
// reachable and must resolve at least one routing rule. Everything after
// that runs as a background task holding the target's lock, and its outcome
// is only visible through the DeploymentRecord and the audit log.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/metrics"
	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/task"
	"github.com/eniac111/proxyops/internal/types"
)

// Renderer builds the documents for a target. *render.Renderer implements it.
type Renderer interface {
	Render(ctx context.Context, t types.Target) (types.Artifacts, error)
}

// CertProbe reports whether the material of a certificate lineage exists on
// a target.
type CertProbe interface {
	CertificatesPresent(ctx context.Context, t types.Target, lineage string) (bool, error)
}

// Issuer starts certificate issuance for a target. *certs.Issuer implements it.
type Issuer interface {
	Issue(ctx context.Context, t types.Target, rules []types.RoutingRule) (*task.Handle, error)
}

// Started is returned when a deployment has been dispatched.
type Started struct {
	DeploymentID string
	Handle       *task.Handle
}

// Orchestrator runs deployments, connectivity checks and service installs.
type Orchestrator struct {
	Targets     types.TargetRepository
	Rules       types.RuleRepository
	Deployments types.DeploymentRepository
	Sessions    remote.Sessions
	Exec        *remote.Executor
	Renderer    Renderer
	Probe       CertProbe
	Audit       remote.Auditor
	Tasks       *task.Group
	Locks       *task.Locks

	// Issuer, when set together with IssueOnDeploy, requests certificates
	// for TLS rules still lacking material after a successful deployment.
	Issuer        Issuer
	IssueOnDeploy bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	lockOnce sync.Once
	now      func() time.Time
	newID    func() string
}

// CheckConnectivity probes a target, records the result on the target and
// in the audit log, and returns the refreshed target.
func (o *Orchestrator) CheckConnectivity(ctx context.Context, targetID string) (types.Target, error) {
	t, err := o.Targets.Get(ctx, targetID)
	if err != nil {
		return types.Target{}, fmt.Errorf("load target %s: %w", targetID, err)
	}
	if err := o.checkTarget(ctx, &t); err != nil {
		return t, err
	}
	return t, nil
}

func (o *Orchestrator) checkTarget(ctx context.Context, t *types.Target) error {
	_, probeErr := o.Sessions.Acquire(ctx, *t)

	checked := o.clock()
	status := types.TargetStatusActive
	if probeErr != nil {
		status = types.TargetStatusError
	}
	if err := o.Targets.UpdateStatus(ctx, t.ID, status, checked); err != nil {
		o.log().Error("failed to update target status", logger.Target(t.ID), logger.Error(err))
	}
	t.Status = status
	t.LastCheck = &checked

	if probeErr != nil {
		o.log().Warn("target unreachable", logger.Target(t.ID), logger.Error(probeErr))
		o.record(ctx, t.ID, types.ActionConnectivityCheck, types.OutcomeError,
			fmt.Sprintf("Connectivity check failed: %v", probeErr))
		return probeErr
	}
	o.record(ctx, t.ID, types.ActionConnectivityCheck, types.OutcomeSuccess, "Server is reachable")
	return nil
}

// RequestDeployment validates the preconditions for deploying to a target,
// creates the DeploymentRecord with the rendered snapshot and dispatches the
// remaining steps. A returned error means the request was rejected and no
// background work was started.
func (o *Orchestrator) RequestDeployment(ctx context.Context, targetID string) (Started, error) {
	t, err := o.Targets.Get(ctx, targetID)
	if err != nil {
		return Started{}, fmt.Errorf("load target %s: %w", targetID, err)
	}

	if err := o.checkTarget(ctx, &t); err != nil {
		return Started{}, o.reject(ctx, t, err)
	}

	arts, err := o.Renderer.Render(ctx, t)
	if err != nil {
		return Started{}, o.reject(ctx, t, fmt.Errorf("render configuration: %w", err))
	}
	if len(arts.Sites) == 0 {
		return Started{}, o.reject(ctx, t, fmt.Errorf("target %s: %w", t.ID, types.ErrNoRoutingRules))
	}

	now := o.clock()
	rec := types.DeploymentRecord{
		ID:        o.id(),
		TargetID:  t.ID,
		Artifacts: arts,
		Status:    types.DeploymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.Deployments.Create(ctx, rec); err != nil {
		return Started{}, o.reject(ctx, t, fmt.Errorf("create deployment record: %w", err))
	}

	o.record(ctx, t.ID, types.ActionProxyDeployment, types.OutcomePending,
		fmt.Sprintf("Deployment %s started with %d site documents", rec.ID, len(arts.Sites)))

	h, err := o.Tasks.Submit(ctx, "deploy "+t.ID, func(ctx context.Context) error {
		return o.execute(ctx, t, rec)
	})
	if err != nil {
		o.finish(ctx, t, rec.ID, err, now)
		return Started{}, fmt.Errorf("dispatch deployment %s: %w", rec.ID, err)
	}
	o.log().Info("deployment dispatched",
		logger.Target(t.ID), logger.Deployment(rec.ID), logger.Task(h.ID), slog.Int("sites", len(arts.Sites)))
	return Started{DeploymentID: rec.ID, Handle: h}, nil
}

// reject records a precondition failure. No DeploymentRecord exists for it.
func (o *Orchestrator) reject(ctx context.Context, t types.Target, err error) error {
	o.log().Warn("deployment rejected", logger.Target(t.ID), logger.Error(err))
	o.record(ctx, t.ID, types.ActionProxyDeployment, types.OutcomeError,
		fmt.Sprintf("Deployment rejected: %v", err))
	o.Metrics.DeploymentFinished("rejected", 0)
	return err
}

// execute is the background unit of work for one DeploymentRecord. Its
// error is reported through the record, never to the original caller.
func (o *Orchestrator) execute(ctx context.Context, t types.Target, rec types.DeploymentRecord) error {
	unlock, err := o.locks().Lock(ctx, t.ID)
	if err != nil {
		o.finish(ctx, t, rec.ID, err, o.clock())
		return err
	}
	start := o.clock()
	d := o.newDeployment(t, rec.Artifacts)
	err = d.run(ctx)
	o.finish(ctx, t, rec.ID, err, start)
	unlock()

	if err == nil {
		o.issueMissing(ctx, t)
	}
	return err
}

func (o *Orchestrator) finish(ctx context.Context, t types.Target, deploymentID string, runErr error, start time.Time) {
	log := o.log().With(logger.Target(t.ID), logger.Deployment(deploymentID))

	status, outcome := types.DeploymentDeployed, types.OutcomeSuccess
	detail := fmt.Sprintf("Deployment %s applied", deploymentID)
	if runErr != nil {
		status, outcome = types.DeploymentError, types.OutcomeError
		detail = fmt.Sprintf("Deployment %s failed: %v", deploymentID, runErr)
	}

	if err := o.Deployments.UpdateStatus(ctx, deploymentID, status, detail); err != nil {
		log.Error("failed to update deployment record", slog.String("status", string(status)), logger.Error(err))
	}
	o.record(ctx, t.ID, types.ActionProxyDeployment, outcome, detail)
	o.Metrics.DeploymentFinished(string(status), o.clock().Sub(start))

	if runErr != nil {
		log.Error("deployment failed", logger.Error(runErr), logger.Elapsed(start))
		return
	}
	log.Info("deployment finished", logger.Elapsed(start))
}

func (o *Orchestrator) issueMissing(ctx context.Context, t types.Target) {
	if !o.IssueOnDeploy || o.Issuer == nil || o.Rules == nil {
		return
	}
	rules, err := o.Rules.ListByTarget(ctx, t.ID)
	if err != nil {
		o.log().Error("failed to list rules for issuance", logger.Target(t.ID), logger.Error(err))
		return
	}
	var missing []types.RoutingRule
	for _, r := range rules {
		if !r.TLSEnabled {
			continue
		}
		present, err := o.probe().CertificatesPresent(ctx, t, r.Lineage())
		if err != nil || !present {
			missing = append(missing, r)
		}
	}
	if len(missing) == 0 {
		return
	}
	if _, err := o.Issuer.Issue(ctx, t, missing); err != nil {
		o.log().Error("failed to request certificate issuance", logger.Target(t.ID), logger.Error(err))
	}
}

// InstallService makes sure the proxy service is installed, enabled and
// running, and that its configuration directories exist.
func (o *Orchestrator) InstallService(ctx context.Context, targetID string) ([]types.StepResult, error) {
	t, err := o.Targets.Get(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("load target %s: %w", targetID, err)
	}
	if err := o.checkTarget(ctx, &t); err != nil {
		return nil, err
	}

	unlock, err := o.locks().Lock(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d := o.newDeployment(t, types.Artifacts{})
	res := d.ensureService(ctx)
	if res.Failed() {
		o.record(ctx, t.ID, types.ActionInstallService, types.OutcomeError,
			fmt.Sprintf("Service installation failed: %s", res.Msg))
		return d.results, fmt.Errorf("%s: %w", res.Step, res.Err)
	}
	o.record(ctx, t.ID, types.ActionInstallService, types.OutcomeSuccess, res.Msg)
	return d.results, nil
}

// Wait blocks until a started deployment finishes and returns the final
// record. Giving up on ctx does not stop the deployment.
func (o *Orchestrator) Wait(ctx context.Context, s Started) (types.DeploymentRecord, error) {
	select {
	case <-s.Handle.Done():
	case <-ctx.Done():
		return types.DeploymentRecord{}, ctx.Err()
	}
	return o.Deployments.Get(ctx, s.DeploymentID)
}

func (o *Orchestrator) locks() *task.Locks {
	o.lockOnce.Do(func() {
		if o.Locks == nil {
			o.Locks = task.NewLocks()
		}
	})
	return o.Locks
}

func (o *Orchestrator) record(ctx context.Context, targetID, action string, outcome types.Outcome, detail string) {
	if o.Audit == nil {
		return
	}
	o.Audit.Record(ctx, targetID, action, outcome, detail)
}

func (o *Orchestrator) probe() CertProbe {
	if o.Probe == nil {
		return noCertificates{}
	}
	return o.Probe
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) id() string {
	if o.newID != nil {
		return o.newID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) log() *slog.Logger {
	return logger.OrDefault(o.Logger)
}

type noCertificates struct{}

func (noCertificates) CertificatesPresent(context.Context, types.Target, string) (bool, error) {
	return false, nil
}
