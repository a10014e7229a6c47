// Package certs obtains certificates for routing rules on a target and
// reports progress to an optional observer.
package certs

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/metrics"
	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/task"
	"github.com/eniac111/proxyops/internal/types"
)

// Remote commands for the issuance client. Both are safe to repeat.
const (
	InstallClientCommand = "command -v certbot >/dev/null 2>&1 || " +
		"(sudo apt-get update -q && sudo DEBIAN_FRONTEND=noninteractive apt-get install -y certbot python3-certbot-nginx)"
	FixDependenciesCommand = "python3 -c 'import OpenSSL.crypto' >/dev/null 2>&1 || " +
		"sudo pip3 install --upgrade pyOpenSSL cryptography || " +
		"sudo DEBIAN_FRONTEND=noninteractive apt-get install -y --reinstall python3-openssl"
)

// IssueCommand requests a single certificate covering every name, stored
// under the lineage certName. Reissuing with a different name set replaces
// the lineage in place.
func IssueCommand(email, certName string, names []string) string {
	var b strings.Builder
	b.WriteString("sudo certbot certonly --nginx --non-interactive --agree-tos --expand --email ")
	b.WriteString(shellescape.Quote(email))
	b.WriteString(" --cert-name ")
	b.WriteString(shellescape.Quote(certName))
	for _, n := range names {
		b.WriteString(" -d ")
		b.WriteString(shellescape.Quote(n))
	}
	return b.String()
}

// Issuer runs the certificate workflow as background tasks. Once dispatched
// a workflow runs to completion whether or not anyone is observing it.
type Issuer struct {
	Targets  types.TargetRepository
	Rules    types.RuleRepository
	Exec     *remote.Executor
	Resolver Resolver
	Audit    remote.Auditor
	Tasks    *task.Group
	Locks    *task.Locks
	Email    string

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	lockOnce sync.Once
}

// Resolve loads a target and the TLS-enabled rules to issue for. With no
// rule IDs every TLS-enabled rule routed through the target is used.
func (i *Issuer) Resolve(ctx context.Context, targetID string, ruleIDs []string) (types.Target, []types.RoutingRule, error) {
	t, err := i.Targets.Get(ctx, targetID)
	if err != nil {
		return types.Target{}, nil, fmt.Errorf("load target %s: %w", targetID, err)
	}
	routed, err := i.Rules.ListByTarget(ctx, t.ID)
	if err != nil {
		return t, nil, fmt.Errorf("resolve routing rules for %s: %w", t.ID, err)
	}

	var rules []types.RoutingRule
	if len(ruleIDs) == 0 {
		for _, r := range routed {
			if r.TLSEnabled {
				rules = append(rules, r)
			}
		}
	} else {
		byID := make(map[string]types.RoutingRule, len(routed))
		for _, r := range routed {
			byID[r.ID] = r
		}
		for _, id := range ruleIDs {
			r, ok := byID[id]
			if !ok {
				return t, nil, fmt.Errorf("rule %s is not routed through target %s: %w", id, t.ID, types.ErrNotFound)
			}
			if !r.TLSEnabled {
				return t, nil, fmt.Errorf("rule %s does not have TLS enabled: %w", id, types.ErrInvalidArgument)
			}
			rules = append(rules, r)
		}
	}
	if len(rules) == 0 {
		return t, nil, fmt.Errorf("no TLS-enabled rules for target %s: %w", t.ID, types.ErrNoRoutingRules)
	}
	return t, rules, nil
}

// Issue dispatches issuance for rules on t without progress reporting.
func (i *Issuer) Issue(ctx context.Context, t types.Target, rules []types.RoutingRule) (*task.Handle, error) {
	return i.IssueStreaming(ctx, t, rules, nil)
}

// IssueStreaming dispatches issuance and reports each phase to obs, ending
// with one PhaseComplete event. The handle's error is the workflow outcome.
func (i *Issuer) IssueStreaming(ctx context.Context, t types.Target, rules []types.RoutingRule, obs Observer) (*task.Handle, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("target %s: %w", t.ID, types.ErrNoRoutingRules)
	}
	return i.Tasks.Submit(ctx, "issue "+t.ID, func(ctx context.Context) error {
		unlock, err := i.locks().Lock(ctx, t.ID)
		if err != nil {
			return err
		}
		defer unlock()
		w := &workflow{issuer: i, target: t, rules: rules, obs: obs, exec: i.Exec.For(t),
			log: logger.OrDefault(i.Logger).With(logger.Target(t.ID))}
		return w.run(ctx)
	})
}

func (i *Issuer) locks() *task.Locks {
	i.lockOnce.Do(func() {
		if i.Locks == nil {
			i.Locks = task.NewLocks()
		}
	})
	return i.Locks
}

func (i *Issuer) record(ctx context.Context, targetID string, outcome types.Outcome, detail string) {
	if i.Audit != nil {
		i.Audit.Record(ctx, targetID, types.ActionSSLSetup, outcome, detail)
	}
}

type workflow struct {
	issuer *Issuer
	target types.Target
	rules  []types.RoutingRule
	obs    Observer
	exec   *remote.Bound
	log    *slog.Logger

	lineage string
	// members are other routed rules already served by lineage. They stay
	// on the certificate when it is reissued.
	members []types.RoutingRule
}

func (w *workflow) run(ctx context.Context) error {
	w.lineage = lineageFor(w.rules)
	w.members = w.lineageMembers(ctx)
	names := ruleNames(append(append([]types.RoutingRule(nil), w.rules...), w.members...))
	w.issuer.record(ctx, w.target.ID, types.OutcomePending,
		fmt.Sprintf("Setting up SSL for %d domains: %s", len(names), strings.Join(names, ", ")))

	w.prepare(ctx, PhaseInstallClient, "Installing certificate client", InstallClientCommand, remote.LongRunning)
	w.prepare(ctx, PhaseFixDependencies, "Checking client dependencies", FixDependenciesCommand, remote.LongRunning)
	w.verify(ctx, names)

	if err := w.issue(ctx, names); err != nil {
		w.setTLSStatus(ctx, types.TLSStatusError)
		w.issuer.record(ctx, w.target.ID, types.OutcomeError, err.Error())
		w.issuer.Metrics.IssuanceFinished("error")
		w.emit(PhaseComplete, StatusError, err.Error())
		w.log.Error("certificate issuance failed", logger.Error(err))
		return err
	}

	w.bind(ctx)
	w.reportExpiry(ctx, names)
	msg := fmt.Sprintf("SSL certificates obtained for %d domains", len(names))
	w.issuer.record(ctx, w.target.ID, types.OutcomeSuccess, msg)
	w.issuer.Metrics.IssuanceFinished("success")
	w.emit(PhaseComplete, StatusSuccess, msg)
	w.log.Info("certificate issuance finished", slog.Int("domains", len(names)))
	return nil
}

// prepare runs an idempotent setup command. Failures are reported as
// warnings and issuance is attempted anyway.
func (w *workflow) prepare(ctx context.Context, phase Phase, msg, cmd string, class remote.TimeoutClass) {
	w.emit(phase, StatusRunning, msg)
	res, err := w.exec.RunStreaming(ctx, cmd, class, w.lines(phase))
	if err == nil {
		err = res.Check(cmd)
	}
	if err != nil {
		w.log.Warn("issuance preparation failed", slog.String("phase", string(phase)), logger.Error(err))
		w.emit(phase, StatusWarning, err.Error())
		return
	}
	w.emit(phase, StatusSuccess, msg+" done")
}

// verify checks that every name resolves to the target. The check is
// advisory only.
func (w *workflow) verify(ctx context.Context, names []string) {
	if w.issuer.Resolver == nil {
		w.emit(PhaseVerifyDomain, StatusWarning, "No resolver configured, skipping domain verification")
		return
	}
	want, err := w.targetIPs(ctx)
	if err != nil {
		w.emit(PhaseVerifyDomain, StatusWarning, fmt.Sprintf("Cannot resolve target address %s: %v", w.target.Address, err))
		return
	}
	for _, name := range names {
		got, err := w.issuer.Resolver.LookupA(ctx, name)
		switch {
		case err != nil:
			w.emit(PhaseVerifyDomain, StatusWarning, fmt.Sprintf("%s: lookup failed: %v", name, err))
		case !overlaps(got, want):
			w.emit(PhaseVerifyDomain, StatusWarning,
				fmt.Sprintf("%s resolves to %s, not to %s", name, joinIPs(got), w.target.Address))
		default:
			w.emit(PhaseVerifyDomain, StatusSuccess, fmt.Sprintf("%s points at %s", name, w.target.Address))
		}
	}
}

func (w *workflow) targetIPs(ctx context.Context) ([]net.IP, error) {
	if ip := net.ParseIP(w.target.Address); ip != nil {
		return []net.IP{ip}, nil
	}
	return w.issuer.Resolver.LookupA(ctx, w.target.Address)
}

func (w *workflow) issue(ctx context.Context, names []string) error {
	email := w.issuer.Email
	if email == "" {
		email = "admin@example.com"
	}
	cmd := IssueCommand(email, w.lineage, names)
	w.emit(PhaseIssue, StatusRunning, fmt.Sprintf("Requesting certificates for %s", strings.Join(names, ", ")))

	res, err := w.exec.RunStreaming(ctx, cmd, remote.LongRunning, w.lines(PhaseIssue))
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrIssuance, err)
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s", types.ErrIssuance, strings.TrimSpace(res.Output()))
	}
	w.emit(PhaseIssue, StatusSuccess, "Certificates issued")
	return nil
}

// reportExpiry reads the lineage certificate once and warns about names it
// does not cover.
func (w *workflow) reportExpiry(ctx context.Context, names []string) {
	cert, _ := w.target.CertificatePaths(w.lineage)
	res, err := w.exec.Run(ctx, "sudo cat "+shellescape.Quote(cert), remote.Interactive)
	if err == nil {
		err = res.Check("cat " + cert)
	}
	if err != nil {
		w.emit(PhaseIssue, StatusWarning, fmt.Sprintf("%s: cannot read certificate: %v", w.lineage, err))
		return
	}
	parsed, err := certcrypto.ParsePEMCertificate([]byte(res.Stdout))
	if err != nil {
		w.emit(PhaseIssue, StatusWarning, fmt.Sprintf("%s: cannot parse certificate: %v", w.lineage, err))
		return
	}
	w.emit(PhaseIssue, StatusSuccess,
		fmt.Sprintf("%s valid until %s", w.lineage, parsed.NotAfter.UTC().Format(time.RFC3339)))
	for _, name := range names {
		if err := parsed.VerifyHostname(name); err != nil {
			w.emit(PhaseIssue, StatusWarning, fmt.Sprintf("%s is not covered by certificate %s", name, w.lineage))
		}
	}
}

// lineageMembers returns routed TLS rules outside the run that already
// share its lineage.
func (w *workflow) lineageMembers(ctx context.Context) []types.RoutingRule {
	routed, err := w.issuer.Rules.ListByTarget(ctx, w.target.ID)
	if err != nil {
		w.log.Warn("cannot list rules sharing the certificate", slog.String("lineage", w.lineage), logger.Error(err))
		return nil
	}
	requested := make(map[string]bool, len(w.rules))
	for _, r := range w.rules {
		requested[r.ID] = true
	}
	var out []types.RoutingRule
	for _, r := range routed {
		if r.TLSEnabled && !requested[r.ID] && r.CertName == w.lineage {
			out = append(out, r)
		}
	}
	return out
}

func (w *workflow) bind(ctx context.Context) {
	for _, r := range w.rules {
		if err := w.issuer.Rules.BindCertificate(ctx, r.ID, w.lineage); err != nil {
			w.log.Error("failed to record rule certificate", slog.String("rule", r.ID), logger.Error(err))
		}
	}
}

func (w *workflow) setTLSStatus(ctx context.Context, status types.TLSStatus) {
	for _, r := range w.rules {
		if err := w.issuer.Rules.UpdateTLSStatus(ctx, r.ID, status); err != nil {
			w.log.Error("failed to update rule TLS status", slog.String("rule", r.ID), logger.Error(err))
		}
	}
}

func (w *workflow) emit(phase Phase, status Status, msg string) {
	if w.obs != nil {
		w.obs.Notify(Event{Phase: phase, Status: status, Message: msg})
	}
}

func (w *workflow) lines(phase Phase) remote.LineFunc {
	if w.obs == nil {
		return nil
	}
	return func(_ remote.Stream, line string) {
		w.emit(phase, StatusRunning, line)
	}
}

// lineageFor picks the lineage a run issues into: the one already held by
// the alphabetically first rule, which defaults to that rule's name.
func lineageFor(rules []types.RoutingRule) string {
	first := rules[0]
	for _, r := range rules[1:] {
		if r.Name < first.Name {
			first = r
		}
	}
	return first.Lineage()
}

func ruleNames(rules []types.RoutingRule) []string {
	seen := make(map[string]bool, len(rules))
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		if !seen[r.Name] {
			seen[r.Name] = true
			names = append(names, r.Name)
		}
	}
	sort.Strings(names)
	return names
}

func overlaps(got, want []net.IP) bool {
	for _, g := range got {
		for _, w := range want {
			if g.Equal(w) {
				return true
			}
		}
	}
	return false
}

func joinIPs(ips []net.IP) string {
	if len(ips) == 0 {
		return "nothing"
	}
	s := make([]string, len(ips))
	for i, ip := range ips {
		s[i] = ip.String()
	}
	return strings.Join(s, ", ")
}
