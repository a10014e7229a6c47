package deploy_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/proxyops/internal/audit"
	"github.com/eniac111/proxyops/internal/deploy"
	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/render"
	"github.com/eniac111/proxyops/internal/retry"
	"github.com/eniac111/proxyops/internal/ssh"
	"github.com/eniac111/proxyops/internal/ssh/sshtest"
	"github.com/eniac111/proxyops/internal/store/sqlite"
	"github.com/eniac111/proxyops/internal/task"
	"github.com/eniac111/proxyops/internal/types"
)

const (
	availableA = "/etc/nginx/sites-available/a_example_com"
	enabledDir = "/etc/nginx/sites-enabled"
	enabledA   = enabledDir + "/a_example_com"
)

type fixture struct {
	host  *sshtest.Host
	store *sqlite.Store
	orch  *deploy.Orchestrator
}

func newFixture(t *testing.T, dialer ssh.Dialer) *fixture {
	t.Helper()
	host := sshtest.NewHost()
	if dialer == nil {
		dialer = sshtest.Static(host)
	}

	store := sqlite.NewStore(sqlite.OpenTestDB(t))
	require.NoError(t, store.Import(context.Background(), types.Inventory{
		Targets: []types.Target{
			{ID: "edge-1", Name: "edge-1", Address: "10.0.0.5", User: "deploy", Password: "pw"},
			{ID: "lonely", Name: "lonely", Address: "10.0.0.6", User: "deploy", Password: "pw"},
		},
		Rules: []types.RoutingRule{
			{ID: "r-a", Name: "a.example.com", UpstreamAddr: "10.1.0.1", UpstreamPort: 3000, TLSEnabled: true},
			{ID: "r-b", Name: "b.example.com", UpstreamAddr: "10.1.0.2"},
		},
		Groups: []types.Group{
			{ID: "web", Name: "web", Targets: []string{"edge-1"}, Rules: []string{"r-a", "r-b"}},
		},
	}))

	log := logger.Discard()
	pool := ssh.NewPool(dialer, retry.Policy{MaxAttempts: 1}, log, nil)
	t.Cleanup(func() { _ = pool.ReleaseAll() })
	recorder := audit.NewRecorder(store.Audit, log)
	exec := remote.New(pool, recorder, log, nil)
	probe := render.RemoteProbe{Exec: exec}

	tasks := task.NewGroup(4, log, nil)
	t.Cleanup(func() { _ = tasks.Shutdown(context.Background()) })

	return &fixture{
		host:  host,
		store: store,
		orch: &deploy.Orchestrator{
			Targets:     store.Targets,
			Rules:       store.Rules,
			Deployments: store.Deployments,
			Sessions:    pool,
			Exec:        exec,
			Renderer:    render.New(store.Rules, probe),
			Probe:       probe,
			Audit:       recorder,
			Tasks:       tasks,
			Locks:       task.NewLocks(),
			Logger:      log,
		},
	}
}

func (f *fixture) deploy(t *testing.T) types.DeploymentRecord {
	t.Helper()
	started, err := f.orch.RequestDeployment(context.Background(), "edge-1")
	require.NoError(t, err)
	require.NotEmpty(t, started.DeploymentID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := f.orch.Wait(ctx, started)
	require.NoError(t, err)
	return rec
}

func (f *fixture) audit(t *testing.T, targetID, action string) []types.AuditLogEntry {
	t.Helper()
	entries, err := f.store.Audit.ListByTarget(context.Background(), targetID, 0)
	require.NoError(t, err)
	var out []types.AuditLogEntry
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) target(t *testing.T) types.Target {
	t.Helper()
	target, err := f.store.Targets.Get(context.Background(), "edge-1")
	require.NoError(t, err)
	return target
}

// appearAfterRender makes the certificate directory dir absent on the
// first existence check and present on every later one.
func appearAfterRender(f *fixture, dir string) {
	var checks atomic.Int32
	f.host.Handle("test -e "+dir, func(string) (string, string, int, error) {
		if checks.Add(1) == 1 {
			return "", "", 1, nil
		}
		return "", "", 0, nil
	})
}

// rewriteOnSed applies the placeholder swap for a.example.com to every
// listed file a sed command names.
func rewriteOnSed(f *fixture, files ...string) {
	swap := strings.NewReplacer(
		render.PlaceholderCert, "/etc/letsencrypt/live/a.example.com/fullchain.pem",
		render.PlaceholderKey, "/etc/letsencrypt/live/a.example.com/privkey.pem",
	)
	f.host.Handle("sed -i", func(cmd string) (string, string, int, error) {
		for _, p := range files {
			if !strings.Contains(cmd, " "+p) {
				continue
			}
			if c, ok := f.host.ReadFile(p); ok {
				f.host.WriteFile(p, swap.Replace(c))
			}
		}
		return "", "", 0, nil
	})
}

func TestDeployAppliesArtifacts(t *testing.T) {
	f := newFixture(t, nil)
	f.host.WriteFile(enabledDir+"/default", "server { listen 80 default_server; }\n")

	rec := f.deploy(t)

	require.Equal(t, types.DeploymentDeployed, rec.Status, rec.Detail)
	require.Len(t, rec.Artifacts.Sites, 2)

	main, ok := f.host.ReadFile("/etc/nginx/nginx.conf")
	require.True(t, ok)
	assert.Equal(t, strings.TrimRight(rec.Artifacts.Main, "\n"), strings.TrimRight(main, "\n"))

	siteA, ok := f.host.ReadFile(availableA)
	require.True(t, ok)
	assert.Contains(t, siteA, render.PlaceholderCert)
	assert.Contains(t, siteA, "proxy_pass http://10.1.0.1:3000;")

	assert.Equal(t, []string{
		"a_example_com -> /etc/nginx/sites-available/a_example_com",
		"b_example_com -> /etc/nginx/sites-available/b_example_com",
	}, f.host.List(enabledDir))

	assert.Equal(t, 1, f.host.CountCommands(deploy.ValidateCommand))
	assert.Equal(t, 1, f.host.CountCommands("systemctl reload nginx"))

	entries := f.audit(t, "edge-1", types.ActionProxyDeployment)
	require.NotEmpty(t, entries)
	assert.Equal(t, types.OutcomeSuccess, entries[0].Outcome)

	target, err := f.store.Targets.Get(context.Background(), "edge-1")
	require.NoError(t, err)
	assert.Equal(t, types.TargetStatusActive, target.Status)
}

func TestDeployIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	first := f.deploy(t)
	require.Equal(t, types.DeploymentDeployed, first.Status, first.Detail)
	siteA, _ := f.host.ReadFile(availableA)
	layout := f.host.List(enabledDir)

	second := f.deploy(t)
	require.Equal(t, types.DeploymentDeployed, second.Status, second.Detail)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Artifacts.Sites, second.Artifacts.Sites)
	again, _ := f.host.ReadFile(availableA)
	assert.Equal(t, siteA, again)
	assert.Equal(t, layout, f.host.List(enabledDir))
}

func TestDeployRemediatesDuplicateDefaultOnce(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int32
	f.host.Handle("nginx -t", func(string) (string, string, int, error) {
		if calls.Add(1) == 1 {
			return "nginx: [emerg] a duplicate default server for 0.0.0.0:80 in /etc/nginx/sites-enabled/b_example_com:3\n" +
				"nginx: configuration file /etc/nginx/nginx.conf test failed\n", "", 1, nil
		}
		return "nginx: configuration file /etc/nginx/nginx.conf test is successful\n", "", 0, nil
	})

	rec := f.deploy(t)

	require.Equal(t, types.DeploymentDeployed, rec.Status, rec.Detail)
	assert.Equal(t, 2, f.host.CountCommands(deploy.ValidateCommand))
	assert.Equal(t, 1, f.host.CountCommands("s/ default_server//g"))
	assert.Equal(t, 1, f.host.CountCommands("systemctl reload nginx"))
}

func TestDeployRemediationRetriedOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Handle("nginx -t", func(string) (string, string, int, error) {
		return "nginx: [emerg] a duplicate default server for 0.0.0.0:80\n", "", 1, nil
	})

	rec := f.deploy(t)

	require.Equal(t, types.DeploymentError, rec.Status)
	assert.Contains(t, rec.Detail, "after remediation")
	assert.Equal(t, 2, f.host.CountCommands(deploy.ValidateCommand))
	assert.Equal(t, 1, f.host.CountCommands("s/ default_server//g"))
	assert.Zero(t, f.host.CountCommands("systemctl reload nginx"))
}

func TestDeployOtherValidationFailureIsNotRemediated(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Handle("nginx -t", func(string) (string, string, int, error) {
		return "nginx: [emerg] unknown directive \"proxy_pas\"\n", "", 1, nil
	})

	rec := f.deploy(t)

	require.Equal(t, types.DeploymentError, rec.Status)
	assert.Contains(t, rec.Detail, types.ErrConfigValidation.Error())
	assert.Contains(t, rec.Detail, "unknown directive")
	assert.Equal(t, 1, f.host.CountCommands(deploy.ValidateCommand))
	assert.Zero(t, f.host.CountCommands("default_server"))
	assert.Zero(t, f.host.CountCommands("systemctl reload nginx"))

	entries := f.audit(t, "edge-1", types.ActionProxyDeployment)
	require.NotEmpty(t, entries)
	assert.Equal(t, types.OutcomeError, entries[0].Outcome)
}

func TestDeployEmptyRuleSetIsRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.RequestDeployment(context.Background(), "lonely")

	require.ErrorIs(t, err, types.ErrNoRoutingRules)
	records, err := f.store.Deployments.ListByTarget(context.Background(), "lonely")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, f.host.CountCommands("nginx"))

	entries := f.audit(t, "lonely", types.ActionProxyDeployment)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutcomeError, entries[0].Outcome)
	assert.Contains(t, entries[0].Detail, "rejected")
}

func TestDeployUnreachableTargetIsRejected(t *testing.T) {
	dialer := &sshtest.Dialer{New: func(types.Target) (ssh.Conn, error) {
		return nil, fmt.Errorf("dial tcp 10.0.0.5:22: connection refused: %w", types.ErrConnectivity)
	}}
	f := newFixture(t, dialer)

	_, err := f.orch.RequestDeployment(context.Background(), "edge-1")

	require.ErrorIs(t, err, types.ErrConnectivity)
	records, err := f.store.Deployments.ListByTarget(context.Background(), "edge-1")
	require.NoError(t, err)
	assert.Empty(t, records)

	target, err := f.store.Targets.Get(context.Background(), "edge-1")
	require.NoError(t, err)
	assert.Equal(t, types.TargetStatusError, target.Status)
	require.NotNil(t, target.LastCheck)

	checks := f.audit(t, "edge-1", types.ActionConnectivityCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, types.OutcomeError, checks[0].Outcome)
}

func TestDeployUnknownTarget(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.RequestDeployment(context.Background(), "ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeployWriteFailureKeepsLiveConfig(t *testing.T) {
	f := newFixture(t, nil)
	f.host.FailUpload = true
	f.host.Handle("base64 -d", func(string) (string, string, int, error) {
		return "", "tee: Permission denied\n", 1, nil
	})

	rec := f.deploy(t)

	require.Equal(t, types.DeploymentError, rec.Status)
	assert.Contains(t, rec.Detail, "all write tiers failed")
	assert.Zero(t, f.host.CountCommands(deploy.ValidateCommand))
	assert.Zero(t, f.host.CountCommands("systemctl reload nginx"))
	assert.Len(t, rec.Artifacts.Sites, 2)
}

func TestDeployActivatesCertificatesIssuedAfterRender(t *testing.T) {
	f := newFixture(t, nil)
	appearAfterRender(f, "/etc/letsencrypt/live/a.example.com")

	rec := f.deploy(t)

	require.Equal(t, types.DeploymentDeployed, rec.Status, rec.Detail)
	assert.Contains(t, rec.Artifacts.Sites["a.example.com"], render.PlaceholderCert)
	target := f.target(t)
	assert.Equal(t, 1, f.host.CountCommands(deploy.CertificateRewriteCommand(target, "a.example.com", availableA)))
	assert.Zero(t, f.host.CountCommands("live/b.example.com"))
}

func TestDeployActivatesSharedLineage(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Rules.BindCertificate(context.Background(), "r-a", "shared.example.com"))
	appearAfterRender(f, "/etc/letsencrypt/live/shared.example.com")

	rec := f.deploy(t)

	require.Equal(t, types.DeploymentDeployed, rec.Status, rec.Detail)
	assert.Equal(t, 1, f.host.CountCommands(deploy.CertificateRewriteCommand(f.target(t), "shared.example.com", availableA)))
	assert.Zero(t, f.host.CountCommands("live/a.example.com"))
}

func TestDeploySymlinkFallbackCopiesContent(t *testing.T) {
	f := newFixture(t, nil)
	f.host.SuppressSymlinks = true
	appearAfterRender(f, "/etc/letsencrypt/live/a.example.com")
	rewriteOnSed(f, availableA, enabledA)

	rec := f.deploy(t)

	require.Equal(t, types.DeploymentDeployed, rec.Status, rec.Detail)
	assert.Equal(t, []string{"a_example_com", "b_example_com"}, f.host.List(enabledDir))
	assert.Equal(t, 1, f.host.CountCommands(deploy.CertificateRewriteCommand(f.target(t), "a.example.com", availableA, enabledA)))

	copied, _ := f.host.ReadFile(enabledA)
	canonical, _ := f.host.ReadFile(availableA)
	assert.Equal(t, canonical, copied)
	assert.NotContains(t, copied, render.PlaceholderCert)
	assert.Contains(t, copied, "ssl_certificate /etc/letsencrypt/live/a.example.com/fullchain.pem;")
}

func TestDeploySymlinkFallbackRefreshesCopy(t *testing.T) {
	f := newFixture(t, nil)
	f.host.SuppressSymlinks = true

	first := f.deploy(t)
	require.Equal(t, types.DeploymentDeployed, first.Status, first.Detail)

	rule, err := f.store.Rules.Get(context.Background(), "r-a")
	require.NoError(t, err)
	rule.UpstreamPort = 4000
	require.NoError(t, f.store.Rules.Save(context.Background(), rule))

	second := f.deploy(t)
	require.Equal(t, types.DeploymentDeployed, second.Status, second.Detail)

	copied, ok := f.host.ReadFile(enabledA)
	require.True(t, ok)
	assert.Contains(t, copied, "proxy_pass http://10.1.0.1:4000;")
	assert.NotContains(t, copied, ":3000;")
	canonical, _ := f.host.ReadFile(availableA)
	assert.Equal(t, canonical, copied)
}

func TestCertificateRewriteCommandQuotesScript(t *testing.T) {
	target := types.Target{ID: "edge-1", TLSDir: "/srv/tls"}

	cmd := deploy.CertificateRewriteCommand(target, "a.example.com", availableA, "/etc/nginx/sites enabled/a")

	assert.Equal(t, "sudo sed -i"+
		` -e 's|/etc/ssl/certs/ssl-cert-snakeoil\.pem|/srv/tls/live/a.example.com/fullchain.pem|g'`+
		` -e 's|/etc/ssl/private/ssl-cert-snakeoil\.key|/srv/tls/live/a.example.com/privkey.pem|g'`+
		" "+availableA+" '/etc/nginx/sites enabled/a'", cmd)
}

func TestConcurrentDeploymentsToOneTargetBothFinish(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.orch.RequestDeployment(context.Background(), "edge-1")
	require.NoError(t, err)
	second, err := f.orch.RequestDeployment(context.Background(), "edge-1")
	require.NoError(t, err)

	for _, s := range []deploy.Started{first, second} {
		rec, err := f.orch.Wait(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, types.DeploymentDeployed, rec.Status, rec.Detail)
	}
	assert.Equal(t, 2, f.host.CountCommands("systemctl reload nginx"))
}

func TestCheckConnectivity(t *testing.T) {
	f := newFixture(t, nil)

	target, err := f.orch.CheckConnectivity(context.Background(), "edge-1")

	require.NoError(t, err)
	assert.Equal(t, types.TargetStatusActive, target.Status)
	checks := f.audit(t, "edge-1", types.ActionConnectivityCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, types.OutcomeSuccess, checks[0].Outcome)
}

func TestInstallService(t *testing.T) {
	f := newFixture(t, nil)

	results, err := f.orch.InstallService(context.Background(), "edge-1")

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1, f.host.CountCommands("command -v nginx"))
	assert.Equal(t, 1, f.host.CountCommands("systemctl enable nginx"))
	assert.Equal(t, 1, f.host.CountCommands("mkdir -p /etc/nginx/sites-available /etc/nginx/sites-enabled"))

	entries := f.audit(t, "edge-1", types.ActionInstallService)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutcomeSuccess, entries[0].Outcome)
}

func TestInstallServiceFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Handle("command -v nginx", func(string) (string, string, int, error) {
		return "", "E: Unable to locate package nginx\n", 100, nil
	})

	results, err := f.orch.InstallService(context.Background(), "edge-1")

	require.ErrorIs(t, err, types.ErrRemoteCommand)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	entries := f.audit(t, "edge-1", types.ActionInstallService)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutcomeError, entries[0].Outcome)
}

type recordingIssuer struct {
	rules chan []types.RoutingRule
}

func (r recordingIssuer) Issue(_ context.Context, _ types.Target, rules []types.RoutingRule) (*task.Handle, error) {
	r.rules <- rules
	return nil, nil
}

func TestIssueOnDeployRequestsMissingCertificates(t *testing.T) {
	f := newFixture(t, nil)
	issuer := recordingIssuer{rules: make(chan []types.RoutingRule, 1)}
	f.orch.Issuer = issuer
	f.orch.IssueOnDeploy = true

	rec := f.deploy(t)
	require.Equal(t, types.DeploymentDeployed, rec.Status, rec.Detail)

	select {
	case rules := <-issuer.rules:
		require.Len(t, rules, 1)
		assert.Equal(t, "a.example.com", rules[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("issuance was not requested")
	}
}
