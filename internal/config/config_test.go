package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/proxyops/internal/config"
	"github.com/eniac111/proxyops/internal/types"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := config.Parse()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.InteractiveTimeout)
	assert.Equal(t, 600*time.Second, cfg.LongRunningTimeout)
	assert.Equal(t, []string{"/etc/", "/usr/"}, cfg.PrivilegedPrefixes)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.InDelta(t, 1.5, cfg.RetryBackoff, 0.0001)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("SSH_TIMEOUT", "5s")
	t.Setenv("PRIVILEGED_PREFIXES", "/etc/,/opt/")
	t.Setenv("ISSUE_CERTIFICATES_ON_DEPLOY", "true")

	cfg, err := config.Parse()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.InteractiveTimeout)
	assert.Equal(t, []string{"/etc/", "/opt/"}, cfg.PrivilegedPrefixes)
	assert.True(t, cfg.IssueCertsOnDeploy)
}

func TestParseRejectsZeroAttempts(t *testing.T) {
	t.Setenv("RETRY_ATTEMPTS", "0")

	_, err := config.Parse()
	assert.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	cfg, err := config.Parse()
	require.NoError(t, err)

	p := cfg.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.Delay)
}

func TestParseInventory(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("PEM"), 0o600))
	t.Setenv("EDGE_PASSWORD", "s3cret")

	doc := `
targets:
  - id: edge-1
    name: edge-1
    address: 10.0.0.5
    user: deploy
    key_path: ` + keyPath + `
  - name: edge-2
    address: 10.0.0.6
    user: deploy
    password: ${EDGE_PASSWORD}
rules:
  - name: app.example.com
    upstream_addr: 127.0.0.1
    upstream_port: 3000
    tls_enabled: true
groups:
  - name: web
    targets: [edge-1, edge-2]
    rules: [app.example.com]
`
	inv, err := config.ParseInventory([]byte(doc))
	require.NoError(t, err)

	require.Len(t, inv.Targets, 2)
	assert.Equal(t, "PEM", inv.Targets[0].Key)
	assert.Equal(t, "edge-2", inv.Targets[1].ID)
	assert.Equal(t, "s3cret", inv.Targets[1].Password)

	require.Len(t, inv.Rules, 1)
	assert.Equal(t, "app.example.com", inv.Rules[0].ID)
	assert.True(t, inv.Rules[0].TLSEnabled)

	require.Len(t, inv.Groups, 1)
	assert.Equal(t, "web", inv.Groups[0].ID)
	assert.Equal(t, []string{"app.example.com"}, inv.Groups[0].Rules)
}

func TestParseInventoryRequiresAddress(t *testing.T) {
	_, err := config.ParseInventory([]byte("targets:\n  - id: x\n    user: root\n"))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestParseInventoryRejectsNonHostnameRules(t *testing.T) {
	for _, name := range []string{`"a'b|c"`, `"../../etc/cron.d/x"`} {
		doc := "rules:\n  - id: r1\n    name: " + name + "\n    upstream_addr: 10.0.0.1\n"
		_, err := config.ParseInventory([]byte(doc))
		assert.ErrorIs(t, err, types.ErrInvalidArgument, name)
	}
}
