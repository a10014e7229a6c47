package render_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/render"
	"github.com/eniac111/proxyops/internal/retry"
	"github.com/eniac111/proxyops/internal/ssh"
	"github.com/eniac111/proxyops/internal/ssh/sshtest"
	"github.com/eniac111/proxyops/internal/types"
)

type staticRules map[string][]types.RoutingRule

func (s staticRules) ListByTarget(_ context.Context, id string) ([]types.RoutingRule, error) {
	return s[id], nil
}

type probeMap map[string]bool

func (p probeMap) CertificatesPresent(_ context.Context, _ types.Target, lineage string) (bool, error) {
	return p[lineage], nil
}

var edge = types.Target{ID: "edge-1", Name: "edge-1", Address: "10.0.0.5", User: "deploy", Password: "pw"}

func rules() staticRules {
	return staticRules{"edge-1": {
		{ID: "r2", Name: "plain.example.com", UpstreamAddr: "10.1.0.2", UpstreamPort: 8080},
		{ID: "r1", Name: "secure.example.com", UpstreamAddr: "10.1.0.1", UpstreamPort: 3000, TLSEnabled: true},
		{ID: "r3", Name: "pending.example.com", UpstreamAddr: "10.1.0.3", TLSEnabled: true},
		{ID: "r1", Name: "secure.example.com", UpstreamAddr: "10.1.0.1", UpstreamPort: 3000, TLSEnabled: true},
	}}
}

func TestRenderTLSSubstitution(t *testing.T) {
	r := render.New(rules(), probeMap{"secure.example.com": true})

	art, err := r.Render(context.Background(), edge)
	require.NoError(t, err)
	require.Len(t, art.Sites, 3)

	secure := art.Sites["secure.example.com"]
	assert.Contains(t, secure, "ssl_certificate /etc/letsencrypt/live/secure.example.com/fullchain.pem;")
	assert.Contains(t, secure, "ssl_certificate_key /etc/letsencrypt/live/secure.example.com/privkey.pem;")
	assert.NotContains(t, secure, "snakeoil")
	assert.Contains(t, secure, "proxy_pass http://10.1.0.1:3000;")

	pending := art.Sites["pending.example.com"]
	assert.Contains(t, pending, "ssl_certificate "+render.PlaceholderCert+";")
	assert.Contains(t, pending, "ssl_certificate_key "+render.PlaceholderKey+";")
	assert.Contains(t, pending, "proxy_pass http://10.1.0.3:80;")

	plain := art.Sites["plain.example.com"]
	assert.NotContains(t, plain, "ssl_certificate")
	assert.NotContains(t, plain, "listen 443")
	assert.Contains(t, plain, "server_name plain.example.com;")
}

func TestRenderIsDeterministic(t *testing.T) {
	r := render.New(rules(), probeMap{"secure.example.com": true})

	first, err := r.Render(context.Background(), edge)
	require.NoError(t, err)
	second, err := r.Render(context.Background(), edge)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRenderMainDocument(t *testing.T) {
	r := render.New(rules(), nil)

	art, err := r.Render(context.Background(), edge)
	require.NoError(t, err)

	assert.Contains(t, art.Main, "include /etc/nginx/sites-enabled/*;")
	assert.Contains(t, art.Main, "# plain.example.com -> 10.1.0.2:8080")
	assert.Contains(t, art.Main, "# secure.example.com -> 10.1.0.1:3000 (tls)")
	assert.Contains(t, art.Main, "edge-1")
}

func TestRenderCustomConfigDir(t *testing.T) {
	target := edge
	target.ConfigDir = "/opt/nginx/"
	r := render.New(rules(), nil)

	art, err := r.Render(context.Background(), target)
	require.NoError(t, err)

	assert.Contains(t, art.Main, "include /opt/nginx/sites-enabled/*;")
	assert.Contains(t, art.Main, "include /opt/nginx/modules-enabled/*.conf;")
	assert.Contains(t, art.Main, "include /opt/nginx/mime.types;")
	assert.Contains(t, art.Main, "include /opt/nginx/conf.d/*.conf;")
	assert.NotContains(t, art.Main, "/etc/nginx")
}

func TestRenderUsesSharedLineage(t *testing.T) {
	src := staticRules{"edge-1": {
		{ID: "r1", Name: "a.example.com", UpstreamAddr: "10.1.0.1", TLSEnabled: true, CertName: "a.example.com"},
		{ID: "r2", Name: "b.example.com", UpstreamAddr: "10.1.0.2", TLSEnabled: true, CertName: "a.example.com"},
	}}
	r := render.New(src, probeMap{"a.example.com": true})

	art, err := r.Render(context.Background(), edge)
	require.NoError(t, err)

	for _, name := range []string{"a.example.com", "b.example.com"} {
		assert.Contains(t, art.Sites[name], "ssl_certificate /etc/letsencrypt/live/a.example.com/fullchain.pem;", name)
		assert.NotContains(t, art.Sites[name], "snakeoil", name)
	}
}

func TestRenderEmptyRuleSet(t *testing.T) {
	r := render.New(staticRules{}, nil)

	art, err := r.Render(context.Background(), edge)

	require.NoError(t, err)
	assert.Empty(t, art.Sites)
	assert.NotNil(t, art.Sites)
}

type failingRules struct{}

func (failingRules) ListByTarget(context.Context, string) ([]types.RoutingRule, error) {
	return nil, errors.New("db closed")
}

func TestRenderPropagatesStoreErrors(t *testing.T) {
	_, err := render.New(failingRules{}, nil).Render(context.Background(), edge)
	assert.Error(t, err)
}

func TestRemoteProbe(t *testing.T) {
	host := sshtest.NewHost()
	host.WriteFile("/etc/letsencrypt/live/secure.example.com/fullchain.pem", "CERT")
	host.WriteFile("/etc/letsencrypt/live/secure.example.com/privkey.pem", "KEY")
	host.WriteFile("/etc/letsencrypt/live/half.example.com/fullchain.pem", "CERT")
	pool := ssh.NewPool(sshtest.Static(host), retry.Policy{MaxAttempts: 1}, logger.Discard(), nil)
	probe := render.RemoteProbe{Exec: remote.New(pool, nil, logger.Discard(), nil)}
	ctx := context.Background()

	ok, err := probe.CertificatesPresent(ctx, edge, "secure.example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = probe.CertificatesPresent(ctx, edge, "half.example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}
