// Package render turns a target and its routing rules into proxy
// configuration documents.
package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"net"
	"path"
	"sort"
	"strconv"
	"text/template"

	"github.com/eniac111/proxyops/internal/types"
)

// Self-signed material referenced until a real certificate exists.
const (
	PlaceholderCert = "/etc/ssl/certs/ssl-cert-snakeoil.pem"
	PlaceholderKey  = "/etc/ssl/private/ssl-cert-snakeoil.key"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(
	template.New("").Funcs(template.FuncMap{"upstream": upstream}).ParseFS(templateFS, "templates/*.tmpl"),
)

// RuleSource resolves the routing rules reachable from a target.
type RuleSource interface {
	ListByTarget(ctx context.Context, targetID string) ([]types.RoutingRule, error)
}

// CertProbe reports whether the material of a certificate lineage exists on
// a target.
type CertProbe interface {
	CertificatesPresent(ctx context.Context, t types.Target, lineage string) (bool, error)
}

// NoCertificates is a CertProbe that always reports absent material.
type NoCertificates struct{}

func (NoCertificates) CertificatesPresent(context.Context, types.Target, string) (bool, error) {
	return false, nil
}

// Renderer builds the documents for one target.
type Renderer struct {
	Rules RuleSource
	Probe CertProbe
}

// New returns a Renderer.
func New(rules RuleSource, probe CertProbe) *Renderer {
	if probe == nil {
		probe = NoCertificates{}
	}
	return &Renderer{Rules: rules, Probe: probe}
}

// Render returns the main document and one site document per rule name.
// A target with no reachable rules yields an empty site map and no error;
// callers decide whether that is acceptable.
func (r *Renderer) Render(ctx context.Context, t types.Target) (types.Artifacts, error) {
	rules, err := r.Rules.ListByTarget(ctx, t.ID)
	if err != nil {
		return types.Artifacts{}, fmt.Errorf("resolve routing rules for %s: %w", t.ID, err)
	}
	rules = dedupe(rules)

	sites := make(map[string]string, len(rules))
	for _, rule := range rules {
		present := false
		if rule.TLSEnabled {
			present, err = r.Probe.CertificatesPresent(ctx, t, rule.Lineage())
			if err != nil {
				return types.Artifacts{}, fmt.Errorf("probe certificates for %s: %w", rule.Name, err)
			}
		}
		doc, err := Site(t, rule, present)
		if err != nil {
			return types.Artifacts{}, err
		}
		sites[rule.Name] = doc
	}

	main, err := Main(t, rules)
	if err != nil {
		return types.Artifacts{}, err
	}
	return types.Artifacts{Main: main, Sites: sites}, nil
}

// Main renders the main proxy document.
func Main(t types.Target, rules []types.RoutingRule) (string, error) {
	name := t.Name
	if name == "" {
		name = t.ID
	}
	data := struct {
		TargetName string
		ConfigDir  string
		EnabledDir string
		Rules      []types.RoutingRule
	}{name, path.Dir(t.MainConfigPath()), t.EnabledDir(), rules}
	return execute("nginx.conf.tmpl", data)
}

// Site renders the document for one rule. certsPresent selects between the
// issued material and the placeholder pair; it is ignored when TLS is off.
func Site(t types.Target, rule types.RoutingRule, certsPresent bool) (string, error) {
	data := struct {
		Name     string
		Upstream string
		TLS      bool
		CertPath string
		KeyPath  string
	}{Name: rule.Name, Upstream: upstream(rule), TLS: rule.TLSEnabled}
	if rule.TLSEnabled {
		data.CertPath, data.KeyPath = PlaceholderCert, PlaceholderKey
		if certsPresent {
			data.CertPath, data.KeyPath = t.CertificatePaths(rule.Lineage())
		}
	}
	return execute("site.conf.tmpl", data)
}

func execute(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func upstream(rule types.RoutingRule) string {
	port := rule.UpstreamPort
	if port == 0 {
		port = 80
	}
	return net.JoinHostPort(rule.UpstreamAddr, strconv.Itoa(port))
}

// dedupe drops repeated rule names and sorts by name so output is stable.
func dedupe(rules []types.RoutingRule) []types.RoutingRule {
	seen := make(map[string]bool, len(rules))
	out := make([]types.RoutingRule, 0, len(rules))
	for _, r := range rules {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
