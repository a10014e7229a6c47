package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/modules/file"
	"github.com/eniac111/proxyops/internal/modules/shell"
	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/render"
	"github.com/eniac111/proxyops/internal/types"
)

// Remote commands issued against the proxy service.
const (
	InstallCommand = "command -v nginx >/dev/null 2>&1 || " +
		"(sudo apt-get update -q && sudo DEBIAN_FRONTEND=noninteractive apt-get install -y nginx)"
	EnableCommand   = "sudo systemctl enable nginx && sudo systemctl start nginx"
	ValidateCommand = "sudo nginx -t 2>&1"
	ReloadCommand   = "sudo systemctl reload nginx || sudo systemctl restart nginx"

	// ConflictSignature is how the validator reports two sites both
	// claiming the default server for a listen address.
	ConflictSignature = "a duplicate default server for"
)

// DefaultSiteName is the catch-all entry shipped with the proxy package.
const DefaultSiteName = "default"

// StripDefaultCommand removes default_server markers from every enabled
// document of t, following symlinks into the canonical copies.
func StripDefaultCommand(t types.Target) string {
	return fmt.Sprintf("sudo sed -i --follow-symlinks 's/ default_server//g' %s/*", shellescape.Quote(t.EnabledDir()))
}

// CertificateRewriteCommand points site documents at the material of a
// certificate lineage instead of the placeholder pair.
func CertificateRewriteCommand(t types.Target, lineage string, files ...string) string {
	cert, key := t.CertificatePaths(lineage)
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = shellescape.Quote(f)
	}
	return fmt.Sprintf("sudo sed -i -e %s -e %s %s",
		shellescape.Quote(sedReplace(render.PlaceholderCert, cert)),
		shellescape.Quote(sedReplace(render.PlaceholderKey, key)),
		strings.Join(quoted, " "))
}

var (
	sedPattern     = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `.`, `\.`, `*`, `\*`, `[`, `\[`, `^`, `\^`, `$`, `\$`)
	sedReplacement = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `&`, `\&`)
)

// sedReplace builds an s|from|to|g expression matching from literally.
func sedReplace(from, to string) string {
	return "s|" + sedPattern.Replace(from) + "|" + sedReplacement.Replace(to) + "|g"
}

// deployment applies one set of artifacts to one target. Steps run in a
// fixed order and the first failed step ends the run.
type deployment struct {
	target  types.Target
	arts    types.Artifacts
	files   *file.FileModule
	shell   shell.ShellModule
	exec    *remote.Bound
	rules   render.RuleSource
	probe   CertProbe
	log     *slog.Logger
	results []types.StepResult
}

func (o *Orchestrator) newDeployment(t types.Target, arts types.Artifacts) *deployment {
	bound := o.Exec.For(t)
	log := o.log().With(logger.Target(t.ID))
	return &deployment{
		target: t,
		arts:   arts,
		files:  file.New(bound, log),
		shell:  shell.ShellModule{Runner: bound},
		exec:   bound,
		rules:  o.Rules,
		probe:  o.probe(),
		log:    log,
	}
}

func (d *deployment) run(ctx context.Context) error {
	steps := []func(context.Context) types.StepResult{
		d.ensureService,
		d.removeDefault,
		d.writeMain,
		d.writeSites,
		d.validate,
		d.activateCertificates,
		d.reload,
	}
	for _, step := range steps {
		res := step(ctx)
		if res.Failed() {
			return fmt.Errorf("%s: %w", res.Step, res.Err)
		}
	}
	return nil
}

// track records a step result and logs it.
func (d *deployment) track(res types.StepResult) types.StepResult {
	d.results = append(d.results, res)
	if res.Failed() {
		d.log.Error("step failed", logger.Step(res.Step), logger.Error(res.Err))
		return res
	}
	d.log.Info("step finished", logger.Step(res.Step), slog.Bool("changed", res.Changed), slog.String("msg", res.Msg))
	return res
}

func (d *deployment) ensureService(ctx context.Context) types.StepResult {
	if res := d.track(d.shellStep(ctx, "install service", InstallCommand, remote.LongRunning)); res.Failed() {
		return res
	}
	if res := d.track(d.shellStep(ctx, "enable service", EnableCommand, remote.Interactive)); res.Failed() {
		return res
	}
	return d.track(d.files.EnsureDirectory(ctx, d.target.AvailableDir(), d.target.EnabledDir()))
}

func (d *deployment) removeDefault(ctx context.Context) types.StepResult {
	return d.track(d.files.RemovePath(ctx, path.Join(d.target.EnabledDir(), DefaultSiteName)))
}

func (d *deployment) writeMain(ctx context.Context) types.StepResult {
	return d.track(d.files.EnsureFile(ctx, d.target.MainConfigPath(), []byte(d.arts.Main)))
}

func (d *deployment) writeSites(ctx context.Context) types.StepResult {
	changed := false
	for _, name := range siteNames(d.arts) {
		doc := []byte(d.arts.Sites[name])
		available := d.target.AvailablePath(name)

		res := d.track(d.files.EnsureFile(ctx, available, doc))
		if res.Failed() {
			return res
		}
		changed = changed || res.Changed

		res = d.track(d.files.EnsureSymlink(ctx, available, d.target.EnabledPath(name), doc))
		if res.Failed() {
			return res
		}
	}
	return d.track(types.OK("write sites", changed, fmt.Sprintf("%d site documents in place", len(d.arts.Sites))))
}

// validate checks the configuration. The duplicate default server conflict
// is remediated once; anything else fails the deployment.
func (d *deployment) validate(ctx context.Context) types.StepResult {
	const step = "validate"
	res, err := d.exec.Run(ctx, ValidateCommand, remote.Interactive)
	if err != nil {
		return d.track(types.Terminal(step, err))
	}
	if validationPassed(res) {
		return d.track(types.OK(step, false, "Configuration is valid"))
	}

	out := res.Output()
	if !strings.Contains(out, ConflictSignature) {
		return d.track(types.Terminal(step, fmt.Errorf("%w: %s", types.ErrConfigValidation, strings.TrimSpace(out))))
	}

	d.log.Warn("duplicate default server detected, stripping default_server markers")
	if fix := d.track(d.shellStep(ctx, "remove default_server", StripDefaultCommand(d.target), remote.Interactive)); fix.Failed() {
		return fix
	}

	res, err = d.exec.Run(ctx, ValidateCommand, remote.Interactive)
	if err != nil {
		return d.track(types.Terminal(step, err))
	}
	if !validationPassed(res) {
		return d.track(types.Terminal(step, fmt.Errorf("%w after remediation: %s",
			types.ErrConfigValidation, strings.TrimSpace(res.Output()))))
	}
	return d.track(types.OK(step, true, "Configuration is valid after removing duplicate default_server markers"))
}

// activateCertificates rewrites placeholder certificate directives for
// sites whose lineage material is now present on the target. Enabled
// entries that are copies rather than links are rewritten as well.
func (d *deployment) activateCertificates(ctx context.Context) types.StepResult {
	const step = "activate certificates"
	lineages, err := d.lineages(ctx)
	if err != nil {
		return d.track(types.Terminal(step, err))
	}

	var activated []string
	for _, name := range siteNames(d.arts) {
		if !strings.Contains(d.arts.Sites[name], render.PlaceholderCert) {
			continue
		}
		lineage, ok := lineages[name]
		if !ok {
			lineage = name
		}
		present, err := d.probe.CertificatesPresent(ctx, d.target, lineage)
		if err != nil {
			return d.track(types.Terminal(step, err))
		}
		if !present {
			continue
		}

		available, enabled := d.target.AvailablePath(name), d.target.EnabledPath(name)
		files := []string{available}
		linked, isLink, err := d.files.Readlink(ctx, enabled)
		if err != nil {
			return d.track(types.Terminal(step, err))
		}
		if !isLink || linked != available {
			files = append(files, enabled)
		}
		cmd := CertificateRewriteCommand(d.target, lineage, files...)
		if res := d.track(d.shellStep(ctx, "activate "+name, cmd, remote.Interactive)); res.Failed() {
			return res
		}
		activated = append(activated, name)
	}
	if len(activated) == 0 {
		return d.track(types.OK(step, false, "No placeholder certificates to replace"))
	}
	return d.track(types.OK(step, true, "Real certificates activated for "+strings.Join(activated, ", ")))
}

// lineages maps each rule name routed through the target to the lineage
// holding its certificate.
func (d *deployment) lineages(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	if d.rules == nil {
		return out, nil
	}
	rules, err := d.rules.ListByTarget(ctx, d.target.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve certificate lineages: %w", err)
	}
	for _, r := range rules {
		out[r.Name] = r.Lineage()
	}
	return out, nil
}

func (d *deployment) reload(ctx context.Context) types.StepResult {
	return d.track(d.shellStep(ctx, "reload", ReloadCommand, remote.Interactive))
}

func (d *deployment) shellStep(ctx context.Context, step, cmd string, class remote.TimeoutClass) types.StepResult {
	res, _ := d.shell.Run(ctx, step, cmd, class)
	return res
}

func validationPassed(res remote.Result) bool {
	return res.OK() || strings.Contains(res.Output(), "test is successful")
}

func siteNames(arts types.Artifacts) []string {
	names := make([]string, 0, len(arts.Sites))
	for name := range arts.Sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
