package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/eniac111/proxyops/internal/api"
	"github.com/eniac111/proxyops/internal/certs"
	"github.com/eniac111/proxyops/internal/config"
	"github.com/eniac111/proxyops/internal/types"
)

const usage = `usage: proxyops <command> [options]

commands:
  serve     run the HTTP API
  import    load targets, rules and groups from a YAML inventory
  render    print or write the documents rendered for a target
  check     probe a target and record its status
  install   install and start the proxy service on a target
  deploy    deploy rendered configuration to a target and wait for it
  issue     obtain certificates for a target's TLS rules`

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func targetFlag(fs *flag.FlagSet) *string {
	return fs.String("target", "", "target ID")
}

func requireTarget(id string) error {
	if id == "" {
		return fmt.Errorf("-target is required: %w", types.ErrInvalidArgument)
	}
	return nil
}

func serveCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", a.cfg.HTTPAddr, "listen address")
	fs.Parse(args)

	handlers := api.NewHandlers(a.orch, a.issuer, a.store.Targets, a.store.Deployments, a.store.Audit, a.log)
	srv := api.NewServer(api.ServerConfig{Addr: *addr, Metrics: a.metrics.Handler(), Logger: a.log}, handlers)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func importCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	path := fs.String("file", "inventory.yaml", "path to inventory")
	fs.Parse(args)

	inv, err := config.LoadInventory(*path)
	if err != nil {
		return err
	}
	if err := a.store.Import(ctx, inv); err != nil {
		return fmt.Errorf("import %s: %w", *path, err)
	}
	fmt.Printf("Imported %d targets, %d rules, %d groups\n", len(inv.Targets), len(inv.Rules), len(inv.Groups))
	return nil
}

func renderCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	id := targetFlag(fs)
	outDir := fs.String("out", "", "write documents under this directory instead of stdout")
	fs.Parse(args)
	if err := requireTarget(*id); err != nil {
		return err
	}

	t, err := a.store.Targets.Get(ctx, *id)
	if err != nil {
		return err
	}
	arts, err := a.renderer.Render(ctx, t)
	if err != nil {
		return err
	}
	if *outDir == "" {
		return printArtifacts(os.Stdout, t, arts)
	}
	return writeArtifacts(*outDir, arts)
}

func printArtifacts(w io.Writer, t types.Target, arts types.Artifacts) error {
	fmt.Fprintf(w, "# %s\n%s\n", t.MainConfigPath(), arts.Main)
	names := make([]string, 0, len(arts.Sites))
	for n := range arts.Sites {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "# %s\n%s\n", t.AvailablePath(n), arts.Sites[n])
	}
	return nil
}

func writeArtifacts(dir string, arts types.Artifacts) error {
	sites := filepath.Join(dir, "sites-available")
	if err := os.MkdirAll(sites, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", sites, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nginx.conf"), []byte(arts.Main), 0o644); err != nil {
		return err
	}
	for name, doc := range arts.Sites {
		if err := os.WriteFile(filepath.Join(sites, types.SiteFileName(name)), []byte(doc), 0o644); err != nil {
			return err
		}
	}
	fmt.Printf("Wrote %d site documents to %s\n", len(arts.Sites), dir)
	return nil
}

func checkCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	id := targetFlag(fs)
	fs.Parse(args)
	if err := requireTarget(*id); err != nil {
		return err
	}

	t, err := a.orch.CheckConnectivity(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s) is %s\n", t.ID, t.SSHAddr(), t.Status)
	return nil
}

func installCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	id := targetFlag(fs)
	fs.Parse(args)
	if err := requireTarget(*id); err != nil {
		return err
	}

	results, err := a.orch.InstallService(ctx, *id)
	for _, r := range results {
		fmt.Printf("[%s] %s: %s\n", r.Status, r.Step, r.Msg)
	}
	return err
}

func deployCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	id := targetFlag(fs)
	wait := fs.Duration("wait", 15*time.Minute, "how long to wait for the deployment to finish")
	fs.Parse(args)
	if err := requireTarget(*id); err != nil {
		return err
	}

	started, err := a.orch.RequestDeployment(ctx, *id)
	if err != nil {
		return fmt.Errorf("deployment rejected: %w", err)
	}
	fmt.Printf("Deployment %s started\n", started.DeploymentID)

	waitCtx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	rec, err := a.orch.Wait(waitCtx, started)
	if err != nil {
		return fmt.Errorf("waiting for deployment %s: %w", started.DeploymentID, err)
	}
	fmt.Printf("Deployment %s %s: %s\n", rec.ID, rec.Status, rec.Detail)
	if rec.Status != types.DeploymentDeployed {
		return errors.New("deployment failed")
	}
	return nil
}

func issueCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	id := targetFlag(fs)
	var rules stringList
	fs.Var(&rules, "rule", "rule ID to issue for (repeatable, default all TLS rules)")
	asJSON := fs.Bool("json", false, "print events as JSON lines")
	fs.Parse(args)
	if err := requireTarget(*id); err != nil {
		return err
	}

	t, resolved, err := a.issuer.Resolve(ctx, *id, rules)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	obs := certs.ObserverFunc(func(e certs.Event) {
		if *asJSON {
			_ = enc.Encode(e)
			return
		}
		fmt.Printf("[%s] %s: %s\n", e.Phase, e.Status, e.Message)
	})
	h, err := a.issuer.IssueStreaming(ctx, t, resolved, obs)
	if err != nil {
		return err
	}
	return h.AwaitContext(ctx)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	commands := map[string]func(context.Context, *app, []string) error{
		"serve":   serveCmd,
		"import":  importCmd,
		"render":  renderCmd,
		"check":   checkCmd,
		"install": installCmd,
		"deploy":  deployCmd,
		"issue":   issueCmd,
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown command:", os.Args[1])
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := run(ctx, a, os.Args[2:])
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.close(closeCtx); err != nil {
		a.log.Error("shutdown incomplete", "error", err)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}
