package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eniac111/proxyops/internal/audit"
	"github.com/eniac111/proxyops/internal/certs"
	"github.com/eniac111/proxyops/internal/config"
	"github.com/eniac111/proxyops/internal/deploy"
	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/metrics"
	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/render"
	"github.com/eniac111/proxyops/internal/ssh"
	"github.com/eniac111/proxyops/internal/store/sqlite"
	"github.com/eniac111/proxyops/internal/task"
)

// app holds every long-lived component of one process.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	db       *sql.DB
	store    *sqlite.Store
	pool     *ssh.Pool
	exec     *remote.Executor
	renderer *render.Renderer
	tasks    *task.Group
	orch     *deploy.Orchestrator
	issuer   *certs.Issuer
}

func newApp(cfg config.Config) (*app, error) {
	log := logger.New("proxyops", logger.ParseLevel(cfg.LogLevel)).With(slog.String("env", cfg.AppEnv))
	m := metrics.New()

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	store := sqlite.NewStore(db)
	recorder := audit.NewRecorder(store.Audit, log)

	dialer := ssh.ClientDialer{
		Timeout:        cfg.SSHConnectTimeout,
		KnownHostsPath: cfg.KnownHostsPath,
		KeepAlive:      cfg.SSHKeepAlive,
	}
	policy := cfg.RetryPolicy()
	pool := ssh.NewPool(dialer, policy, log, m)

	exec := remote.New(pool, recorder, log, m)
	exec.InteractiveTimeout = cfg.InteractiveTimeout
	exec.LongRunningTimeout = cfg.LongRunningTimeout
	exec.PrivilegedPrefixes = cfg.PrivilegedPrefixes

	probe := render.RemoteProbe{Exec: exec}
	renderer := render.New(store.Rules, probe)
	tasks := task.NewGroup(cfg.MaxConcurrentTasks, log, m)
	locks := task.NewLocks()

	issuer := &certs.Issuer{
		Targets:  store.Targets,
		Rules:    store.Rules,
		Exec:     exec,
		Resolver: certs.DNSResolver{Server: cfg.DNSResolver},
		Audit:    recorder,
		Tasks:    tasks,
		Locks:    locks,
		Email:    cfg.AdminEmail,
		Logger:   log,
		Metrics:  m,
	}
	orch := &deploy.Orchestrator{
		Targets:       store.Targets,
		Rules:         store.Rules,
		Deployments:   store.Deployments,
		Sessions:      pool,
		Exec:          exec,
		Renderer:      renderer,
		Probe:         probe,
		Audit:         recorder,
		Tasks:         tasks,
		Locks:         locks,
		Issuer:        issuer,
		IssueOnDeploy: cfg.IssueCertsOnDeploy,
		Logger:        log,
		Metrics:       m,
	}

	return &app{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		db:       db,
		store:    store,
		pool:     pool,
		exec:     exec,
		renderer: renderer,
		tasks:    tasks,
		orch:     orch,
		issuer:   issuer,
	}, nil
}

// close waits for in-flight tasks, then drops every session and the store.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.tasks.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.pool.ReleaseAll(); err != nil {
		errs = append(errs, fmt.Errorf("release sessions: %w", err))
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
