// Package sqlite stores targets, routing rules, deployment records and the
// audit log in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/eniac111/proxyops/internal/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens a SQLite database at the given path and runs all pending
// migrations. Use ":memory:" for an in-memory database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Store bundles every repository over one database.
type Store struct {
	DB          *sql.DB
	Targets     *TargetRepo
	Rules       *RuleRepo
	Groups      *GroupRepo
	Deployments *DeploymentRepo
	Audit       *AuditRepo
}

// NewStore wires the repositories to db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:          db,
		Targets:     &TargetRepo{DB: db},
		Rules:       &RuleRepo{DB: db},
		Groups:      &GroupRepo{DB: db},
		Deployments: &DeploymentRepo{DB: db},
		Audit:       &AuditRepo{DB: db},
	}
}

// Import saves every target, rule and group of an inventory. Running it
// twice with the same inventory leaves the store unchanged.
func (s *Store) Import(ctx context.Context, inv types.Inventory) error {
	for _, t := range inv.Targets {
		if err := s.Targets.Save(ctx, t); err != nil {
			return fmt.Errorf("target %s: %w", t.ID, err)
		}
	}
	for _, r := range inv.Rules {
		if err := s.Rules.Save(ctx, r); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	for _, g := range inv.Groups {
		if err := s.Groups.Create(ctx, g); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
	}
	return nil
}
