// Package config loads process configuration from the environment and the
// YAML inventory used to seed the store.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/eniac111/proxyops/internal/retry"
)

// Config holds every tunable of the proxyops process.
type Config struct {
	AppEnv       string `env:"APP_ENV"       envDefault:"development"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
	HTTPAddr     string `env:"HTTP_ADDR"     envDefault:":8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"proxyops.db"`

	SSHConnectTimeout  time.Duration `env:"SSH_CONNECT_TIMEOUT" envDefault:"10s"`
	InteractiveTimeout time.Duration `env:"SSH_TIMEOUT"         envDefault:"60s"`
	LongRunningTimeout time.Duration `env:"SSH_COMMAND_TIMEOUT" envDefault:"600s"`
	SSHKeepAlive       time.Duration `env:"SSH_KEEPALIVE"       envDefault:"30s"`
	KnownHostsPath     string        `env:"SSH_KNOWN_HOSTS"`

	PrivilegedPrefixes []string `env:"PRIVILEGED_PREFIXES" envDefault:"/etc/,/usr/" envSeparator:","`

	AdminEmail         string `env:"ADMIN_EMAIL"                  envDefault:"admin@example.com"`
	DNSResolver        string `env:"DNS_RESOLVER"                 envDefault:"1.1.1.1:53"`
	IssueCertsOnDeploy bool   `env:"ISSUE_CERTIFICATES_ON_DEPLOY" envDefault:"false"`

	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay    time.Duration `env:"RETRY_DELAY"    envDefault:"2s"`
	RetryBackoff  float64       `env:"RETRY_BACKOFF"  envDefault:"1.5"`

	MaxConcurrentTasks int           `env:"MAX_CONCURRENT_TASKS" envDefault:"8"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"30s"`
}

// Load reads an optional .env file from the working directory and parses the
// environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the current environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.RetryAttempts < 1 {
		return Config{}, fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", cfg.RetryAttempts)
	}
	if cfg.MaxConcurrentTasks < 1 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1, got %d", cfg.MaxConcurrentTasks)
	}
	return cfg, nil
}

// RetryPolicy returns the connection retry policy described by the config.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryAttempts,
		Delay:       c.RetryDelay,
		Backoff:     c.RetryBackoff,
	}
}
