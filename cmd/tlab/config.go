package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunelab/tunelab/internal/dispatch"
	"github.com/tunelab/tunelab/internal/fetchproxy"
	"github.com/tunelab/tunelab/internal/sandbox"
	"github.com/tunelab/tunelab/internal/schedule"
	"github.com/tunelab/tunelab/internal/sqlguard"
	"github.com/tunelab/tunelab/internal/store"
	"github.com/tunelab/tunelab/internal/ui"
)

// Config represents the tlab.yaml configuration file.
type Config struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`

	Query struct {
		AllowedTables []string `yaml:"allowed_tables"`
		MaxRows       int      `yaml:"max_rows"`
	} `yaml:"query"`

	Fetch struct {
		AllowedHosts   []string `yaml:"allowed_hosts"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	} `yaml:"fetch"`

	PluginTimeoutSeconds   int `yaml:"plugin_timeout_seconds"`
	ScheduleTimeoutSeconds int `yaml:"schedule_timeout_seconds"`
}

// loadConfig loads configuration from file, env vars, and CLI flags.
// Precedence: CLI flags > env vars > config file > defaults
func loadConfig() (*Config, error) {
	cfg := &Config{
		Driver:      store.DriverSQLite,
		DatabaseURL: "tunelab.db",
	}

	if data, err := os.ReadFile(configFile); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		// Handle env var interpolation in database_url
		cfg.DatabaseURL = os.Expand(cfg.DatabaseURL, os.Getenv)
	}

	if envURL := os.Getenv("TLAB_DATABASE_URL"); envURL != "" && databaseURL == "" {
		cfg.DatabaseURL = envURL
	}
	if envDriver := os.Getenv("TLAB_DRIVER"); envDriver != "" {
		cfg.Driver = envDriver
	}

	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
		if strings.HasPrefix(databaseURL, "postgres://") {
			cfg.Driver = store.DriverPostgres
		}
	}

	return cfg, nil
}

// openStore connects to the configured database.
func openStore(cfg *Config) (*store.Store, error) {
	return store.Open(cfg.Driver, cfg.DatabaseURL)
}

// guardFor builds the query gatekeeper from config, falling back to the
// default allow-list and row cap.
func guardFor(cfg *Config) *sqlguard.Guard {
	if len(cfg.Query.AllowedTables) == 0 && cfg.Query.MaxRows <= 0 {
		return sqlguard.Default()
	}
	policy := sqlguard.Policy{
		AllowedTables: cfg.Query.AllowedTables,
		MaxRows:       cfg.Query.MaxRows,
	}
	return sqlguard.New(policy)
}

// fetcherFor builds the fetch proxy when plugins are allowed to fetch.
func fetcherFor(cfg *Config) *fetchproxy.Fetcher {
	policy := fetchproxy.Policy{
		AllowedHosts: cfg.Fetch.AllowedHosts,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}
	if cfg.Fetch.TimeoutSeconds > 0 {
		policy.Timeout = time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	}
	return fetchproxy.New(policy)
}

// newSession builds a dispatch session with plugin log lines routed to stderr.
func newSession(cfg *Config, withFetch bool) *dispatch.Session {
	workerCfg := sandbox.Config{
		Logf: func(format string, args ...any) {
			fmt.Fprintln(os.Stderr, ui.Dim(fmt.Sprintf(format, args...)))
		},
	}
	if withFetch {
		workerCfg.Fetcher = fetcherFor(cfg)
	}
	opts := dispatch.Options{Worker: workerCfg}
	if cfg.PluginTimeoutSeconds > 0 {
		opts.DefaultTimeout = time.Duration(cfg.PluginTimeoutSeconds) * time.Second
	}
	return dispatch.NewSession(opts)
}

// newOverride wires the override service against an open store.
func newOverride(cfg *Config, session *dispatch.Session, st *store.Store) *schedule.Override {
	oc := schedule.OverrideConfig{
		Session: session,
		Oracle:  schedule.NewOracle(),
		Guard:   guardFor(cfg),
		Logf: func(format string, args ...any) {
			fmt.Fprintln(os.Stderr, ui.Warning(fmt.Sprintf(format, args...)))
		},
	}
	if st != nil {
		oc.DB = st
		oc.Warn = st
	}
	if cfg.ScheduleTimeoutSeconds > 0 {
		oc.Timeout = time.Duration(cfg.ScheduleTimeoutSeconds) * time.Second
	}
	return schedule.NewOverride(oc)
}
