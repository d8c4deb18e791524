// Package config loads process settings from flags and READLATER_*
// environment variables. Flags win over the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bryan-buckman/readlater/internal/logging"
	"github.com/bryan-buckman/readlater/internal/rss"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// MinRefreshInterval is the shortest accepted refresh interval.
const MinRefreshInterval = time.Minute

const envPrefix = "READLATER_"

// Config holds every runtime setting.
type Config struct {
	Addr            string
	Driver          string
	DBPath          string
	DatabaseURL     string
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	RefreshTimeout  time.Duration
	MaxConcurrency  int
	LogLevel        string
	LogFormat       string
	UserAgent       string
}

// Load parses args (without the program name) on top of the environment
// looked up through getenv. A nil getenv uses os.Getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key string) string { return getenv(envPrefix + key) }

	cfg := &Config{}
	fs := pflag.NewFlagSet("readlater", pflag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", envString(env, "ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.Driver, "db", envString(env, "DB", DriverSQLite), "storage driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.DBPath, "db-path", envString(env, "DB_PATH", "readlater.db"), "SQLite database file")
	fs.StringVar(&cfg.DatabaseURL, "database-url", envString(env, "DATABASE_URL", getenv("DATABASE_URL")), "PostgreSQL connection string")
	fs.StringVar(&cfg.LogLevel, "log-level", envString(env, "LOG_LEVEL", "info"), "log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", envString(env, "LOG_FORMAT", "text"), "log format: text or json")
	fs.StringVar(&cfg.UserAgent, "user-agent", envString(env, "USER_AGENT", rss.DefaultUserAgent), "User-Agent sent when fetching feeds")

	var errs []error
	interval, err := envDuration(env, "REFRESH_INTERVAL", 15*time.Minute)
	errs = append(errs, err)
	fetchTimeout, err := envDuration(env, "FETCH_TIMEOUT", rss.DefaultFetchTimeout)
	errs = append(errs, err)
	refreshTimeout, err := envDuration(env, "REFRESH_TIMEOUT", 10*time.Minute)
	errs = append(errs, err)
	maxConc, err := envInt(env, "MAX_CONCURRENCY", 10)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", interval, "time between refresh cycles")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", fetchTimeout, "timeout for a single feed fetch")
	fs.DurationVar(&cfg.RefreshTimeout, "refresh-timeout", refreshTimeout, "timeout for a whole refresh cycle")
	fs.IntVar(&cfg.MaxConcurrency, "max-concurrency", maxConc, "parallel feed refreshes (ignored for sqlite)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Driver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db-path is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database-url is required for postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.Driver))
	}
	if c.RefreshInterval < MinRefreshInterval {
		errs = append(errs, fmt.Errorf("refresh-interval must be at least %s, got %s", MinRefreshInterval, c.RefreshInterval))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch-timeout must be positive"))
	}
	if c.RefreshTimeout <= 0 {
		errs = append(errs, errors.New("refresh-timeout must be positive"))
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, errors.New("max-concurrency must be at least 1"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func envString(env func(string) string, key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func envDuration(env func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func envInt(env func(string) string, key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return n, nil
}
