// Package config loads waybackd settings from defaults, an optional TOML or
// YAML file, a .env file, WAYBACKD_* variables and flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "WAYBACKD_"

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Worker   WorkerConfig   `toml:"worker" yaml:"worker"`
	Wayback  WaybackConfig  `toml:"wayback" yaml:"wayback"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache"`
	Direct   DirectConfig   `toml:"direct" yaml:"direct"`
	Log      LogConfig      `toml:"log" yaml:"log"`
}

type ServerConfig struct {
	Port            int           `toml:"port" yaml:"port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the job store. Driver is "sqlite" or "postgres";
// for sqlite the DSN is a file path.
type DatabaseConfig struct {
	Driver       string `toml:"driver" yaml:"driver"`
	DSN          string `toml:"dsn" yaml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns" yaml:"max_open_conns"`
}

type WorkerConfig struct {
	PollInterval time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	Concurrency  int           `toml:"concurrency" yaml:"concurrency"`
	MaxAttempts  int           `toml:"max_attempts" yaml:"max_attempts"`
	BackoffBase  time.Duration `toml:"backoff_base" yaml:"backoff_base"`
}

type WaybackConfig struct {
	CDXURL            string        `toml:"cdx_url" yaml:"cdx_url"`
	WebURL            string        `toml:"web_url" yaml:"web_url"`
	RequestsPerMinute int           `toml:"requests_per_minute" yaml:"requests_per_minute"`
	FetchTimeout      time.Duration `toml:"fetch_timeout" yaml:"fetch_timeout"`
	UserAgent         string        `toml:"user_agent" yaml:"user_agent"`
	CandidateLimit    int           `toml:"candidate_limit" yaml:"candidate_limit"`
}

// CacheConfig controls snapshot cache reuse.
type CacheConfig struct {
	// RefetchEmpty re-fetches cached captures that yielded no metric.
	RefetchEmpty bool `toml:"refetch_empty" yaml:"refetch_empty"`
}

type DirectConfig struct {
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "waybackd", "jobs.db")
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Database: DatabaseConfig{Driver: "sqlite", DSN: DefaultDBPath(), MaxOpenConns: 10},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			Concurrency:  4,
			MaxAttempts:  3,
			BackoffBase:  2 * time.Second,
		},
		Wayback: WaybackConfig{
			CDXURL:            "https://web.archive.org/cdx/search/cdx",
			WebURL:            "https://web.archive.org",
			RequestsPerMinute: 15,
			FetchTimeout:      30 * time.Second,
			UserAgent:         "Mozilla/5.0 (compatible; SignalMap/1.0; research tool)",
			CandidateLimit:    2000,
		},
		Direct: DirectConfig{Timeout: 120 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load parses args (without the program name) and the environment to build Config.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("waybackd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", os.Getenv(envPrefix+"CONFIG"), "TOML or YAML config file")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	port := fs.Int("port", 0, "HTTP server port")
	driver := fs.String("db-driver", "", "job store driver: sqlite or postgres")
	dsn := fs.String("db", "", "SQLite path or Postgres DSN")
	pollInterval := fs.Duration("poll-interval", 0, "worker poll interval")
	concurrency := fs.Int("concurrency", 0, "jobs run at once")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", *envFile, err)
		}
	}
	if *configPath == "" {
		*configPath = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "db-driver":
			cfg.Database.Driver = *driver
		case "db":
			cfg.Database.DSN = *dsn
		case "poll-interval":
			cfg.Worker.PollInterval = *pollInterval
		case "concurrency":
			cfg.Worker.Concurrency = *concurrency
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFile merges a config file over the current values. Keys missing from
// the file keep their defaults.
func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"DB_DRIVER":  &c.Database.Driver,
		"DB":         &c.Database.DSN,
		"CDX_URL":    &c.Wayback.CDXURL,
		"WEB_URL":    &c.Wayback.WebURL,
		"USER_AGENT": &c.Wayback.UserAgent,
		"LOG_LEVEL":  &c.Log.Level,
		"LOG_FORMAT": &c.Log.Format,
	}
	for k, dst := range strs {
		if v := os.Getenv(envPrefix + k); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":                &c.Server.Port,
		"DB_MAX_OPEN_CONNS":   &c.Database.MaxOpenConns,
		"CONCURRENCY":         &c.Worker.Concurrency,
		"MAX_ATTEMPTS":        &c.Worker.MaxAttempts,
		"REQUESTS_PER_MINUTE": &c.Wayback.RequestsPerMinute,
		"CANDIDATE_LIMIT":     &c.Wayback.CandidateLimit,
	}
	for k, dst := range ints {
		if v := os.Getenv(envPrefix + k); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, k, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT": &c.Server.ShutdownTimeout,
		"POLL_INTERVAL":    &c.Worker.PollInterval,
		"BACKOFF_BASE":     &c.Worker.BackoffBase,
		"FETCH_TIMEOUT":    &c.Wayback.FetchTimeout,
		"DIRECT_TIMEOUT":   &c.Direct.Timeout,
	}
	for k, dst := range durations {
		if v := os.Getenv(envPrefix + k); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, k, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv(envPrefix + "REFETCH_EMPTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREFETCH_EMPTY: %w", envPrefix, err)
		}
		c.Cache.RefetchEmpty = b
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if c.Wayback.RequestsPerMinute < 1 {
		errs = append(errs, errors.New("wayback.requests_per_minute must be at least 1"))
	}
	if c.Direct.Timeout <= 0 {
		errs = append(errs, errors.New("direct.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address for the configured port.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}
