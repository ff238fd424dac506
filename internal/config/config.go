// Package config loads the vaultsync server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomhaye/vaultsync/internal/observability"
	"github.com/tomhaye/vaultsync/internal/store"
)

// Config is the full server configuration.
type Config struct {
	// RPCPath is the URL prefix the sync proxy is mounted under.
	RPCPath string `yaml:"rpc_path"`
	// BindingName identifies the durable-object binding the proxy fronts.
	// Supplied by the deployment, echoed in logs and traces.
	BindingName string `yaml:"binding_name"`
	// Listen is the proxy's listen address, host:port.
	Listen string `yaml:"listen"`
	// AuthSecret, when set, enables per-user bearer tokens on all sync RPCs.
	// The credential issuer mints tokens with the same secret.
	AuthSecret string `yaml:"auth_secret"`
	// RateLimitMax allows this many requests per token per window. Zero
	// disables rate limiting.
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	Storage   StorageConfig               `yaml:"storage"`
	Actor     ActorConfig                 `yaml:"actor"`
	Scheduler SchedulerConfig             `yaml:"scheduler"`
	Artifact  ArtifactConfig              `yaml:"artifact"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
}

// StorageConfig selects and bounds the event store backend.
type StorageConfig struct {
	Driver         string        `yaml:"driver"` // "sqlite3" (default) or "postgres"
	DSN            string        `yaml:"dsn"`
	MaxStorageSize int64         `yaml:"max_storage_size"` // per-actor quota in bytes
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// ActorConfig bounds the per-id execution arena.
type ActorConfig struct {
	IdleEviction time.Duration `yaml:"idle_eviction"`
}

// SchedulerConfig bounds the worker pool.
type SchedulerConfig struct {
	Workers           int           `yaml:"workers"`
	DefaultQueueBound int           `yaml:"default_queue_bound"`
	InvokeTimeout     time.Duration `yaml:"invoke_timeout"`
	PlanDir           string        `yaml:"plan_dir"` // directory of CUE plan declarations
}

// ArtifactConfig points at the S3-compatible store holding vault artifacts.
// Empty endpoint disables artifact cleanup.
type ArtifactConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		RPCPath:     "/sync",
		BindingName: "SYNC_STORAGE",
		Listen:      "127.0.0.1:8484",
		Storage: StorageConfig{
			Driver: store.DriverSQLite,
			DSN:    "vaultsync.db",
		},
		Actor: ActorConfig{
			IdleEviction: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Workers:           4,
			DefaultQueueBound: 256,
			InvokeTimeout:     30 * time.Second,
		},
	}
}

// Load reads and validates a YAML config file on top of the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.RPCPath, "/") {
		return fmt.Errorf("config: rpc_path must start with /, got %q", c.RPCPath)
	}
	if c.BindingName == "" {
		return fmt.Errorf("config: binding_name is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	switch c.Storage.Driver {
	case "", store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("config: unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("config: storage dsn is required")
	}
	if c.Storage.MaxStorageSize < 0 {
		return fmt.Errorf("config: max_storage_size must not be negative")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("config: scheduler needs at least one worker")
	}
	if c.Scheduler.DefaultQueueBound < 1 {
		return fmt.Errorf("config: default_queue_bound must be positive")
	}
	return nil
}

// RetryPolicy translates the storage retry settings for the store.
func (c StorageConfig) RetryPolicy() store.RetryPolicy {
	p := store.DefaultRetryPolicy
	if c.RetryAttempts > 0 {
		p.Attempts = c.RetryAttempts
	}
	if c.RetryBaseDelay > 0 {
		p.BaseDelay = c.RetryBaseDelay
	}
	if c.RetryMaxDelay > 0 {
		p.MaxDelay = c.RetryMaxDelay
	}
	return p
}
