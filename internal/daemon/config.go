// Package daemon wires the store, task manager, retry controller, recovery
// coordinator and API into one process, and owns its configuration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/autostudy/autostudy/internal/app/retry"
	"github.com/autostudy/autostudy/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Store     StoreConfig     `toml:"store"`
	Retry     RetryConfig     `toml:"retry"`
	Recovery  RecoveryConfig  `toml:"recovery"`
	Tasks     TasksConfig     `toml:"tasks"`
	Sessions  SessionsConfig  `toml:"sessions"`
	API       APIConfig       `toml:"api"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// NodeConfig locates this installation's data.
type NodeConfig struct {
	DataDir string `toml:"data_dir" validate:"required"`
}

// StoreConfig controls the SQLite store.
type StoreConfig struct {
	Dir             string        `toml:"dir"`
	BackupDir       string        `toml:"backup_dir"`
	CompactInterval time.Duration `toml:"compact_interval" validate:"gte=0"`
}

// RetryConfig holds per-class retry policies keyed by error class.
type RetryConfig struct {
	Policies map[string]domain.RetryPolicy `toml:"policies" validate:"dive"`
}

// RecoveryConfig controls crash detection and recovery.
type RecoveryConfig struct {
	PIDFile      string        `toml:"pid_file"`
	LockDir      string        `toml:"lock_dir"`
	TempPatterns []string      `toml:"temp_patterns"`
	StatsWindow  time.Duration `toml:"stats_window" validate:"gte=0"`
	// ResumeOnStart runs resumable tasks after a recovery.
	ResumeOnStart bool `toml:"resume_on_start"`
}

// TasksConfig controls task execution and retention.
type TasksConfig struct {
	Workers         int           `toml:"workers" validate:"gte=1,lte=64"`
	KeepCompleted   time.Duration `toml:"keep_completed" validate:"gte=0"`
	CleanupInterval time.Duration `toml:"cleanup_interval" validate:"gte=0"`
}

// SessionsConfig controls persisted sessions.
type SessionsConfig struct {
	DefaultTTL time.Duration `toml:"default_ttl" validate:"gte=0"`
	// PassphraseEnv names an environment variable mixed into the key.
	PassphraseEnv string `toml:"passphrase_env"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host" validate:"required_if=Enabled true"`
	Port    int    `toml:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=auto text json"`
	// File receives logs in addition to stderr when set.
	File string `toml:"file"`
}

// TelemetryConfig controls metrics and health checks.
type TelemetryConfig struct {
	Metrics        bool          `toml:"metrics"`
	HealthInterval time.Duration `toml:"health_interval" validate:"gte=0"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := AutostudyHome()
	policies := make(map[string]domain.RetryPolicy)
	for class, p := range retry.DefaultPolicies() {
		policies[string(class)] = p
	}
	return Config{
		Node:  NodeConfig{DataDir: homeDir},
		Store: StoreConfig{CompactInterval: 24 * time.Hour},
		Retry: RetryConfig{Policies: policies},
		Recovery: RecoveryConfig{
			StatsWindow:   7 * 24 * time.Hour,
			ResumeOnStart: true,
		},
		Tasks: TasksConfig{
			Workers:         4,
			KeepCompleted:   30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Sessions: SessionsConfig{
			DefaultTTL:    14 * 24 * time.Hour,
			PassphraseEnv: "AUTOSTUDY_PASSPHRASE",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    11435,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			Metrics:        true,
			HealthInterval: 60 * time.Second,
		},
	}
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(AutostudyHome(), "config.toml")
}

// LoadConfig reads config from ~/.autostudy/config.toml, falling back to
// defaults when the file does not exist.
func LoadConfig() (Config, error) {
	return LoadConfigFile(Path())
}

// LoadConfigFile reads config from path over the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to path.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate checks field constraints and the retry policy table.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Retry.PolicyMap(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PolicyMap converts the configured policies to a class-keyed table layered
// over the defaults.
func (r RetryConfig) PolicyMap() (map[domain.ErrorClass]domain.RetryPolicy, error) {
	out := retry.DefaultPolicies()
	for key, p := range r.Policies {
		class, err := domain.ParseErrorClass(key)
		if err != nil {
			return nil, fmt.Errorf("retry.policies: %w", err)
		}
		out[class] = p
	}
	return out, nil
}

// Resolved fills derived paths from the data dir.
func (c Config) Resolved() Config {
	if c.Store.Dir == "" {
		c.Store.Dir = c.Node.DataDir
	}
	if c.Store.BackupDir == "" {
		c.Store.BackupDir = filepath.Join(c.Node.DataDir, "backups")
	}
	return c
}

// AutostudyHome returns the data directory. AUTOSTUDY_HOME overrides it.
func AutostudyHome() string {
	if env := os.Getenv("AUTOSTUDY_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".autostudy")
}
