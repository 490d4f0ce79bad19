package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig holds the OpenTelemetry knobs from config.yaml.
// Mapped onto the otel package's Config by the CLI.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount         int    `yaml:"worker_count"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	LeaseTimeoutSeconds int    `yaml:"lease_timeout_seconds"`
	LogLevel            string `yaml:"log_level"`

	// BackupSchedule is a 5-field cron expression for periodic store
	// backups. Empty disables scheduled backups.
	BackupSchedule string `yaml:"backup_schedule"`
	BackupDir      string `yaml:"backup_dir"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// DBPath returns the path to the task store database.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "planrun.db")
}

// BundlesDir returns the directory holding task bundles.
func (c Config) BundlesDir() string {
	return filepath.Join(c.HomeDir, "bundles")
}

// AuditLogPath returns the path to the append-only audit JSONL file.
func (c Config) AuditLogPath() string {
	return filepath.Join(c.HomeDir, "audit.jsonl")
}

// LocksDir returns the directory holding advisory path lock files.
func (c Config) LocksDir() string {
	return filepath.Join(c.HomeDir, "locks")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|poll=%d|lease=%d|log=%s|backup=%s",
		c.WorkerCount, c.PollIntervalSeconds, c.LeaseTimeoutSeconds, c.LogLevel, c.BackupSchedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	// One worker by default: path locks are advisory, so overlapping
	// plans are only serialized when the operator opts in knowingly.
	return Config{
		WorkerCount:         1,
		PollIntervalSeconds: 2,
		LeaseTimeoutSeconds: 600,
		LogLevel:            "info",
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}

// HomeDir resolves the planrun state directory: PLANRUN_HOME when set,
// otherwise ~/.planrun.
func HomeDir() string {
	if override := os.Getenv("PLANRUN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".planrun")
}

// Load reads config.yaml from the given home directory, applying defaults
// and env overrides. A missing config.yaml is not an error. An empty
// homeDir resolves via HomeDir().
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create planrun home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	if cfg.LeaseTimeoutSeconds <= 0 {
		cfg.LeaseTimeoutSeconds = 600
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PLANRUN_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("PLANRUN_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("PLANRUN_LEASE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("PLANRUN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
}
