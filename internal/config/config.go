package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidemill/loom/internal/otel"
)

// DedupConfig controls the deduplication guard.
type DedupConfig struct {
	// Namespace scopes claim keys; runs sharing a namespace share claims.
	Namespace string `yaml:"namespace"`
}

// CheckpointConfig controls snapshot cadence.
type CheckpointConfig struct {
	// IntervalSeconds between periodic flushes. 0 disables periodic
	// checkpointing; a final flush still runs at quiescence.
	IntervalSeconds int `yaml:"interval_seconds"`
	// Dir overrides the default <data_dir>/checkpoints location.
	Dir string `yaml:"dir"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DataDir holds the sqlite database and checkpoint snapshots.
	DataDir string `yaml:"data_dir"`
	// ExchangeDir holds task payloads. Defaults to <data_dir>/exchange.
	ExchangeDir string `yaml:"exchange_dir"`

	MaxConcurrent      int    `yaml:"max_concurrent"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	MaxAttempts        int    `yaml:"max_attempts"`
	BindAddr           string `yaml:"bind_addr"`
	LogLevel           string `yaml:"log_level"`

	// InlinePayloadLimitKB bounds the stats summary a task may attach to its
	// result ref; anything larger must go through the exchange payload.
	InlinePayloadLimitKB int `yaml:"inline_payload_limit_kb"`

	// MaintenanceSchedule is a cron expression for the background sweeper.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`

	// RetentionTaskEventsDays bounds the task_events ledger. 0 keeps forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Dedup      DedupConfig      `yaml:"dedup"`
	OTel       otel.Config      `yaml:"otel"`
}

// DatabasePath returns the sqlite file location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "loom.db")
}

// CheckpointDir returns the snapshot directory.
func (c Config) CheckpointDir() string {
	if c.Checkpoint.Dir != "" {
		return c.Checkpoint.Dir
	}
	return filepath.Join(c.DataDir, "checkpoints")
}

// TaskTimeout returns the default attempt deadline as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the scheduling-relevant config, used
// to detect live changes by the watcher.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "concurrent=%d|timeout=%d|attempts=%d|bind=%s|log=%s|data=%s",
		c.MaxConcurrent, c.TaskTimeoutSeconds, c.MaxAttempts, c.BindAddr, c.LogLevel, c.DataDir)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		MaxConcurrent:           4,
		TaskTimeoutSeconds:      int((5 * time.Minute).Seconds()),
		MaxAttempts:             1,
		BindAddr:                "127.0.0.1:18990",
		LogLevel:                "info",
		InlinePayloadLimitKB:    64,
		MaintenanceSchedule:     "*/5 * * * *",
		RetentionTaskEventsDays: 90,
		Checkpoint: CheckpointConfig{
			IntervalSeconds: 30,
		},
		Dedup: DedupConfig{
			Namespace: "default",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("LOOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".loom")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create loom home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.InlinePayloadLimitKB <= 0 {
		cfg.InlinePayloadLimitKB = 64
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if strings.TrimSpace(cfg.ExchangeDir) == "" {
		cfg.ExchangeDir = filepath.Join(cfg.DataDir, "exchange")
	}
	if strings.TrimSpace(cfg.MaintenanceSchedule) == "" {
		cfg.MaintenanceSchedule = "*/5 * * * *"
	}
	if cfg.Dedup.Namespace == "" {
		cfg.Dedup.Namespace = "default"
	}
	if cfg.Checkpoint.IntervalSeconds < 0 {
		cfg.Checkpoint.IntervalSeconds = 0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LOOM_MAX_CONCURRENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("LOOM_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("LOOM_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAttempts = v
		}
	}
	if raw := os.Getenv("LOOM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LOOM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LOOM_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("LOOM_EXCHANGE_DIR"); raw != "" {
		cfg.ExchangeDir = raw
	}
	if raw := os.Getenv("LOOM_CHECKPOINT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Checkpoint.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("LOOM_DEDUP_NAMESPACE"); raw != "" {
		cfg.Dedup.Namespace = raw
	}
}
