package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Dispatcher DispatcherConfig          `yaml:"dispatcher"`
	Runner     RunnerConfig              `yaml:"runner"`
	Store      StoreConfig               `yaml:"store"`
	Executors  map[string]map[string]any `yaml:"executors"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Log        LogConfig                 `yaml:"log"`
}

type DispatcherConfig struct {
	ForceLegacyRunner bool   `yaml:"force_legacy_runner"`
	CancelUnreachable bool   `yaml:"cancel_unreachable"`
	QueueBuffer       int    `yaml:"queue_buffer"`
	DefaultExecutor   string `yaml:"default_executor"`
}

type RunnerConfig struct {
	WorkerCount int           `yaml:"worker_count"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

type StoreConfig struct {
	Backend        string `yaml:"backend"` // memory | badger
	WALPath        string `yaml:"wal_path"`
	SnapshotPath   string `yaml:"snapshot_path"`
	SyncOnAppend   bool   `yaml:"sync_on_append"`
	BadgerPath     string `yaml:"badger_path"`
	BadgerInMemory bool   `yaml:"badger_in_memory"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// DefaultConfig 設定檔缺少的欄位使用這些值
func DefaultConfig() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{QueueBuffer: 256, DefaultExecutor: "local"},
		Runner:     RunnerConfig{WorkerCount: 8, TaskTimeout: 30 * time.Second},
		Store: StoreConfig{
			Backend:      "memory",
			WALPath:      "data/dispatch.wal",
			SnapshotPath: "data/dispatch.snapshot",
			BadgerPath:   "data/badger",
		},
		Executors: map[string]map[string]any{
			"local": {},
			"grpc":  {"address": "localhost:50061"},
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveConfig falls back to defaults when the implicit default path does
// not exist. An explicitly named file must exist.
func resolveConfig(path string, explicit bool) (*Config, error) {
	cfg, err := loadConfig(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Runner.WorkerCount < 0 {
		return fmt.Errorf("runner.worker_count must not be negative")
	}
	return nil
}

// newLogger builds the root logger from log.level and log.format.
func newLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.Format)
}
