package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "ctxrollback.yaml"

type RetentionConfig struct {
	MaxAgeHours       int      `yaml:"max_age_hours"`
	MaxCount          int      `yaml:"max_count"`
	FailedMaxAgeHours int      `yaml:"failed_max_age_hours"`
	Triggers          []string `yaml:"triggers"`
	Aggressive        bool     `yaml:"aggressive"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LedgerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type RedactionConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Placeholder string   `yaml:"placeholder"`
	Patterns    []string `yaml:"patterns"`
}

type Config struct {
	StateDir    string          `yaml:"state_dir"`
	ContextBase string          `yaml:"context_base"`
	Retention   RetentionConfig `yaml:"retention"`
	Log         LogConfig       `yaml:"log"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Redaction   RedactionConfig `yaml:"redaction"`
}

func Default() *Config {
	return &Config{
		StateDir:    ".rollback-state",
		ContextBase: ".",
		Retention: RetentionConfig{
			MaxAgeHours:       24,
			MaxCount:          10,
			FailedMaxAgeHours: 1,
			Triggers:          []string{"full-reindex", "startup"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Ledger:    LedgerConfig{Enabled: true},
		Redaction: RedactionConfig{Enabled: true},
	}
}

// Load reads a YAML config file on top of Default. A missing file is not an
// error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Ensure defaults for zero values
	def := Default()
	if cfg.StateDir == "" {
		cfg.StateDir = def.StateDir
	}
	if cfg.ContextBase == "" {
		cfg.ContextBase = def.ContextBase
	}
	if cfg.Retention.MaxAgeHours <= 0 {
		cfg.Retention.MaxAgeHours = def.Retention.MaxAgeHours
	}
	if cfg.Retention.MaxCount <= 0 {
		cfg.Retention.MaxCount = def.Retention.MaxCount
	}
	if cfg.Retention.FailedMaxAgeHours <= 0 {
		cfg.Retention.FailedMaxAgeHours = def.Retention.FailedMaxAgeHours
	}
	if cfg.Retention.Triggers == nil {
		cfg.Retention.Triggers = def.Retention.Triggers
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	if v := os.Getenv("CTXROLLBACK_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("CTXROLLBACK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return nil, fmt.Errorf("log.format: unsupported format %q (want json or text)", cfg.Log.Format)
	}

	return cfg, nil
}

// StatePath returns the absolute state directory.
func (c *Config) StatePath() string {
	if abs, err := filepath.Abs(c.StateDir); err == nil {
		return abs
	}
	return c.StateDir
}

// ContextPath returns the absolute base directory that holds the domains.
func (c *Config) ContextPath() string {
	if abs, err := filepath.Abs(c.ContextBase); err == nil {
		return abs
	}
	return c.ContextBase
}

func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.StatePath(), "ledger.db")
}

func (c *Config) LedgerWALPath() string {
	return filepath.Join(c.StatePath(), "ledger.wal.jsonl")
}

func (c *Config) EnsureDirs() error {
	dirs := []string{
		filepath.Join(c.StatePath(), "state"),
		filepath.Join(c.StatePath(), "snapshots"),
		filepath.Join(c.StatePath(), "atomic"),
		filepath.Join(c.StatePath(), "locks"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level: unsupported level %q", s)
	}
}

// NewLogger builds the process logger. Output goes to w, which is stderr in
// the binary so the MCP stdio transport on stdout stays clean.
func NewLogger(lc LogConfig, w io.Writer) *slog.Logger {
	level, err := ParseLevel(lc.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
