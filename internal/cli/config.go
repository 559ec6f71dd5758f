package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/looprail/internal/engine"
	"github.com/ChuLiYu/looprail/internal/loop"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Loops struct {
		Min           int    `yaml:"min"`
		Max           int    `yaml:"max"`
		Threshold     int64  `yaml:"threshold"`
		Policy        string `yaml:"policy"` // fallback | reject
		LockedThreads bool   `yaml:"locked_threads"`
	} `yaml:"loops"`

	Dispatchers struct {
		Count int `yaml:"count"`
	} `yaml:"dispatchers"`

	Timer struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"timer"`

	Pipeline struct {
		Diagnostics bool `yaml:"diagnostics"`
	} `yaml:"pipeline"`

	Metrics struct {
		Enabled  bool          `yaml:"enabled"`
		Port     int           `yaml:"port"`
		Interval time.Duration `yaml:"interval"` // engine stats refresh
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Workload struct {
		Connections int           `yaml:"connections"`
		Messages    int           `yaml:"messages"` // per connection per tick
		Interval    time.Duration `yaml:"interval"`
	} `yaml:"workload"`
}

// DefaultConfig returns the configuration used for fields a file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Loops.Min = 2
	cfg.Loops.Max = 8
	cfg.Loops.Policy = "fallback"
	cfg.Dispatchers.Count = 2
	cfg.Timer.Enabled = true
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Metrics.Interval = 5 * time.Second
	cfg.Health.Enabled = true
	cfg.Health.Port = 50051
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Workload.Connections = 4
	cfg.Workload.Messages = 16
	cfg.Workload.Interval = time.Second
	return cfg
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		return fmt.Errorf("health.port out of range: %d", c.Health.Port)
	}
	if c.Metrics.Enabled && c.Health.Enabled && c.Metrics.Port == c.Health.Port {
		return fmt.Errorf("metrics.port and health.port must differ (%d)", c.Metrics.Port)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Workload.Connections < 0 || c.Workload.Messages < 0 || c.Workload.Interval < 0 {
		return fmt.Errorf("workload values must not be negative")
	}
	return nil
}

// EngineConfig maps the file onto engine.Config.
func (c *Config) EngineConfig() (engine.Config, error) {
	policy, err := loop.ParseOverflowPolicy(c.Loops.Policy)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{
		MinLoops:      c.Loops.Min,
		MaxLoops:      c.Loops.Max,
		Threshold:     c.Loops.Threshold,
		Policy:        policy,
		LockedThreads: c.Loops.LockedThreads,
		Dispatchers:   c.Dispatchers.Count,
		TimerEnabled:  c.Timer.Enabled,
		Diagnostics:   c.Pipeline.Diagnostics,
		StatsInterval: c.Metrics.Interval,
	}
	return ec, ec.Validate()
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// newLogger builds the process logger described by cfg.
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	lvl, err := parseLevel(cfg.Log.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
