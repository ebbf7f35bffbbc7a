// Package config loads engine settings from mendstep.yml, MENDSTEP_*
// environment variables and built-in defaults, in increasing precedence
// order: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the working directory.
const FileName = "mendstep"

type StoreConfig struct {
	// Backend is "fs" or "sqlite".
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	CacheSize int    `mapstructure:"cache_size"`
}

type PlannerConfig struct {
	// Kind is "template" (no model) or "llm".
	Kind        string  `mapstructure:"kind"`
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxDOMBytes int     `mapstructure:"max_dom_bytes"`
	// HeuristicRepair runs the deterministic repairer before the model.
	HeuristicRepair bool `mapstructure:"heuristic_repair"`
}

type Config struct {
	DataDir           string        `mapstructure:"data_dir"`
	MaxParallelRuns   int           `mapstructure:"max_parallel_runs"`
	MaxRepairAttempts int           `mapstructure:"max_repair_attempts"`
	PlannerTimeout    time.Duration `mapstructure:"planner_timeout"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	LogLevel          string        `mapstructure:"log_level"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`

	Store   StoreConfig   `mapstructure:"store"`
	Planner PlannerConfig `mapstructure:"planner"`
}

// StorePath is where the version store lives.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Backend == "sqlite" {
		return filepath.Join(c.DataDir, "mendstep.db")
	}
	return filepath.Join(c.DataDir, "scripts")
}

func (c *Config) ArtifactsDir() string { return filepath.Join(c.DataDir, "artifacts") }
func (c *Config) SessionsDir() string  { return filepath.Join(c.DataDir, "sessions") }
func (c *Config) LogsDir() string      { return filepath.Join(c.DataDir, "logs") }

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".mendstep")
	v.SetDefault("max_parallel_runs", 2)
	v.SetDefault("max_repair_attempts", 2)
	v.SetDefault("planner_timeout", 2*time.Minute)
	v.SetDefault("run_timeout", 10*time.Minute)
	v.SetDefault("step_timeout", 15*time.Second)
	v.SetDefault("attempt_timeout", 1500*time.Millisecond)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("store.backend", "fs")
	v.SetDefault("store.path", "")
	v.SetDefault("store.cache_size", 128)

	v.SetDefault("planner.kind", "template")
	v.SetDefault("planner.base_url", "https://api.openai.com/v1")
	v.SetDefault("planner.api_key", "")
	v.SetDefault("planner.model", "gpt-4o-mini")
	v.SetDefault("planner.temperature", 0.0)
	v.SetDefault("planner.max_dom_bytes", 24*1024)
	v.SetDefault("planner.heuristic_repair", true)
}

// Load reads path, or mendstep.yml in the working directory when path is
// empty. A missing default file is not an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MENDSTEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Planner.APIKey == "" {
		cfg.Planner.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "fs", "sqlite":
	default:
		return fmt.Errorf("store.backend must be fs or sqlite, got %q", c.Store.Backend)
	}
	switch c.Planner.Kind {
	case "template":
	case "llm":
		if c.Planner.APIKey == "" {
			return fmt.Errorf("planner.kind llm needs planner.api_key or OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("planner.kind must be template or llm, got %q", c.Planner.Kind)
	}
	if c.MaxParallelRuns < 1 {
		return fmt.Errorf("max_parallel_runs must be at least 1")
	}
	if c.MaxRepairAttempts < 0 {
		return fmt.Errorf("max_repair_attempts must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"planner_timeout": c.PlannerTimeout,
		"run_timeout":     c.RunTimeout,
		"step_timeout":    c.StepTimeout,
		"attempt_timeout": c.AttemptTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
