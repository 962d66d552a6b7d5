/*
PURPOSE:
  Defines the configuration structure and loading logic for ollama-bench.
  Adheres to "Config IS Code" philosophy: every default lives in DefaultConfig.

REQUIREMENTS:
  User-specified:
  - Allow configuration of the Ollama URL, service name, prompt, repeats and timeouts.
  - Restart isolation and memory sampling on by default, tegrastats opt-in.

  Implementation-discovered:
  - Needs to support YAML and TOML files (chosen by extension).
  - Needs to support environment overrides (OLLAMA_BENCH_...), optionally from .env files.

ARCHITECTURE INTEGRATION:
  - Used by: internal/cli, internal/engine
  - Dependencies: gopkg.in/yaml.v3, github.com/BurntSushi/toml,
    github.com/caarlos0/env/v11, github.com/joho/godotenv

ERROR HANDLING:
  - Returns explicit error if config file is invalid.
  - A missing default file is not an error (falls back to defaults).

IMPLEMENTATION RULES:
  - Config struct tags must cover yaml, toml and env.
  - Defaults mirror the original tool (600s HTTP timeout, 60s start timeout).

USAGE:
  cfg, err := config.Load("ollama_bench.yaml")

SELF-HEALING INSTRUCTIONS:
  - If new fields are needed, add to Config struct, DefaultConfig() and Validate().

RELATED FILES:
  - internal/cli/run.go

MAINTENANCE:
  - Update when adding new tuning parameters.
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "OLLAMA_BENCH_"

// Config represents the full configuration for ollama-bench.
type Config struct {
	BaseURL string `yaml:"base_url" toml:"base_url" env:"BASE_URL"`
	Service string `yaml:"service" toml:"service" env:"SERVICE"`

	// Models skips discovery when non-empty.
	Models []string `yaml:"models" toml:"models" env:"MODELS"`
	// Exclude is a list of strings to filter discovered model names (substring match)
	Exclude []string `yaml:"exclude" toml:"exclude" env:"EXCLUDE"`

	Prompt      string  `yaml:"prompt" toml:"prompt" env:"PROMPT"`
	NumPredict  int     `yaml:"num_predict" toml:"num_predict" env:"NUM_PREDICT"`
	Temperature float64 `yaml:"temperature" toml:"temperature" env:"TEMPERATURE"`
	Warmup      int     `yaml:"warmup" toml:"warmup" env:"WARMUP"`
	Repeats     int     `yaml:"repeats" toml:"repeats" env:"REPEATS"`

	Restart      bool `yaml:"restart" toml:"restart" env:"RESTART"`
	SampleMemory bool `yaml:"sample_memory" toml:"sample_memory" env:"SAMPLE_MEMORY"`
	Tegrastats   bool `yaml:"tegrastats" toml:"tegrastats" env:"TEGRASTATS"`

	HTTPTimeout        time.Duration `yaml:"http_timeout" toml:"http_timeout" env:"HTTP_TIMEOUT"`
	StartTimeout       time.Duration `yaml:"start_timeout" toml:"start_timeout" env:"START_TIMEOUT"`
	ReadyPollInterval  time.Duration `yaml:"ready_poll_interval" toml:"ready_poll_interval" env:"READY_POLL_INTERVAL"`
	MemoryPollInterval time.Duration `yaml:"memory_poll_interval" toml:"memory_poll_interval" env:"MEMORY_POLL_INTERVAL"`
	SamplerJoinTimeout time.Duration `yaml:"sampler_join_timeout" toml:"sampler_join_timeout" env:"SAMPLER_JOIN_TIMEOUT"`

	// ProcessName is matched against /proc comm and cmdline to find the daemon.
	ProcessName string `yaml:"process_name" toml:"process_name" env:"PROCESS_NAME"`
	// RestartCommand gets the service name appended.
	RestartCommand   []string `yaml:"restart_command" toml:"restart_command" env:"RESTART_COMMAND" envSeparator:" "`
	TelemetryCommand []string `yaml:"telemetry_command" toml:"telemetry_command" env:"TELEMETRY_COMMAND" envSeparator:" "`

	CSVPath     string `yaml:"csv" toml:"csv" env:"CSV"`
	JSONPath    string `yaml:"json" toml:"json" env:"JSON"`
	RunsLog     string `yaml:"runs_log" toml:"runs_log" env:"RUNS_LOG"`
	MetricsFile string `yaml:"metrics_file" toml:"metrics_file" env:"METRICS_FILE"`

	LogLevel  string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" toml:"log_format" env:"LOG_FORMAT"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "http://127.0.0.1:11434",
		Service:            "ollama",
		Prompt:             "Explain mutex vs semaphore and give a short example.",
		NumPredict:         256,
		Temperature:        0.0,
		Warmup:             1,
		Repeats:            1,
		Restart:            true,
		SampleMemory:       true,
		Tegrastats:         false,
		HTTPTimeout:        600 * time.Second,
		StartTimeout:       60 * time.Second,
		ReadyPollInterval:  1 * time.Second,
		MemoryPollInterval: 50 * time.Millisecond,
		SamplerJoinTimeout: 1 * time.Second,
		ProcessName:        "ollama",
		RestartCommand:     []string{"sudo", "-n", "systemctl", "restart"},
		TelemetryCommand:   []string{"sudo", "-n", "tegrastats"},
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// DefaultFiles are searched in order when no path is given.
var DefaultFiles = []string{"ollama_bench.yaml", "ollama_bench.yml", "ollama_bench.toml"}

// EnvFiles are loaded into the process environment before overrides are read.
// Variables already set in the environment win.
var EnvFiles = []string{".env", ".env.local"}

// Load reads configuration from a file, then applies environment overrides.
// If path is empty, it searches DefaultFiles in order.
// If no file found, defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, name := range DefaultFiles {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFiles(EnvFiles); err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	return nil
}

func loadEnvFiles(files []string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files %v: %w", existing, err)
	}
	return nil
}

// Validate checks ranges and fills values that must never be zero.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url must not be empty"))
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.Warmup < 0 {
		errs = append(errs, fmt.Errorf("warmup must be >= 0, got %d", c.Warmup))
	}
	// At least one measured run per model.
	if c.Repeats < 1 {
		c.Repeats = 1
	}
	if c.NumPredict < 0 {
		errs = append(errs, fmt.Errorf("num_predict must be >= 0, got %d", c.NumPredict))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http_timeout must be positive, got %s", c.HTTPTimeout))
	}
	if c.StartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("start_timeout must be positive, got %s", c.StartTimeout))
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = time.Second
	}
	if c.MemoryPollInterval <= 0 {
		c.MemoryPollInterval = 50 * time.Millisecond
	}
	if c.SamplerJoinTimeout <= 0 {
		c.SamplerJoinTimeout = time.Second
	}
	if c.Restart && len(c.RestartCommand) == 0 {
		errs = append(errs, errors.New("restart_command must not be empty when restart is enabled"))
	}
	if c.Tegrastats && len(c.TelemetryCommand) == 0 {
		errs = append(errs, errors.New("telemetry_command must not be empty when tegrastats is enabled"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
