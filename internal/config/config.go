// Package config holds the process-wide defaults: model provider selection,
// credentials, and fallback policy ceilings applied to jobs that omit their
// own. Configuration is read once at startup and never mutated mid-run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel          = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens      = 4096
	DefaultTimeoutSeconds = 300
	DefaultMaxSteps       = 20
	DefaultMaxRetries     = 3
	DefaultJobsDir        = "jobs"
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Defaults  DefaultsConfig  `json:"defaults"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// DefaultsConfig is applied to job fields left unset in the job file.
type DefaultsConfig struct {
	Model          string  `json:"model"`
	MaxTokens      int     `json:"maxTokens"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
	MaxSteps       int     `json:"maxSteps"`
	MaxRetries     int     `json:"maxRetries"`
}

type SchedulerConfig struct {
	JobsDir string `json:"jobsDir"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{},
		Defaults: DefaultsConfig{
			Model:          DefaultModel,
			MaxTokens:      DefaultMaxTokens,
			TimeoutSeconds: DefaultTimeoutSeconds,
			MaxSteps:       DefaultMaxSteps,
			MaxRetries:     DefaultMaxRetries,
		},
		Scheduler: SchedulerConfig{
			JobsDir: filepath.Join(ConfigDir(), DefaultJobsDir),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".agentrun")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("AGENTRUN_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("AGENTRUN_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if dir := os.Getenv("AGENTRUN_JOBS_DIR"); dir != "" {
		cfg.Scheduler.JobsDir = dir
	}
	if steps := os.Getenv("AGENTRUN_MAX_STEPS"); steps != "" {
		if parsed, err := strconv.Atoi(steps); err == nil {
			cfg.Defaults.MaxSteps = parsed
		}
	}
	if timeout := os.Getenv("AGENTRUN_TIMEOUT_SECONDS"); timeout != "" {
		if parsed, err := strconv.ParseFloat(timeout, 64); err == nil {
			cfg.Defaults.TimeoutSeconds = parsed
		}
	}

	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = DefaultModel
	}
	if cfg.Defaults.MaxTokens <= 0 {
		cfg.Defaults.MaxTokens = DefaultMaxTokens
	}
	if cfg.Scheduler.JobsDir == "" {
		cfg.Scheduler.JobsDir = DefaultConfig().Scheduler.JobsDir
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
