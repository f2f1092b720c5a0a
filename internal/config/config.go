// Package config loads engine configuration from TOML with env overrides.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use "30s" / "2m" strings.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	LLM      LLMConfig             `toml:"llm"`
	Retry    RetryConfig           `toml:"retry"`
	Breaker  BreakerConfig         `toml:"breaker"`
	Pool     PoolConfig            `toml:"pool"`
	Workflow WorkflowConfig        `toml:"workflow"`
	Paths    PathsConfig           `toml:"paths"`
	Observer ObserverConfig        `toml:"observer"`
	Logging  LoggingConfig         `toml:"logging"`
	Roles    map[string]RoleConfig `toml:"roles"`
}

type LLMConfig struct {
	Endpoint    string   `toml:"endpoint"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	Temperature float64  `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
	Timeout     Duration `toml:"timeout"`
	Stream      bool     `toml:"stream"`
}

type RetryConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	Jitter       float64  `toml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	RecoveryTimeout  Duration `toml:"recovery_timeout"`
}

type PoolConfig struct {
	MaxAge           Duration `toml:"max_age"`
	FailureThreshold int      `toml:"failure_threshold"`
}

type WorkflowConfig struct {
	Concurrency   int      `toml:"concurrency"`
	TaskTimeout   Duration `toml:"task_timeout"`
	SummaryLength int      `toml:"summary_length"`
	TailLines     int      `toml:"tail_lines"`
}

type PathsConfig struct {
	Workspace    string `toml:"workspace"`
	Output       string `toml:"output"`
	CheckpointDB string `toml:"checkpoint_db"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// RoleConfig overrides one role's behavior.
type RoleConfig struct {
	Prompt   string `toml:"prompt"`
	Disabled bool   `toml:"disabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     Duration{5 * time.Minute},
			Stream:      true,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: Duration{time.Second},
			MaxDelay:     Duration{60 * time.Second},
			Jitter:       0.25,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration{60 * time.Second},
		},
		Pool: PoolConfig{
			MaxAge:           Duration{time.Hour},
			FailureThreshold: 5,
		},
		Workflow: WorkflowConfig{
			Concurrency:   5,
			TaskTimeout:   Duration{10 * time.Minute},
			SummaryLength: 300,
			TailLines:     20,
		},
		Paths: PathsConfig{
			Workspace:    "./workspace",
			Output:       "./output",
			CheckpointDB: "ensemble.db",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "ensemble.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ENSEMBLE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ENSEMBLE_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("ENSEMBLE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	return cfg
}
