// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Port          string        `env:"PORT" envDefault:"8080"`
	FrontendURL   string        `env:"FRONTEND_URL"`
	DBPath        string        `env:"DB_PATH" envDefault:"./data/questline.db"`
	ChallengesDir string        `env:"CHALLENGES_DIR"` // empty serves the embedded catalog
	SessionIdle   time.Duration `env:"SESSION_IDLE_TTL" envDefault:"2h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	MaxTasks      int           `env:"MAX_LLM_TASKS_PER_REQUEST" envDefault:"4"`
	HintsPerMin   int           `env:"HINT_RATE_PER_MINUTE" envDefault:"6"`

	LLM        LLMConfig        `envPrefix:"LLM_"`
	Providers  ProviderKeys
	Transcript TranscriptConfig `envPrefix:"TRANSCRIPT_LOG_"`
	Telemetry  TelemetryConfig  `envPrefix:"OTEL_"`
}

// LLMConfig selects the default model and bounds each call.
type LLMConfig struct {
	DefaultProvider string        `env:"DEFAULT_PROVIDER" envDefault:"openai"`
	DefaultModel    string        `env:"DEFAULT_MODEL" envDefault:"gpt-4o-mini"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"60s"`
	SidecarAddr     string        `env:"SIDECAR_ADDR"`
}

// ProviderKeys holds vendor credentials. A provider without a key is not registered.
type ProviderKeys struct {
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	AnthropicKey  string `env:"ANTHROPIC_API_KEY"`
	GeminiKey     string `env:"GEMINI_API_KEY"`
	GeminiBaseURL string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta/openai/"`
}

// TranscriptConfig controls per-session NDJSON transcripts of model calls.
type TranscriptConfig struct {
	Enabled   bool   `env:"ENABLED" envDefault:"true"`
	Dir       string `env:"DIR" envDefault:"./data/logs/transcripts"`
	QueueSize int    `env:"QUEUE_SIZE" envDefault:"1000"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `env:"ENABLED"`
	Endpoint string `env:"ENDPOINT"`
}

// Load seeds the environment from .env when present, then parses it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(env.Options{})
}

// Parse reads configuration from environ instead of the process environment.
func Parse(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.MaxTasks <= 0 {
		errs = append(errs, errors.New("MAX_LLM_TASKS_PER_REQUEST must be > 0"))
	}
	if c.HintsPerMin < 0 {
		errs = append(errs, errors.New("HINT_RATE_PER_MINUTE cannot be negative"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be > 0"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("LLM_TIMEOUT must be > 0"))
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		errs = append(errs, errors.New("TRANSCRIPT_LOG_DIR cannot be empty"))
	}
	if c.Transcript.QueueSize <= 0 {
		errs = append(errs, errors.New("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("OTEL_ENDPOINT is required when OTEL_ENABLED is set"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
