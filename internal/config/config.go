// Package config loads the engine configuration: aggregation policy, LLM
// backend selection, storage location, and logging. Values come from an
// optional YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dshills/aidetect/internal/aggregate"
)

// LLMConfig selects and tunes the semantic detection backend.
type LLMConfig struct {
	// Enabled turns the semantic signal on. When false the engine runs on
	// structural signals only.
	Enabled     bool    `mapstructure:"enabled"`
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	// TimeoutSeconds bounds one model call, repair attempt included.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// MaxInFlight bounds concurrent model calls within a batch.
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// Timeout returns the per-call timeout as a duration.
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// StoreConfig locates the results database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// BackfillConfig tunes historical re-detection runs.
type BackfillConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	Workers   int `mapstructure:"workers"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Format string `mapstructure:"format"` // json or console
	Level  string `mapstructure:"level"`
}

// Config is the complete engine configuration.
type Config struct {
	// PatternFile overrides the built-in pattern registry with a YAML rule
	// file. Empty means built-in rules.
	PatternFile string           `mapstructure:"pattern_file"`
	Aggregate   aggregate.Config `mapstructure:"aggregate"`
	LLM         LLMConfig        `mapstructure:"llm"`
	Store       StoreConfig      `mapstructure:"store"`
	Backfill    BackfillConfig   `mapstructure:"backfill"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Aggregate: aggregate.DefaultConfig(),
		LLM: LLMConfig{
			Enabled:        true,
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-5",
			MaxTokens:      1024,
			Temperature:    0.1,
			TimeoutSeconds: 60,
			MaxInFlight:    4,
		},
		Store:    StoreConfig{Path: "aidetect.db"},
		Backfill: BackfillConfig{BatchSize: 100, Workers: 4},
		Logging:  LoggingConfig{Format: "console", Level: "info"},
	}
}

// Load reads configuration from the given YAML file, or from aidetect.yaml in
// the working directory when path is empty. A missing default file is not an
// error; the defaults apply. Environment variables prefixed AIDETECT_ override
// file values (AIDETECT_LLM_PROVIDER, AIDETECT_AGGREGATE_THRESHOLD, ...).
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("pattern_file", def.PatternFile)
	v.SetDefault("aggregate.threshold", def.Aggregate.Threshold)
	v.SetDefault("aggregate.weights.llm", def.Aggregate.Weights.LLM)
	v.SetDefault("aggregate.weights.commit", def.Aggregate.Weights.Commit)
	v.SetDefault("aggregate.weights.text", def.Aggregate.Weights.Text)
	v.SetDefault("aggregate.weights.review", def.Aggregate.Weights.Review)
	v.SetDefault("aggregate.weights.file", def.Aggregate.Weights.File)
	v.SetDefault("llm.enabled", def.LLM.Enabled)
	v.SetDefault("llm.provider", def.LLM.Provider)
	v.SetDefault("llm.model", def.LLM.Model)
	v.SetDefault("llm.max_tokens", def.LLM.MaxTokens)
	v.SetDefault("llm.temperature", def.LLM.Temperature)
	v.SetDefault("llm.timeout_seconds", def.LLM.TimeoutSeconds)
	v.SetDefault("llm.max_in_flight", def.LLM.MaxInFlight)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("backfill.batch_size", def.Backfill.BatchSize)
	v.SetDefault("backfill.workers", def.Backfill.Workers)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.level", def.Logging.Level)

	v.SetEnvPrefix("AIDETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("aidetect")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if err := c.Aggregate.Validate(); err != nil {
		return err
	}
	if c.LLM.Enabled {
		switch c.LLM.Provider {
		case "anthropic", "openai", "google":
		default:
			return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
		}
		if c.LLM.MaxTokens <= 0 {
			return fmt.Errorf("config: llm max_tokens must be positive, got %d", c.LLM.MaxTokens)
		}
		if c.LLM.TimeoutSeconds <= 0 {
			return fmt.Errorf("config: llm timeout_seconds must be positive, got %d", c.LLM.TimeoutSeconds)
		}
		if c.LLM.MaxInFlight <= 0 {
			return fmt.Errorf("config: llm max_in_flight must be positive, got %d", c.LLM.MaxInFlight)
		}
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store path must not be empty")
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("config: backfill batch_size must be positive, got %d", c.Backfill.BatchSize)
	}
	if c.Backfill.Workers <= 0 {
		return fmt.Errorf("config: backfill workers must be positive, got %d", c.Backfill.Workers)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: logging format %q, want json or console", c.Logging.Format)
	}
	return nil
}
