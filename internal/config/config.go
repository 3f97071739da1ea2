// Package config loads the YAML config surface (base.yaml, llm.yaml,
// memory.yaml, prompt/*.yaml) and process secrets from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DirEnv names the environment variable pointing at the config root.
const DirEnv = "ENGRAM_CONFIG_DIR"

// DefaultDir is used when DirEnv is unset.
const DefaultDir = "./config"

// Dir resolves the config root directory.
func Dir() string {
	if v := os.Getenv(DirEnv); v != "" {
		return v
	}
	return DefaultDir
}

// Config is the full file-backed configuration. Secrets are deliberately
// not here; they come from the environment via FromEnv.
type Config struct {
	Base   BaseConfig
	LLM    LLMConfig
	Memory MemoryConfig
}

// BaseConfig is base.yaml.
type BaseConfig struct {
	Prefix      string            `yaml:"prefix"`
	Activity    string            `yaml:"activity"`
	Version     string            `yaml:"version"`
	Logging     LoggingConfig     `yaml:"logging"`
	ColoredLogs ColoredLogsConfig `yaml:"colored_logs"`
}

// LoggingConfig tunes the file sink.
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
	FsyncOnFlush  bool   `yaml:"fsync_on_flush"`
}

// FlushIntervalDuration parses the flush interval, falling back to 2s.
func (l LoggingConfig) FlushIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(l.FlushInterval); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

// ColoredLogsConfig maps levels and sources to console color names.
type ColoredLogsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Levels  map[string]string `yaml:"levels"`
	Sources map[string]string `yaml:"sources"`
}

// LLMConfig is llm.yaml.
type LLMConfig struct {
	// ModelPriorities maps an agent type to an ordered provider list;
	// each entry is a single-key map of provider name to its models in
	// preference order.
	ModelPriorities map[string][]map[string][]string `yaml:"model_priorities"`
	Retry           RetryConfig                      `yaml:"retry"`
	ConfirmChunks   int                              `yaml:"confirm_chunks"`
	RateLimit       RateLimitConfig                  `yaml:"rate_limit"`
}

// RetryConfig tunes the gateway retry controller.
type RetryConfig struct {
	MaxRetries int     `yaml:"max_retries"`
	BaseDelay  string  `yaml:"base_delay"`
	Jitter     float64 `yaml:"jitter"`
	Ceiling    string  `yaml:"ceiling"`
}

// BaseDelayDuration parses the retry base delay, falling back to 1s.
func (r RetryConfig) BaseDelayDuration() time.Duration {
	if d, err := time.ParseDuration(r.BaseDelay); err == nil && d > 0 {
		return d
	}
	return time.Second
}

// CeilingDuration parses the delay ceiling, falling back to 30s.
func (r RetryConfig) CeilingDuration() time.Duration {
	if d, err := time.ParseDuration(r.Ceiling); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// RateLimitConfig caps provider throughput. Zero disables a dimension.
type RateLimitConfig struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

// ProviderModels is one resolved priority entry.
type ProviderModels struct {
	Provider string
	Models   []string
}

// Priorities returns the ordered provider list for an agent type,
// falling back to the "default" agent when the type has no entry.
func (l LLMConfig) Priorities(agent string) []ProviderModels {
	entries, ok := l.ModelPriorities[agent]
	if !ok {
		entries = l.ModelPriorities["default"]
	}
	var out []ProviderModels
	for _, entry := range entries {
		for provider, models := range entry {
			out = append(out, ProviderModels{Provider: provider, Models: models})
		}
	}
	return out
}

// MemoryConfig is memory.yaml.
type MemoryConfig struct {
	Enabled          *bool           `yaml:"enabled"`
	Backend          string          `yaml:"backend"`
	DBPath           string          `yaml:"db_path"`
	PostgresURL      string          `yaml:"postgres_url"`
	VectorStore      VectorStoreCfg  `yaml:"vector_store"`
	Embedding        EmbeddingConfig `yaml:"embedding"`
	MessageThreshold int             `yaml:"message_threshold"`
	VectorSearchK    int             `yaml:"vector_search_k"`
	KeywordSearchK   int             `yaml:"keyword_search_k"`
	ETLInterval      string          `yaml:"etl_interval"`
	Retention        string          `yaml:"retention"`
	ChatHost         string          `yaml:"chat_host"`
}

// IsEnabled reports whether the memory pipeline runs. Default on.
func (m MemoryConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ETLIntervalDuration parses the capture cadence, falling back to 10s.
func (m MemoryConfig) ETLIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(m.ETLInterval); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// VectorStoreCfg points at the vector index.
type VectorStoreCfg struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

// EmbeddingConfig selects the embedding provider by registry key.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Base: BaseConfig{
			Prefix:   "!",
			Activity: "listening",
			Version:  "dev",
			Logging: LoggingConfig{
				Dir:           "logs",
				BatchSize:     10,
				FlushInterval: "2s",
			},
		},
		LLM: LLMConfig{
			ModelPriorities: map[string][]map[string][]string{
				"default": {
					{"google": {"gemini-2.5-flash"}},
					{"openai": {"gpt-4o-mini"}},
				},
			},
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  "1s",
				Jitter:     0.5,
				Ceiling:    "30s",
			},
			ConfirmChunks: 1,
		},
		Memory: MemoryConfig{
			Backend:          "sqlite",
			DBPath:           "engram.db",
			Embedding:        EmbeddingConfig{Provider: "base", Dimensions: 768},
			MessageThreshold: 50,
			VectorSearchK:    5,
			KeywordSearchK:   5,
			ETLInterval:      "10s",
			Retention:        "archive",
			ChatHost:         "discord.com",
		},
	}
}

// Load reads the YAML surface under dir over Default values. Files that
// are absent are fine; files that fail to parse contribute a warning and
// leave their section at defaults. Callers report the warnings through
// the error seam and continue.
func Load(dir string) (Config, []error) {
	cfg := Default()
	var warns []error

	if err := overlay(filepath.Join(dir, "base.yaml"), &cfg.Base); err != nil {
		warns = append(warns, err)
	}
	if err := overlay(filepath.Join(dir, "llm.yaml"), &cfg.LLM); err != nil {
		warns = append(warns, err)
	}
	if err := overlay(filepath.Join(dir, "memory.yaml"), &cfg.Memory); err != nil {
		warns = append(warns, err)
	}
	return cfg, warns
}

// overlay unmarshals one YAML file directly onto dst, so fields the file
// omits keep the values dst already holds. Missing files are not errors.
func overlay[T any](path string, dst *T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
