package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration, loaded in priority order:
// defaults, optional config file (engine.toml), INTAKE_-prefixed environment
// variables. Secrets (database URL, LLM API key) have no defaults and are
// expected from the environment.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Blob     BlobConfig     `mapstructure:"blob"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port               string `mapstructure:"port"`
	AllowedOrigins     string `mapstructure:"allowed_origins"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int    `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"` // INTAKE_DATABASE_URL
	MaxConns int32  `mapstructure:"max_conns"`
}

type BlobConfig struct {
	Dir string `mapstructure:"dir"` // root of the filesystem blob store
}

type LLMConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	APIKey              string        `mapstructure:"api_key"` // INTAKE_LLM_API_KEY
	Model               string        `mapstructure:"model"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	GlobalRatePerMinute int           `mapstructure:"global_rate_per_minute"`
	GlobalBurst         int           `mapstructure:"global_burst"`
}

type PipelineConfig struct {
	ChunkSize     int `mapstructure:"chunk_size"`
	SampleRows    int `mapstructure:"sample_rows"`
	SampleBytes   int `mapstructure:"sample_bytes"`
	PlanCacheSize int `mapstructure:"plan_cache_size"`
	MemoSize      int `mapstructure:"memo_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// Load reads configuration. path may be empty; a missing config file is not
// an error, missing required values are.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8460")
	v.SetDefault("server.allowed_origins", "")
	v.SetDefault("server.rate_limit_per_minute", 300)
	v.SetDefault("server.rate_limit_burst", 60)

	v.SetDefault("database.max_conns", 16)

	v.SetDefault("blob.dir", "./data/blobs")

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.request_timeout", 30*time.Second)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.global_rate_per_minute", 120)
	v.SetDefault("llm.global_burst", 20)

	v.SetDefault("pipeline.chunk_size", 500)
	v.SetDefault("pipeline.sample_rows", 40)
	v.SetDefault("pipeline.sample_bytes", 64*1024)
	v.SetDefault("pipeline.plan_cache_size", 256)
	v.SetDefault("pipeline.memo_size", 4096)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate enforces the values the engine cannot run without. The LLM block
// is optional: with no base URL the engine boots degraded and the classifier
// skips its LLM layer.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set INTAKE_DATABASE_URL)")
	}
	if c.LLM.BaseURL != "" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.base_url is set but llm.api_key is empty (set INTAKE_LLM_API_KEY)")
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be positive")
	}
	if c.Pipeline.SampleRows <= 0 {
		return fmt.Errorf("pipeline.sample_rows must be positive")
	}
	return nil
}
