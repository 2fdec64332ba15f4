package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama" mapstructure:"ollama"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Cost      CostConfig      `yaml:"cost" mapstructure:"cost"`
	Schema    SchemaConfig    `yaml:"schema" mapstructure:"schema"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CacheConfig selects the field cache backend: memory, redis or store.
type CacheConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
}

// RedisConfig holds redis connection settings for the redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// AnthropicConfig holds Anthropic API settings for the hosted tiers.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	CheapModel     string  `yaml:"cheap_model" mapstructure:"cheap_model"`
	ExpensiveModel string  `yaml:"expensive_model" mapstructure:"expensive_model"`
	MaxTokens      int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// OllamaConfig holds local inference settings.
type OllamaConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	ServerURL    string  `yaml:"server_url" mapstructure:"server_url"`
	Model        string  `yaml:"model" mapstructure:"model"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// PricingConfig holds per-tier call costs and per-model token pricing.
type PricingConfig struct {
	Tiers     TierPricing             `yaml:"tiers" mapstructure:"tiers"`
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// TierPricing holds the flat cost (USD) charged per backend call of each tier.
type TierPricing struct {
	Deterministic float64 `yaml:"deterministic" mapstructure:"deterministic"`
	Local         float64 `yaml:"local" mapstructure:"local"`
	Cheap         float64 `yaml:"cheap" mapstructure:"cheap"`
	Expensive     float64 `yaml:"expensive" mapstructure:"expensive"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PipelineConfig configures extraction behavior.
type PipelineConfig struct {
	AcceptThreshold            float64            `yaml:"accept_threshold" mapstructure:"accept_threshold"`
	MaxIterations              int                `yaml:"max_iterations" mapstructure:"max_iterations"`
	QualityAuditPenalty        float64            `yaml:"quality_audit_penalty" mapstructure:"quality_audit_penalty"`
	DefaultConfidenceThreshold float64            `yaml:"default_confidence_threshold" mapstructure:"default_confidence_threshold"`
	CallTimeoutSecs            int                `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	FieldConcurrency           int                `yaml:"field_concurrency" mapstructure:"field_concurrency"`
	QuoteSimilarity            float64            `yaml:"quote_similarity" mapstructure:"quote_similarity"`
	ConfidenceCalibration      map[string]float64 `yaml:"confidence_calibration" mapstructure:"confidence_calibration"`
}

// RetryConfig configures transient-error retries for backend calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-backend circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentDocuments int     `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
	MemoryHighWaterPct     float64 `yaml:"memory_high_water_pct" mapstructure:"memory_high_water_pct"`
	SampleIntervalMs       int     `yaml:"sample_interval_ms" mapstructure:"sample_interval_ms"`
	DeadLetterMaxRetries   int     `yaml:"dead_letter_max_retries" mapstructure:"dead_letter_max_retries"`
	DeadLetterBackoffSecs  int     `yaml:"dead_letter_backoff_secs" mapstructure:"dead_letter_backoff_secs"`
}

// CostConfig configures budget enforcement.
type CostConfig struct {
	ConfirmCeilingUSD     float64 `yaml:"confirm_ceiling_usd" mapstructure:"confirm_ceiling_usd"`
	HardCeilingUSD        float64 `yaml:"hard_ceiling_usd" mapstructure:"hard_ceiling_usd"`
	EscalationProbability float64 `yaml:"escalation_probability" mapstructure:"escalation_probability"`
}

// SchemaConfig points at the field schema file.
type SchemaConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxBodyKB   int      `yaml:"max_body_kb" mapstructure:"max_body_kb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "extract.db")
	v.SetDefault("cache.backend", "store")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "extract:cache")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_kb", 4096)
	v.SetDefault("schema.path", "schema.yaml")
	v.SetDefault("anthropic.cheap_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.expensive_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.rate_limit_rps", 5.0)
	v.SetDefault("ollama.server_url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3.1")
	v.SetDefault("ollama.rate_limit_rps", 2.0)
	v.SetDefault("pricing.tiers.deterministic", 0.0)
	v.SetDefault("pricing.tiers.local", 0.001)
	v.SetDefault("pricing.tiers.cheap", 0.01)
	v.SetDefault("pricing.tiers.expensive", 0.05)
	v.SetDefault("pipeline.accept_threshold", 0.9)
	v.SetDefault("pipeline.max_iterations", 3)
	v.SetDefault("pipeline.quality_audit_penalty", 0.8)
	v.SetDefault("pipeline.default_confidence_threshold", 0.85)
	v.SetDefault("pipeline.call_timeout_secs", 45)
	v.SetDefault("pipeline.field_concurrency", 4)
	v.SetDefault("pipeline.quote_similarity", 0.9)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 2000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.1)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("batch.max_concurrent_documents", 4)
	v.SetDefault("batch.memory_high_water_pct", 85.0)
	v.SetDefault("batch.sample_interval_ms", 500)
	v.SetDefault("batch.dead_letter_max_retries", 3)
	v.SetDefault("batch.dead_letter_backoff_secs", 300)
	v.SetDefault("cost.confirm_ceiling_usd", 5.0)
	v.SetDefault("cost.hard_ceiling_usd", 25.0)
	v.SetDefault("cost.escalation_probability", 0.5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode
// ("run", "batch", "estimate", "cache", "serve").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "batch", "serve":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		if c.Anthropic.Key == "" && !c.Ollama.Enabled {
			errs = append(errs, "anthropic.key is required unless ollama.enabled is set")
		}
		if c.Schema.Path == "" {
			errs = append(errs, "schema.path is required")
		}
	case "estimate":
		if c.Schema.Path == "" {
			errs = append(errs, "schema.path is required")
		}
	case "cache":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	switch c.Cache.Backend {
	case "memory", "redis", "store":
	default:
		errs = append(errs, fmt.Sprintf("cache.backend %q must be memory, redis or store", c.Cache.Backend))
	}
	if c.Cache.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required for the redis cache backend")
	}

	if c.Batch.MaxConcurrentDocuments < 1 || c.Batch.MaxConcurrentDocuments > 64 {
		errs = append(errs, "batch.max_concurrent_documents must be between 1 and 64")
	}
	if c.Batch.MemoryHighWaterPct <= 0 || c.Batch.MemoryHighWaterPct > 100 {
		errs = append(errs, "batch.memory_high_water_pct must be in (0, 100]")
	}
	if c.Pipeline.MaxIterations < 1 {
		errs = append(errs, "pipeline.max_iterations must be >= 1")
	}
	for name, val := range map[string]float64{
		"pipeline.accept_threshold":             c.Pipeline.AcceptThreshold,
		"pipeline.quality_audit_penalty":        c.Pipeline.QualityAuditPenalty,
		"pipeline.default_confidence_threshold": c.Pipeline.DefaultConfidenceThreshold,
		"pipeline.quote_similarity":             c.Pipeline.QuoteSimilarity,
		"cost.escalation_probability":           c.Cost.EscalationProbability,
	} {
		if val < 0 || val > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}
	for tier, mul := range c.Pipeline.ConfidenceCalibration {
		if mul <= 0 {
			errs = append(errs, fmt.Sprintf("pipeline.confidence_calibration.%s must be > 0", tier))
		}
	}
	if c.Cost.HardCeilingUSD < 0 || c.Cost.ConfirmCeilingUSD < 0 {
		errs = append(errs, "cost ceilings must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
