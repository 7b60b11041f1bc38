package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Generation GenerationConfig `mapstructure:"generation"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type RateLimitConfig struct {
	MaxRequests    int           `mapstructure:"max_requests"`
	Window         time.Duration `mapstructure:"window"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type CacheConfig struct {
	// Store is the durable tier: memory, redis or sqlite.
	Store            string        `mapstructure:"store"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	TTL              time.Duration `mapstructure:"ttl"`
	MaxMemoryEntries int           `mapstructure:"max_memory_entries"`
	ExhaustiveBelow  float64       `mapstructure:"exhaustive_below"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LedgerConfig struct {
	// UseRedis shares the daily ledger between processes through Redis.
	UseRedis  bool          `mapstructure:"use_redis"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

type BatchConfig struct {
	Size  int           `mapstructure:"size"`
	Delay time.Duration `mapstructure:"delay"`
}

type BudgetConfig struct {
	Enforce                     bool          `mapstructure:"enforce"`
	DailyLimit                  float64       `mapstructure:"daily_limit"`
	WarningThreshold            float64       `mapstructure:"warning_threshold"`
	CacheThreshold              float64       `mapstructure:"cache_threshold"`
	EnableProgressiveGeneration bool          `mapstructure:"enable_progressive_generation"`
	EnableSemanticCache         bool          `mapstructure:"enable_semantic_cache"`
	PreferBatchProcessing       bool          `mapstructure:"prefer_batch_processing"`
	Pricing                     PricingConfig `mapstructure:"pricing"`
}

type PricingConfig struct {
	PreviewImage  float64 `mapstructure:"preview_image"`
	StandardImage float64 `mapstructure:"standard_image"`
	HighImage     float64 `mapstructure:"high_image"`
	TextPer1K     float64 `mapstructure:"text_per_1k"`
}

type GenerationConfig struct {
	Provider     string        `mapstructure:"provider"`
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	OpenAIAPIKey string        `mapstructure:"openai_api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	TextModel    string        `mapstructure:"text_model"`
	ImageModel   string        `mapstructure:"image_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	Addr          string `mapstructure:"addr"`
	ServiceName   string `mapstructure:"service_name"`
}

// APIKey returns the key of the selected provider.
func (g GenerationConfig) APIKey() string {
	if strings.EqualFold(g.Provider, "openai") {
		return g.OpenAIAPIKey
	}
	return g.GeminiAPIKey
}

var cfg *Config

// Load reads config.yaml from configPath (or the default locations), then
// applies environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/genmediator")
	}

	setDefaults(v)

	v.SetEnvPrefix("GENMEDIATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

// Validate rejects values no component can run with. A missing API key is
// not an error here; it surfaces when a generator is built.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_requests must be positive, got %d", c.RateLimit.MaxRequests))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window))
	}
	for name, f := range map[string]float64{
		"budget.warning_threshold": c.Budget.WarningThreshold,
		"budget.cache_threshold":   c.Budget.CacheThreshold,
		"cache.exhaustive_below":   c.Cache.ExhaustiveBelow,
	} {
		if f < 0 || f > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %g", name, f))
		}
	}
	switch c.Cache.Store {
	case "memory", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("cache.store must be memory, redis or sqlite, got %q", c.Cache.Store))
	}
	switch strings.ToLower(c.Generation.Provider) {
	case "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("generation.provider must be gemini or openai, got %q", c.Generation.Provider))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")

	// Fifteen requests per minute matches the free Gemini tier.
	v.SetDefault("rate_limit.max_requests", 15)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.tick_interval", "1s")
	v.SetDefault("rate_limit.acquire_timeout", "5m")

	// Cache defaults
	v.SetDefault("cache.store", "memory")
	v.SetDefault("cache.sqlite_path", "genmediator-cache.db")
	v.SetDefault("cache.key_prefix", "genmediator:cache:")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.max_memory_entries", 100)
	v.SetDefault("cache.exhaustive_below", 0.95)

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.db", 0)

	// Ledger defaults
	v.SetDefault("ledger.use_redis", false)
	v.SetDefault("ledger.key_prefix", "genmediator:usage:")
	v.SetDefault("ledger.retention", "840h")

	// Batch defaults
	v.SetDefault("batch.size", 5)
	v.SetDefault("batch.delay", "1s")

	// Budget defaults
	v.SetDefault("budget.enforce", true)
	v.SetDefault("budget.daily_limit", 5.0)
	v.SetDefault("budget.warning_threshold", 0.8)
	v.SetDefault("budget.cache_threshold", 0.85)
	v.SetDefault("budget.enable_progressive_generation", true)
	v.SetDefault("budget.enable_semantic_cache", true)
	v.SetDefault("budget.prefer_batch_processing", false)
	v.SetDefault("budget.pricing.preview_image", 0.002)
	v.SetDefault("budget.pricing.standard_image", 0.02)
	v.SetDefault("budget.pricing.high_image", 0.04)
	v.SetDefault("budget.pricing.text_per_1k", 0.0005)

	// Generation defaults
	v.SetDefault("generation.provider", "gemini")
	v.SetDefault("generation.timeout", "2m")
	v.SetDefault("generation.retry.max_attempts", 1)
	v.SetDefault("generation.retry.initial_delay", "1s")
	v.SetDefault("generation.retry.max_delay", "30s")
	v.SetDefault("generation.retry.multiplier", 2.0)
	v.SetDefault("generation.retry.jitter", true)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.addr", ":9090")
	v.SetDefault("monitoring.service_name", "genmediator")
}

func bindEnvVars(v *viper.Viper) {
	// Provider credentials
	v.BindEnv("generation.gemini_api_key", "GEMINI_API_KEY")
	v.BindEnv("generation.openai_api_key", "OPENAI_API_KEY")
	v.BindEnv("generation.provider", "GENERATION_PROVIDER")

	// Redis
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// Budget
	v.BindEnv("budget.daily_limit", "BUDGET_DAILY_LIMIT")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("logging.format", "LOG_FORMAT")
}

func Get() *Config {
	return cfg
}
