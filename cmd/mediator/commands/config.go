package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amerfu/genmediator/internal/config"
)

// NewConfigCommand creates the config command
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			masked := maskSecrets(*cfg)
			Output(masked, configRows(masked))
			return nil
		},
	})

	return cmd
}

func maskSecrets(cfg config.Config) config.Config {
	cfg.Generation.GeminiAPIKey = mask(cfg.Generation.GeminiAPIKey)
	cfg.Generation.OpenAIAPIKey = mask(cfg.Generation.OpenAIAPIKey)
	cfg.Redis.Password = mask(cfg.Redis.Password)
	return cfg
}

// mask keeps the last four characters of keys long enough to stay secret.
func mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}

func configRows(cfg config.Config) [][]string {
	return [][]string{
		{"generation.provider", cfg.Generation.Provider},
		{"generation.api_key", cfg.Generation.APIKey()},
		{"generation.timeout", cfg.Generation.Timeout.String()},
		{"generation.retry.max_attempts", strconv.Itoa(cfg.Generation.Retry.MaxAttempts)},
		{"rate_limit.max_requests", strconv.Itoa(cfg.RateLimit.MaxRequests)},
		{"rate_limit.window", cfg.RateLimit.Window.String()},
		{"rate_limit.acquire_timeout", cfg.RateLimit.AcquireTimeout.String()},
		{"cache.store", cfg.Cache.Store},
		{"cache.ttl", cfg.Cache.TTL.String()},
		{"cache.max_memory_entries", strconv.Itoa(cfg.Cache.MaxMemoryEntries)},
		{"batch.size", strconv.Itoa(cfg.Batch.Size)},
		{"batch.delay", cfg.Batch.Delay.String()},
		{"budget.enforce", strconv.FormatBool(cfg.Budget.Enforce)},
		{"budget.daily_limit", limitLabel(cfg.Budget.DailyLimit)},
		{"ledger.use_redis", strconv.FormatBool(cfg.Ledger.UseRedis)},
		{"redis.url", cfg.Redis.URL},
		{"monitoring.addr", cfg.Monitoring.Addr},
	}
}
