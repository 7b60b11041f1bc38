package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior for provider calls.
type Config struct {
	MaxAttempts  int           `mapstructure:"max_attempts"` // including the first call
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// IsRetryable reports whether err is worth another attempt.
type IsRetryable func(error) bool

var transientPatterns = []string{
	"429",
	"500",
	"502",
	"503",
	"504",
	"resource_exhausted",
	"resource exhausted",
	"unavailable",
	"connection refused",
	"connection reset",
}

// IsTransient matches provider overload and network failures. Deadlines and
// cancellations are final: the caller's time budget is spent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error, or runs out
// of attempts. It returns the last error seen.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error), isRetryable IsRetryable) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if isRetryable == nil {
		isRetryable = IsTransient
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(Backoff(attempt, cfg)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// Backoff is the pause after the given zero-based attempt.
func Backoff(attempt int, cfg Config) time.Duration {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(max(attempt, 0))))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		delay += time.Duration(rand.Float64() * float64(delay) * 0.3)
	}
	return delay
}
