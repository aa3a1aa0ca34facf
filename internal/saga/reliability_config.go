package saga

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReliabilityConfig tunes the Caller wrapped around one external dependency.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// DefaultReliabilityConfig is used for any variable left unset.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxAttempts:    3,
		RetryBaseDelay:      200 * time.Millisecond,
		RetryMaxDelay:       2 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,
		RateLimitInterval:   100 * time.Millisecond,
		RateLimitBurst:      10,
	}
}

// LoadReliabilityConfig reads <prefix>_RETRY_MAX_ATTEMPTS, <prefix>_RETRY_BASE_DELAY,
// <prefix>_RETRY_MAX_DELAY, <prefix>_BREAKER_MAX_FAILURES, <prefix>_BREAKER_RESET_TIMEOUT,
// <prefix>_RATE_LIMIT_INTERVAL and <prefix>_RATE_LIMIT_BURST.
func LoadReliabilityConfig(prefix string) (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()
	var err error

	if cfg.RetryMaxAttempts, err = parseOptionalInt(prefix+"_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = parseOptionalDuration(prefix+"_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseOptionalDuration(prefix+"_RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseOptionalInt(prefix+"_BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseOptionalDuration(prefix+"_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseOptionalDuration(prefix+"_RATE_LIMIT_INTERVAL", cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseOptionalInt(prefix+"_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay > 0 && cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		return cfg, fmt.Errorf("%s_RETRY_BASE_DELAY must not exceed %s_RETRY_MAX_DELAY", prefix, prefix)
	}

	return cfg, nil
}

// Caller builds the limiter, breaker and retry policy described by cfg.
// Only transient errors trip the breaker.
func (cfg ReliabilityConfig) Caller() Caller {
	return Caller{
		Limiter: NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst),
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
			Counts:       IsTransient,
		}),
		Retry: RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	}
}

func parseOptionalDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseOptionalInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
