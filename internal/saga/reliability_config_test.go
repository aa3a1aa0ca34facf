package saga

import (
	"errors"
	"testing"
	"time"
)

func TestLoadReliabilityConfig_Parses(t *testing.T) {
	t.Setenv("REGISTRAR_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("REGISTRAR_RETRY_BASE_DELAY", "50ms")
	t.Setenv("REGISTRAR_RETRY_MAX_DELAY", "500ms")
	t.Setenv("REGISTRAR_BREAKER_MAX_FAILURES", "6")
	t.Setenv("REGISTRAR_BREAKER_RESET_TIMEOUT", "2s")
	t.Setenv("REGISTRAR_RATE_LIMIT_INTERVAL", "1ms")
	t.Setenv("REGISTRAR_RATE_LIMIT_BURST", "100")

	cfg, err := LoadReliabilityConfig("REGISTRAR")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := ReliabilityConfig{
		RetryMaxAttempts:    4,
		RetryBaseDelay:      50 * time.Millisecond,
		RetryMaxDelay:       500 * time.Millisecond,
		BreakerMaxFailures:  6,
		BreakerResetTimeout: 2 * time.Second,
		RateLimitInterval:   time.Millisecond,
		RateLimitBurst:      100,
	}
	if cfg != want {
		t.Fatalf("expected %+v, got %+v", want, cfg)
	}
}

func TestLoadReliabilityConfig_Defaults(t *testing.T) {
	cfg, err := LoadReliabilityConfig("DNS")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg != DefaultReliabilityConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReliabilityConfig_Invalid(t *testing.T) {
	t.Setenv("REGISTRAR_RETRY_BASE_DELAY", "soon")
	if _, err := LoadReliabilityConfig("REGISTRAR"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadReliabilityConfig_BaseAboveMax(t *testing.T) {
	t.Setenv("DNS_RETRY_BASE_DELAY", "5s")
	t.Setenv("DNS_RETRY_MAX_DELAY", "1s")
	if _, err := LoadReliabilityConfig("DNS"); err == nil {
		t.Fatalf("expected ordering error")
	}
}

func TestReliabilityConfig_CallerIgnoresDecisions(t *testing.T) {
	cfg := DefaultReliabilityConfig()
	cfg.BreakerMaxFailures = 1
	cfg.RateLimitInterval = 0
	cfg.RetryMaxAttempts = 1
	caller := cfg.Caller()

	rejected := errors.New("rejected")
	for i := 0; i < 3; i++ {
		if err := caller.Call(t.Context(), func() error { return rejected }); !errors.Is(err, rejected) {
			t.Fatalf("call %d: expected rejection, got %v", i, err)
		}
	}
}
