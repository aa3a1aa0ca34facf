package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type flakyRegistrar struct {
	*SandboxRegistrar
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *flakyRegistrar) Register(ctx context.Context, req RegisterRequest) (RegistrationResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call <= len(f.errs) && f.errs[call-1] != nil {
		return RegistrationResult{}, f.errs[call-1]
	}
	return f.SandboxRegistrar.Register(ctx, req)
}

func (f *flakyRegistrar) registerAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type downDNS struct {
	err   error
	calls int
}

func (d *downDNS) FindZone(ctx context.Context, domainName string) (Zone, bool, error) {
	d.calls++
	return Zone{}, false, d.err
}

func (d *downDNS) CreateZone(ctx context.Context, domainName string) (Zone, error) {
	d.calls++
	return Zone{}, d.err
}

func (d *downDNS) DeleteZone(ctx context.Context, zoneID string) error {
	d.calls++
	return d.err
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	expected := errors.New("nope")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return false },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no delay, got %v", delays)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits, observed []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1).OnWait(func(d time.Duration) { observed = append(observed, d) })
	limiter.now = func() time.Time { return now }
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	for i := 0; i < 2; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(waits) != 1 || waits[0] != 100*time.Millisecond || len(observed) != 1 {
		t.Fatalf("expected one wait of 100ms, got %v observed %v", waits, observed)
	}

	// After a quiet period the burst is available again.
	now = now.Add(time.Second)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waits) != 1 {
		t.Fatalf("expected no extra wait, got %v", waits)
	}
}

func TestRateLimiter_BurstAndCancellation(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	limiter := NewRateLimiter(time.Second, 3)
	limiter.now = func() time.Time { return now }
	limiter.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("call %d within burst: %v", i, err)
		}
	}
	if err := limiter.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled wait, got %v", err)
	}
	// The cancelled reservation was returned, so one interval later exactly one slot is free.
	now = now.Add(time.Second)
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatalf("unexpected wait %s", d)
		return nil
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	if err := NewRateLimiter(0, 0).Wait(context.Background()); err != nil {
		t.Fatalf("disabled limiter: %v", err)
	}
	var nilLimiter *RateLimiter
	if err := nilLimiter.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}

func TestCircuitBreaker_State(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	if breaker.State() != BreakerClosed {
		t.Fatalf("expected closed, got %s", breaker.State())
	}
	_ = breaker.Execute(func() error { return errors.New("down") })
	if breaker.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", breaker.State())
	}
	now = now.Add(time.Second)
	if breaker.State() != BreakerHalfOpen {
		t.Fatalf("expected half open, got %s", breaker.State())
	}
	if err := breaker.Execute(func() error { return errors.New("still down") }); err == nil {
		t.Fatalf("expected trial failure")
	}
	if breaker.State() != BreakerOpen {
		t.Fatalf("failed trial should reopen, got %s", breaker.State())
	}
}

func TestRetryPolicy_DefaultRetriesTransientOnly(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return Transient(errors.New("connection reset"))
	})
	if !IsTransient(err) || attempts != 3 {
		t.Fatalf("expected 3 transient attempts, got %d (%v)", attempts, err)
	}

	attempts = 0
	err = policy.Do(context.Background(), func() error {
		attempts++
		return ErrZoneExists
	})
	if !errors.Is(err, ErrZoneExists) || attempts != 1 {
		t.Fatalf("expected a single attempt for a definitive error, got %d (%v)", attempts, err)
	}
}

func TestReliableRegistrar_RegisterRetriesTransient(t *testing.T) {
	base := &flakyRegistrar{
		SandboxRegistrar: NewSandboxRegistrar(),
		errs:             []error{Transient(errors.New("timeout")), nil},
	}
	policy := RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   1 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	client := NewReliableRegistrar(base, Caller{Retry: policy})
	result, err := client.Register(context.Background(), RegisterRequest{DomainName: "example.com", ContactHandle: "CH-1"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Kind != RegistrationRegistered {
		t.Fatalf("expected registered, got %s", result.Kind)
	}
	if base.registerAttempts() != 2 {
		t.Fatalf("expected 2 attempts, got %d", base.registerAttempts())
	}
}

func TestReliableDNS_CircuitOpen(t *testing.T) {
	base := &downDNS{err: Transient(errors.New("unreachable"))}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
		Counts:       IsTransient,
	})
	policy := RetryPolicy{
		MaxAttempts: 1,
		ShouldRetry: func(error) bool { return false },
	}

	client := NewReliableDNS(base, Caller{Breaker: breaker, Retry: policy})
	if _, err := client.CreateZone(context.Background(), "example.com"); err == nil {
		t.Fatalf("expected failure")
	}
	_, err := client.CreateZone(context.Background(), "example.com")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("expected circuit open to be transient")
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
}

func TestCircuitBreaker_IgnoresUncountedErrors(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Counts: IsTransient})
	for i := 0; i < 3; i++ {
		if err := breaker.Execute(func() error { return ErrZoneExists }); !errors.Is(err, ErrZoneExists) {
			t.Fatalf("expected zone exists passthrough, got %v", err)
		}
	}
}
