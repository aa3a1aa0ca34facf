package saga

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the dependency while its breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy retries an outbound call with capped exponential backoff.
// By default only transient errors are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do calls fn until it succeeds, returns a non-retryable error or runs out of attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || !p.ShouldRetry(err) {
			return err
		}
		if wait := p.Jitter(p.backoff(attempt)); wait > 0 {
			if sleepErr := p.Sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	p.MaxAttempts = max(p.MaxAttempts, 1)
	if p.Sleep == nil {
		p.Sleep = sleepWithContext
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = retryable
	}
	if p.Jitter == nil {
		p.Jitter = defaultJitter
	}
	return p
}

// backoff is the delay after the given failed attempt, before jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		return p.MaxDelay
	}
	return delay
}

// retryable reports whether an outbound call is worth another immediate attempt.
func retryable(err error) bool {
	return IsTransient(err) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrCircuitOpen)
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// Counts reports whether an error counts toward opening the breaker; nil counts every error.
	Counts func(error) bool
}

// BreakerState is the externally visible state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker fails fast after MaxFailures consecutive counted failures. After
// ResetTimeout a single trial call is let through; its outcome closes or reopens the breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool
	trial    bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.MaxFailures = max(cfg.MaxFailures, 1)
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Counts == nil {
		cfg.Counts = func(error) bool { return true }
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	trial, err := c.admit()
	if err != nil {
		return err
	}
	err = fn()
	c.record(trial, err)
	return err
}

// State reports the breaker state as of now.
func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.open:
		return BreakerClosed
	case c.trial || c.cfg.Now().Sub(c.openedAt) >= c.cfg.ResetTimeout:
		return BreakerHalfOpen
	default:
		return BreakerOpen
	}
}

func (c *CircuitBreaker) admit() (trial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false, nil
	}
	if c.trial || c.cfg.Now().Sub(c.openedAt) < c.cfg.ResetTimeout {
		return false, ErrCircuitOpen
	}
	c.trial = true
	return true, nil
}

func (c *CircuitBreaker) record(trial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trial {
		c.trial = false
	}
	// A reachable dependency that answered with a non-counted error is healthy.
	if err == nil || !c.cfg.Counts(err) {
		c.open = false
		c.failures = 0
		return
	}
	c.failures++
	if trial || c.failures >= c.cfg.MaxFailures {
		c.open = true
		c.openedAt = c.cfg.Now()
		c.failures = 0
	}
}

// RateLimiter spaces calls one interval apart while allowing bursts of up to burst calls.
// Each Wait reserves the next free slot, so concurrent callers queue in arrival order.
type RateLimiter struct {
	interval time.Duration
	burst    int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	onWait   func(time.Duration)

	mu   sync.Mutex
	next time.Time
}

// NewRateLimiter allows burst calls at once and one more per interval. A zero interval or burst
// disables limiting.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		interval: interval,
		burst:    burst,
		now:      time.Now,
		sleep:    sleepWithContext,
	}
}

// OnWait registers fn to observe every delay the limiter imposes.
func (r *RateLimiter) OnWait(fn func(time.Duration)) *RateLimiter {
	r.onWait = fn
	return r
}

// Wait blocks until the caller's slot arrives or ctx ends. A cancelled wait gives its slot back.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.interval <= 0 || r.burst <= 0 {
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wait := r.reserve()
	if wait <= 0 {
		return nil
	}
	if r.onWait != nil {
		r.onWait(wait)
	}
	if err := r.sleep(ctx, wait); err != nil {
		r.mu.Lock()
		r.next = r.next.Add(-r.interval)
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.next.Before(now) {
		r.next = now
	}
	r.next = r.next.Add(r.interval)
	return r.next.Sub(now) - time.Duration(r.burst)*r.interval
}

// Caller bundles the reliability controls applied to one external dependency.
type Caller struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

// Call runs fn through the limiter, breaker and retry policy.
func (c Caller) Call(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if c.Breaker != nil {
			return c.Breaker.Execute(fn)
		}
		return fn()
	}
	return c.Retry.Do(ctx, attempt)
}

// ReliableRegistrar wraps a RegistrarClient with reliability controls.
// Registrar decisions travel in RegistrationResult and are never retried.
type ReliableRegistrar struct {
	base   RegistrarClient
	caller Caller
}

// NewReliableRegistrar constructs a reliability-wrapped registrar client.
func NewReliableRegistrar(base RegistrarClient, caller Caller) *ReliableRegistrar {
	return &ReliableRegistrar{base: base, caller: caller}
}

// BreakerState reports the registrar circuit breaker state.
func (r *ReliableRegistrar) BreakerState() BreakerState { return r.caller.Breaker.State() }

func (r *ReliableRegistrar) FindContact(ctx context.Context, payerID string) (handle string, found bool, err error) {
	err = r.caller.Call(ctx, func() error {
		var callErr error
		handle, found, callErr = r.base.FindContact(ctx, payerID)
		return callErr
	})
	return handle, found, err
}

func (r *ReliableRegistrar) ReserveContact(ctx context.Context, req ContactRequest) (handle string, err error) {
	err = r.caller.Call(ctx, func() error {
		var callErr error
		handle, callErr = r.base.ReserveContact(ctx, req)
		return callErr
	})
	return handle, err
}

func (r *ReliableRegistrar) FindDomain(ctx context.Context, domainName string) (domainID string, found bool, err error) {
	err = r.caller.Call(ctx, func() error {
		var callErr error
		domainID, found, callErr = r.base.FindDomain(ctx, domainName)
		return callErr
	})
	return domainID, found, err
}

func (r *ReliableRegistrar) Register(ctx context.Context, req RegisterRequest) (result RegistrationResult, err error) {
	err = r.caller.Call(ctx, func() error {
		var callErr error
		result, callErr = r.base.Register(ctx, req)
		return callErr
	})
	return result, err
}

// ReliableDNS wraps a DNSClient with reliability controls.
type ReliableDNS struct {
	base   DNSClient
	caller Caller
}

// NewReliableDNS constructs a reliability-wrapped DNS client.
func NewReliableDNS(base DNSClient, caller Caller) *ReliableDNS {
	return &ReliableDNS{base: base, caller: caller}
}

// BreakerState reports the DNS circuit breaker state.
func (d *ReliableDNS) BreakerState() BreakerState { return d.caller.Breaker.State() }

func (d *ReliableDNS) FindZone(ctx context.Context, domainName string) (zone Zone, found bool, err error) {
	err = d.caller.Call(ctx, func() error {
		var callErr error
		zone, found, callErr = d.base.FindZone(ctx, domainName)
		return callErr
	})
	return zone, found, err
}

func (d *ReliableDNS) CreateZone(ctx context.Context, domainName string) (zone Zone, err error) {
	err = d.caller.Call(ctx, func() error {
		var callErr error
		zone, callErr = d.base.CreateZone(ctx, domainName)
		return callErr
	})
	return zone, err
}

func (d *ReliableDNS) DeleteZone(ctx context.Context, zoneID string) error {
	return d.caller.Call(ctx, func() error {
		return d.base.DeleteZone(ctx, zoneID)
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
