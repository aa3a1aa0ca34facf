package observability

import (
	"sync"
	"time"
)

// MethodSnapshot summarizes the calls of one route or RPC method.
type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	// Events counts domain occurrences such as "webhook.duplicate" or "retry.failed".
	Events map[string]int64 `json:"events"`
}

// LifecycleSnapshot is set once shutdown has started.
type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

type callStats struct {
	count    int64
	errors   int64
	inFlight int64
	total    time.Duration
	max      time.Duration
	last     time.Duration
}

func (s *callStats) observe(dur time.Duration, failed bool) {
	s.inFlight--
	s.count++
	if failed {
		s.errors++
	}
	s.total += dur
	s.max = max(s.max, dur)
	s.last = dur
}

func (s *callStats) snapshot() MethodSnapshot {
	var avg float64
	if s.count > 0 {
		avg = float64(s.total.Milliseconds()) / float64(s.count)
	}
	return MethodSnapshot{
		Count:         s.count,
		Errors:        s.errors,
		InFlight:      s.inFlight,
		AvgLatencyMs:  avg,
		MaxLatencyMs:  float64(s.max.Milliseconds()),
		LastLatencyMs: float64(s.last.Milliseconds()),
	}
}

// Metrics is an in-process registry of call latencies, rate-limit waits and domain events.
// A nil *Metrics accepts every call and records nothing.
type Metrics struct {
	mu        sync.Mutex
	started   time.Time
	calls     map[string]*callStats
	events    map[string]int64
	waits     int64
	waited    time.Duration
	stoppedAt time.Time
	stopping  int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		started: time.Now(),
		calls:   make(map[string]*callStats),
		events:  make(map[string]int64),
	}
}

// CallSpan measures one call started with Metrics.Start.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

// Start opens a span for method and counts it as in flight.
func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	m.stats(method).inFlight++
	m.mu.Unlock()
	return &CallSpan{metrics: m, method: method, start: time.Now()}
}

// End records the span; a non-nil err counts as a failure.
func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.mu.Lock()
	s.metrics.stats(s.method).observe(dur, err != nil)
	s.metrics.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.waits++
	m.waited += d
	m.mu.Unlock()
}

// Incr counts one occurrence of a named domain event, e.g. "retry.failed".
func (m *Metrics) Incr(event string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.events[event]++
	m.mu.Unlock()
}

// MarkShutdown records when shutdown began and how many calls were still running.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stoppedAt = time.Now()
	m.stopping = inflight
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.started).Seconds()),
		RateLimitWaits:  m.waits,
		RateLimitWaitMs: m.waited.Milliseconds(),
		Methods:         make(map[string]MethodSnapshot, len(m.calls)),
		Events:          make(map[string]int64, len(m.events)),
	}
	for method, stats := range m.calls {
		snap.Methods[method] = stats.snapshot()
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}
	for event, n := range m.events {
		snap.Events[event] = n
	}
	if !m.stoppedAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{ShutdownAt: m.stoppedAt, InFlightAtShutdown: m.stopping}
	}
	return snap
}

// stats must be called with mu held.
func (m *Metrics) stats(method string) *callStats {
	stats, ok := m.calls[method]
	if !ok {
		stats = &callStats{}
		m.calls[method] = stats
	}
	return stats
}
