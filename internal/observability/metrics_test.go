package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetricsTracksCalls(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("webhook.ingest")
	time.Sleep(1 * time.Millisecond)
	span.End(nil)

	span = metrics.Start("webhook.ingest")
	span.End(errors.New("fail"))

	snap := metrics.Snapshot()
	stats := snap.Methods["webhook.ingest"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalRequests != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsTracksRateLimitWait(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddRateLimitWait(50 * time.Millisecond)
	metrics.AddRateLimitWait(25 * time.Millisecond)
	metrics.AddRateLimitWait(0)

	snap := metrics.Snapshot()
	if snap.RateLimitWaits != 2 {
		t.Fatalf("expected 2 waits, got %d", snap.RateLimitWaits)
	}
	if snap.RateLimitWaitMs != 75 {
		t.Fatalf("expected 75ms, got %d", snap.RateLimitWaitMs)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.MarkShutdown(5)
	snap := metrics.Snapshot()
	if snap.Lifecycle == nil {
		t.Fatalf("expected lifecycle snapshot")
	}
	if snap.Lifecycle.InFlightAtShutdown != 5 {
		t.Fatalf("expected inflight 5, got %d", snap.Lifecycle.InFlightAtShutdown)
	}
	if snap.Lifecycle.ShutdownAt.IsZero() {
		t.Fatalf("expected shutdown timestamp")
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("/webhook/:provider/:orderID")
	span.End(errors.New("fail"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	Handler(metrics).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}
	if len(snap.Methods) == 0 {
		t.Fatalf("expected methods in snapshot")
	}
}

func TestMetricsCountsEvents(t *testing.T) {
	metrics := NewMetrics()
	metrics.Incr("retry.completed")
	metrics.Incr("retry.completed")
	metrics.Incr("webhook.duplicate")

	snap := metrics.Snapshot()
	if snap.Events["retry.completed"] != 2 || snap.Events["webhook.duplicate"] != 1 {
		t.Fatalf("unexpected events: %+v", snap.Events)
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored") // nil-safe
	span.End(nil)              // should not panic

	m.Incr("ignored")
	m.MarkShutdown(10) // nil-safe
}

func TestHandlerIncludesProbes(t *testing.T) {
	metrics := NewMetrics()
	metrics.Incr("saga.timeout")
	probes := []Probe{
		{Name: "retry_queue", Collect: func(ctx context.Context) (any, error) {
			return map[string]int{"queued": 2, "failed": 1}, nil
		}},
		{Name: "redis", Collect: func(ctx context.Context) (any, error) {
			return nil, errors.New("connection refused")
		}},
	}

	rr := httptest.NewRecorder()
	Handler(metrics, probes...).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	var report struct {
		Events      map[string]int64          `json:"events"`
		Probes      map[string]map[string]int `json:"probes"`
		ProbeErrors map[string]string         `json:"probe_errors"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if report.Events["saga.timeout"] != 1 {
		t.Fatalf("expected events alongside probes, got %+v", report.Events)
	}
	if report.Probes["retry_queue"]["queued"] != 2 {
		t.Fatalf("unexpected probes %+v", report.Probes)
	}
	if report.ProbeErrors["redis"] != "connection refused" {
		t.Fatalf("unexpected probe errors %+v", report.ProbeErrors)
	}
}
