package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const probeTimeout = 2 * time.Second

// Probe reports the live state of a component, such as retry queue depth, next to the counters.
type Probe struct {
	Name    string
	Collect func(ctx context.Context) (any, error)
}

// Report is the body served by Handler.
type Report struct {
	Snapshot
	Probes      map[string]any    `json:"probes,omitempty"`
	ProbeErrors map[string]string `json:"probe_errors,omitempty"`
}

// Handler serves the metrics snapshot and every probe as JSON. A failing probe is reported
// under probe_errors and does not fail the response.
func Handler(metrics *Metrics, probes ...Probe) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Report{Snapshot: metrics.Snapshot()}
		if len(probes) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			report.Probes = make(map[string]any, len(probes))
			for _, p := range probes {
				value, err := p.Collect(ctx)
				if err != nil {
					if report.ProbeErrors == nil {
						report.ProbeErrors = make(map[string]string)
					}
					report.ProbeErrors[p.Name] = err.Error()
					continue
				}
				report.Probes[p.Name] = value
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
}
