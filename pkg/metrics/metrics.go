// Package metrics registers the orchestrator counters named in the
// component design for the pipeline orchestrator (C9) on a dedicated
// Prometheus registry, and serves them alongside a liveness endpoint. This
// is ambient observability infrastructure: the Non-goals excluding a
// verification/query path do not apply to it.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the counters/gauges named in §4.9 and the HTTP handlers
// that expose them.
type Registry struct {
	reg *prometheus.Registry

	BatchesCreated   prometheus.Counter
	EventsProcessed  prometheus.Counter
	MintsSucceeded   prometheus.Counter
	MintsFailed      prometheus.Counter
	EmptyReads       prometheus.Counter
	UploadFailures   prometheus.Counter

	lastBatchUnixMs int64 // atomic; 0 until the first batch commits
}

// New registers every counter on a fresh registry (never the global
// default, so multiple agent instances in the same process — as in tests —
// don't collide).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		BatchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_agent_batches_created_total",
			Help: "Sealed batches produced by the accumulator.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_agent_events_processed_total",
			Help: "CDC events forwarded from the stream consumer into a batch buffer.",
		}),
		MintsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_agent_mints_succeeded_total",
			Help: "Anchor mint calls that succeeded or were already-minted.",
		}),
		MintsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_agent_mints_failed_total",
			Help: "Anchor mint calls that exhausted retries.",
		}),
		EmptyReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_agent_empty_reads_total",
			Help: "Broker reads that returned no entries.",
		}),
		UploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_agent_object_store_upload_failures_total",
			Help: "Object-store publish attempts that failed and were cleaned up.",
		}),
	}
	sinceLastBatch := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cdc_agent_seconds_since_last_batch",
		Help: "Seconds since the last batch committed; 0 until the first commit.",
	}, func() float64 { return r.SecondsSinceLastBatch(time.Now()) })
	reg.MustRegister(r.BatchesCreated, r.EventsProcessed, r.MintsSucceeded, r.MintsFailed, r.EmptyReads, r.UploadFailures, sinceLastBatch)
	return r
}

// RecordBatchCommitted stamps the "seconds since last batch" gauge input.
func (r *Registry) RecordBatchCommitted(at time.Time) {
	atomic.StoreInt64(&r.lastBatchUnixMs, at.UnixMilli())
}

// SecondsSinceLastBatch implements the §4.9 counter of the same name; zero
// until the first batch has committed.
func (r *Registry) SecondsSinceLastBatch(now time.Time) float64 {
	last := atomic.LoadInt64(&r.lastBatchUnixMs)
	if last == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(last)).Seconds()
}

// HealthChecker reports whether each external dependency is reachable.
// Implementations wrap the broker, object-store, and chain clients; the
// orchestrator supplies closures rather than the clients themselves so this
// package has no dependency on redis/gcs/ethereum types.
type HealthChecker func(ctx context.Context) error

// Handler returns an http.Handler serving /metrics (Prometheus exposition)
// and /healthz (JSON liveness, checking the supplied dependencies with a
// bounded timeout).
func (r *Registry) Handler(checks map[string]HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		status := struct {
			OK       bool              `json:"ok"`
			Checks   map[string]string `json:"checks"`
		}{OK: true, Checks: make(map[string]string, len(checks))}

		for name, check := range checks {
			if err := check(ctx); err != nil {
				status.OK = false
				status.Checks[name] = err.Error()
			} else {
				status.Checks[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !status.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}
