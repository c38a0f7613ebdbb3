package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSecondsSinceLastBatchBeforeFirstCommit(t *testing.T) {
	r := New()
	if got := r.SecondsSinceLastBatch(time.Now()); got != 0 {
		t.Errorf("SecondsSinceLastBatch() before any commit = %v, want 0", got)
	}
}

func TestSecondsSinceLastBatchAfterCommit(t *testing.T) {
	r := New()
	committedAt := time.Now().Add(-5 * time.Second)
	r.RecordBatchCommitted(committedAt)
	got := r.SecondsSinceLastBatch(time.Now())
	if got < 4.9 || got > 5.5 {
		t.Errorf("SecondsSinceLastBatch() = %v, want ~5s", got)
	}
}

func TestHandlerHealthzAllOK(t *testing.T) {
	r := New()
	h := r.Handler(map[string]HealthChecker{
		"broker": func(ctx context.Context) error { return nil },
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandlerHealthzFailingDependency(t *testing.T) {
	r := New()
	h := r.Handler(map[string]HealthChecker{
		"object_store": func(ctx context.Context) error { return errors.New("unreachable") },
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	r := New()
	r.BatchesCreated.Inc()
	h := r.Handler(nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !containsMetric(w.Body.String(), "cdc_agent_batches_created_total 1") {
		t.Error("expected cdc_agent_batches_created_total to report 1")
	}
}

func containsMetric(body, want string) bool {
	for i := 0; i+len(want) <= len(body); i++ {
		if body[i:i+len(want)] == want {
			return true
		}
	}
	return false
}
