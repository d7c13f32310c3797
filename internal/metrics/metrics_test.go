package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncRunsStarted(Labels{})
	m.ObserveStageDuration(Labels{Stage: "train"}, 1)
	m.AddInFlightRuns(1)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	l := Labels{Namespace: "training_runs", Version: "1.0.0"}
	m.IncRunsStarted(l)
	m.IncRunsStarted(l)
	m.IncRunsShortCircuited(l)
	m.IncRunsFailed(Labels{Namespace: "training_runs", Reason: "stage_failed"})

	if got := testutil.ToFloat64(m.RunsStarted.WithLabelValues("training_runs", "1.0.0")); got != 2 {
		t.Errorf("runs started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunsShortCircuited.WithLabelValues("training_runs", "1.0.0")); got != 1 {
		t.Errorf("runs short-circuited = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunsFailed.WithLabelValues("training_runs", "stage_failed")); got != 1 {
		t.Errorf("runs failed = %v, want 1", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
