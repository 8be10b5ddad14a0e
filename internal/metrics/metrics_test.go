package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"missionline/internal/metrics"
)

func TestMemorySink(t *testing.T) {
	m := metrics.NewMemory()
	m.Inc(metrics.JobsDispatched, nil)
	m.Inc(metrics.JobsDispatched, nil)
	m.Inc(metrics.RateLimited, metrics.Labels{"source": "m-1"})
	m.SetGauge(metrics.PendingJobs, nil, 4)

	if got := m.Counter(metrics.JobsDispatched, nil); got != 2 {
		t.Fatalf("dispatched = %v", got)
	}
	if got := m.Counter(metrics.RateLimited, metrics.Labels{"source": "m-1"}); got != 1 {
		t.Fatalf("rate limited = %v", got)
	}
	if got := m.Counter(metrics.RateLimited, metrics.Labels{"source": "m-2"}); got != 0 {
		t.Fatalf("unrelated source = %v", got)
	}
	if got := m.Gauge(metrics.PendingJobs, nil); got != 4 {
		t.Fatalf("pending gauge = %v", got)
	}
}

func TestPrometheusSink(t *testing.T) {
	p := metrics.NewPrometheus(nil)
	p.Inc(metrics.JobsCompleted, nil)
	p.Inc(metrics.Backpressure, metrics.Labels{"reason": "queue_depth"})
	p.Inc(metrics.Backpressure, metrics.Labels{"reason": "queue_depth"})
	p.SetGauge(metrics.InflightJobs, nil, 3)
	// wrong label set is dropped rather than panicking
	p.Inc(metrics.JobsCompleted, metrics.Labels{"bogus": "x"})

	expected := `
# HELP missionline_backpressure_total Requests or passes refused by backpressure
# TYPE missionline_backpressure_total counter
missionline_backpressure_total{reason="queue_depth"} 2
`
	if err := testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected), metrics.Backpressure); err != nil {
		t.Fatalf("backpressure series: %v", err)
	}

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"missionline_jobs_completed_total 1", "missionline_inflight_jobs 3"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}
