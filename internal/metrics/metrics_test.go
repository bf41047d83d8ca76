package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestJobLifecycleCounters(t *testing.T) {
	m := New()

	m.JobStarted()
	m.JobStarted()
	if got := testutil.ToFloat64(m.activeJobs); got != 2 {
		t.Errorf("active = %v, want 2", got)
	}

	m.JobFinished("done", "done", 1, 3*time.Second)
	m.JobFinished("cancelled", "cancelled", 0, time.Second)

	if got := testutil.ToFloat64(m.activeJobs); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.jobsSubmitted); got != 2 {
		t.Errorf("submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.jobsFinished.WithLabelValues("done", "done")); got != 1 {
		t.Errorf("finished{done} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.runDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestEventsByKind(t *testing.T) {
	m := New()
	for _, k := range []string{"plan", "retrieve", "patch", "test", "test", "done"} {
		m.Event(k)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("test")); got != 2 {
		t.Errorf("events{test} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("plan")); got != 1 {
		t.Errorf("events{plan} = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JobStarted()
	m.JobFinished("done", "done", 1, time.Second)
	m.Event("plan")
	m.IndexBuilt(3)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.IndexBuilt(42)
	m.Event("plan")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"greenloop_index_symbols 42",
		`greenloop_jobs_events_total{type="plan"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
