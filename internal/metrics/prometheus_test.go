package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm.GetRegistry() == nil {
		t.Fatalf("GetRegistry returned nil")
	}

	pm.UpdateSystemMetrics()
	if pm.GetLastUpdate().IsZero() {
		t.Fatalf("expected last update to be set")
	}

	before := pm.GetUptime()
	time.Sleep(10 * time.Millisecond)
	if after := pm.GetUptime(); before >= after {
		t.Fatalf("expected uptime to increase, before=%v after=%v", before, after)
	}
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()
	pm.SetQueueStats(3, 120, 1)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	for _, name := range []string{
		"discoverer_system_uptime_seconds",
		"discoverer_queue_pending_checks 120",
		"discoverer_queue_throttle_permits 1",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in metrics output", name)
		}
	}
}

func TestPrometheusMetrics_QueueMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.SetQueueStats(2, 50, 4)
	pm.SetWorkersBusy(5)
	pm.IncrementTasksSplit()
	pm.IncrementTasksSplit()
	pm.IncrementJobsScheduled()

	if got := testutil.ToFloat64(pm.queueJobs); got != 2 {
		t.Errorf("expected 2 queued jobs, got %v", got)
	}
	if got := testutil.ToFloat64(pm.workersBusy); got != 5 {
		t.Errorf("expected 5 busy workers, got %v", got)
	}
	if got := testutil.ToFloat64(pm.tasksSplit); got != 2 {
		t.Errorf("expected 2 split tasks, got %v", got)
	}
	if got := testutil.ToFloat64(pm.jobsScheduled); got != 1 {
		t.Errorf("expected 1 scheduled job, got %v", got)
	}
}

func TestPrometheusMetrics_ProbeMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordProbe("ssh", "up", 20*time.Millisecond)
	pm.RecordProbe("ssh", "down", time.Second)
	pm.RecordProbe("snmpv3", "up", 50*time.Millisecond)
	pm.IncrementProbeErrors("snmpv3", "timeout")

	if count := testutil.CollectAndCount(pm.probesTotal); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(pm.probeDuration); count != 2 {
		t.Errorf("expected 2 histogram series, got %d", count)
	}
	if got := testutil.ToFloat64(pm.servicesUp.WithLabelValues("ssh")); got != 1 {
		t.Errorf("expected 1 ssh service up, got %v", got)
	}
	if got := testutil.ToFloat64(pm.probeErrors.WithLabelValues("snmpv3", "timeout")); got != 1 {
		t.Errorf("expected 1 probe error, got %v", got)
	}
}

func TestPrometheusMetrics_RuleAndHTTPMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementRuleErrors("7")
	pm.IncrementRuleErrors("7")
	pm.IncrementHTTPRequests("GET", "/api/v1/status", "200")
	pm.RecordHTTPDuration("GET", "/api/v1/status", 5*time.Millisecond)

	if got := testutil.ToFloat64(pm.ruleErrors.WithLabelValues("7")); got != 2 {
		t.Errorf("expected 2 rule errors, got %v", got)
	}
	if count := testutil.CollectAndCount(pm.httpRequests); count != 1 {
		t.Errorf("expected 1 request series, got %d", count)
	}
}

func TestGetGlobalMetrics(t *testing.T) {
	if GetGlobalMetrics() != GetGlobalMetrics() {
		t.Fatal("expected the global instance to be reused")
	}
}

func TestAttachPrometheusMirrorsHelpers(t *testing.T) {
	original := Default()
	defer SetDefault(original)
	SetDefault(NewRegistry())

	pm := NewPrometheusMetrics()
	AttachPrometheus(pm)
	defer AttachPrometheus(nil)

	RecordProbe("icmp", "up", time.Millisecond)
	IncrementTasksSplit()
	IncrementJobsScheduled()
	IncrementRuleErrors("3")
	SetWorkersBusy(2)

	if got := testutil.ToFloat64(pm.probesTotal.WithLabelValues("icmp", "up")); got != 1 {
		t.Errorf("expected mirrored probe, got %v", got)
	}
	if got := testutil.ToFloat64(pm.tasksSplit); got != 1 {
		t.Errorf("expected mirrored split, got %v", got)
	}
	if got := testutil.ToFloat64(pm.jobsScheduled); got != 1 {
		t.Errorf("expected mirrored job, got %v", got)
	}
	if got := testutil.ToFloat64(pm.ruleErrors.WithLabelValues("3")); got != 1 {
		t.Errorf("expected mirrored rule error, got %v", got)
	}
	if got := testutil.ToFloat64(pm.workersBusy); got != 2 {
		t.Errorf("expected mirrored busy workers, got %v", got)
	}
	if len(GetMetrics()) != 6 {
		t.Errorf("expected 6 in-process metrics, got %d", len(GetMetrics()))
	}
}
