package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all discoverer metrics
	namespace = "discoverer"

	// Subsystems
	subsystemQueue  = "queue"
	subsystemProbe  = "probe"
	subsystemRules  = "rules"
	subsystemSystem = "system"
	subsystemAPI    = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Queue metrics
	queueJobs     prometheus.Gauge
	queuePending  prometheus.Gauge
	queuePermits  prometheus.Gauge
	workersBusy   prometheus.Gauge
	tasksSplit    prometheus.Counter
	jobsScheduled prometheus.Counter

	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	probeErrors   *prometheus.CounterVec
	servicesUp    *prometheus.CounterVec

	// Rule metrics
	ruleErrors *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initQueueMetrics()
	pm.initProbeMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	registry.MustRegister(
		pm.queueJobs, pm.queuePending, pm.queuePermits, pm.workersBusy,
		pm.tasksSplit, pm.jobsScheduled,
		pm.probesTotal, pm.probeDuration, pm.probeErrors, pm.servicesUp,
		pm.ruleErrors,
		pm.httpRequests, pm.httpDuration,
		pm.goroutines, pm.uptime,
	)

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initQueueMetrics() {
	pm.queueJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemQueue,
		Name:      "jobs",
		Help:      "Number of jobs waiting in the discovery queue",
	})
	pm.queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemQueue,
		Name:      "pending_checks",
		Help:      "Number of scheduled checks not yet executed",
	})
	pm.queuePermits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemQueue,
		Name:      "throttle_permits",
		Help:      "Free sessions of the throttled check family",
	})
	pm.workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemQueue,
		Name:      "workers_busy",
		Help:      "Number of workers currently holding a task",
	})
	pm.tasksSplit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemQueue,
		Name:      "tasks_split_total",
		Help:      "Number of leases whose task was split off a larger task",
	})
	pm.jobsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemRules,
		Name:      "jobs_scheduled_total",
		Help:      "Number of rule executions pushed onto the queue",
	})
	pm.ruleErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemRules,
		Name:      "errors_total",
		Help:      "Number of compile passes that recorded errors for a rule",
	}, []string{"rule_id"})
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemProbe,
		Name:      "total",
		Help:      "Total number of probes executed",
	}, []string{"check_type", "status"})
	pm.probeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemProbe,
		Name:      "duration_seconds",
		Help:      "Time taken by a single probe",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"check_type"})
	pm.probeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemProbe,
		Name:      "errors_total",
		Help:      "Total number of probes that failed with an error",
	}, []string{"check_type", "error_type"})
	pm.servicesUp = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemProbe,
		Name:      "services_up_total",
		Help:      "Total number of probes that found a service",
	}, []string{"check_type"})
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemAPI,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	pm.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemAPI,
		Name:      "http_request_duration_seconds",
		Help:      "Time taken to serve HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "goroutines",
		Help:      "Number of active goroutines",
	})
	pm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "uptime_seconds",
		Help:      "Application uptime in seconds",
	})
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// SetQueueStats publishes the queue counters.
func (pm *PrometheusMetrics) SetQueueStats(jobs int, pending uint64, permits int) {
	pm.queueJobs.Set(float64(jobs))
	pm.queuePending.Set(float64(pending))
	pm.queuePermits.Set(float64(permits))
}

// SetWorkersBusy sets the number of busy workers.
func (pm *PrometheusMetrics) SetWorkersBusy(n int) {
	pm.workersBusy.Set(float64(n))
}

// IncrementTasksSplit counts a split task.
func (pm *PrometheusMetrics) IncrementTasksSplit() {
	pm.tasksSplit.Inc()
}

// IncrementJobsScheduled counts a queued job.
func (pm *PrometheusMetrics) IncrementJobsScheduled() {
	pm.jobsScheduled.Inc()
}

// IncrementRuleErrors counts a compile pass with errors for ruleID.
func (pm *PrometheusMetrics) IncrementRuleErrors(ruleID string) {
	pm.ruleErrors.WithLabelValues(ruleID).Inc()
}

// RecordProbe records a probe outcome.
func (pm *PrometheusMetrics) RecordProbe(checkType, status string, duration time.Duration) {
	pm.probesTotal.WithLabelValues(checkType, status).Inc()
	pm.probeDuration.WithLabelValues(checkType).Observe(duration.Seconds())
	if status == "up" {
		pm.servicesUp.WithLabelValues(checkType).Inc()
	}
}

// IncrementProbeErrors increments the probe error counter.
func (pm *PrometheusMetrics) IncrementProbeErrors(checkType, errorType string) {
	pm.probeErrors.WithLabelValues(checkType, errorType).Inc()
}

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates updates system metrics every interval until ctx is done
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
