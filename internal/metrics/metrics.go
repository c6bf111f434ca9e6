// Package metrics provides in-process metrics collection for the discovery
// service and mirrors the important ones into Prometheus collectors. The
// in-process registry supports counters, gauges and histograms with labels.
package metrics

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata.
type Metric struct {
	Name   string
	Type   MetricType
	Value  float64
	Labels Labels
	// Count and Sum are only maintained for histograms.
	Count     uint64
	Sum       float64
	Timestamp time.Time
}

// Registry holds all metrics and provides collection functionality.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		enabled: true,
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value++
		metric.Timestamp = time.Now()
	} else {
		r.metrics[key] = &Metric{
			Name:      name,
			Type:      TypeCounter,
			Value:     1,
			Labels:    copyLabels(labels),
			Timestamp: time.Now(),
		}
	}
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.makeKey(name, labels)
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeGauge,
		Value:     value,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Histogram records a value in a histogram metric.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.makeKey(name, labels)
	metric, exists := r.metrics[key]
	if !exists {
		metric = &Metric{
			Name:   name,
			Type:   TypeHistogram,
			Labels: copyLabels(labels),
		}
		r.metrics[key] = metric
	}
	metric.Value = value
	metric.Count++
	metric.Sum += value
	metric.Timestamp = time.Now()
}

// GetMetrics returns a snapshot of all current metrics.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric)
	for key, metric := range r.metrics {
		// Create a copy to avoid race conditions
		result[key] = &Metric{
			Name:      metric.Name,
			Type:      metric.Type,
			Value:     metric.Value,
			Labels:    copyLabels(metric.Labels),
			Count:     metric.Count,
			Sum:       metric.Sum,
			Timestamp: metric.Timestamp,
		}
	}
	return result
}

// Reset clears all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Metric)
}

// makeKey creates a unique key for a metric based on name and labels. Label
// names are sorted so the key does not depend on map iteration order.
func (r *Registry) makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range names {
		sb.WriteString(":" + k + "=" + labels[k])
	}
	return sb.String()
}

// copyLabels creates a copy of labels map.
func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	result := make(Labels)
	for k, v := range labels {
		result[k] = v
	}
	return result
}

// Global registry instance, replaceable in tests.
var defaultRegistry MetricsRegistry = NewRegistry()

// SetDefault sets the default metrics registry.
func SetDefault(registry MetricsRegistry) {
	defaultRegistry = registry
}

// Default returns the default metrics registry.
func Default() MetricsRegistry {
	return defaultRegistry
}

// SetEnabled enables or disables metrics collection on the default registry.
func SetEnabled(enabled bool) {
	defaultRegistry.SetEnabled(enabled)
}

// Counter increments a counter metric on the default registry.
func Counter(name string, labels Labels) {
	defaultRegistry.Counter(name, labels)
}

// Gauge sets a gauge metric on the default registry.
func Gauge(name string, value float64, labels Labels) {
	defaultRegistry.Gauge(name, value, labels)
}

// Histogram records a histogram value on the default registry.
func Histogram(name string, value float64, labels Labels) {
	defaultRegistry.Histogram(name, value, labels)
}

// GetMetrics returns all metrics from the default registry.
func GetMetrics() map[string]*Metric {
	return defaultRegistry.GetMetrics()
}

// Reset clears all metrics from the default registry.
func Reset() {
	defaultRegistry.Reset()
}

// Timer provides a simple way to measure execution time.
type Timer struct {
	start  time.Time
	name   string
	labels Labels
}

// NewTimer creates a new timer for measuring execution time.
func NewTimer(name string, labels Labels) *Timer {
	return &Timer{
		start:  time.Now(),
		name:   name,
		labels: labels,
	}
}

// Stop stops the timer and records the duration as a histogram.
func (t *Timer) Stop() {
	duration := time.Since(t.start)
	Histogram(t.name, duration.Seconds(), t.labels)
}

// Predefined metric names for discovery operations.
const (
	// Rule and job metrics.
	MetricJobsScheduled = "discovery_jobs_scheduled_total"
	MetricRuleErrors    = "discovery_rule_errors_total"
	MetricTasksSplit    = "discovery_tasks_split_total"

	// Probe metrics.
	MetricProbeDuration = "discovery_probe_duration_seconds"
	MetricProbesTotal   = "discovery_probes_total"
	MetricProbeErrors   = "discovery_probe_errors_total"
	MetricServicesUp    = "discovery_services_up_total"

	// Queue metrics.
	MetricQueueJobs    = "discovery_queue_jobs"
	MetricQueuePending = "discovery_queue_pending_checks"
	MetricQueuePermits = "discovery_queue_throttle_permits"
	MetricWorkersBusy  = "discovery_workers_busy"

	// API metrics.
	MetricHTTPRequests = "http_requests_total"
	MetricHTTPDuration = "http_request_duration_seconds"
)

// Common label keys.
const (
	LabelCheckType = "check_type"
	LabelRuleID    = "rule_id"
	LabelStatus    = "status"
	LabelError     = "error"
	LabelComponent = "component"
	LabelMethod    = "method"
	LabelPath      = "path"
)

// Helper functions for common metrics. They record into the default registry
// and, once AttachPrometheus was called, into the Prometheus collectors.

var prometheusMirror atomic.Pointer[PrometheusMetrics]

// AttachPrometheus mirrors the helper functions into pm. A nil pm detaches.
func AttachPrometheus(pm *PrometheusMetrics) {
	prometheusMirror.Store(pm)
}

// RecordProbe records the outcome and duration of one probe.
func RecordProbe(checkType, status string, duration time.Duration) {
	Counter(MetricProbesTotal, Labels{
		LabelCheckType: checkType,
		LabelStatus:    status,
	})
	Histogram(MetricProbeDuration, duration.Seconds(), Labels{
		LabelCheckType: checkType,
	})
	if pm := prometheusMirror.Load(); pm != nil {
		pm.RecordProbe(checkType, status, duration)
	}
}

// IncrementProbeErrors increments the probe error counter.
func IncrementProbeErrors(checkType, errorType string) {
	Counter(MetricProbeErrors, Labels{
		LabelCheckType: checkType,
		LabelError:     errorType,
	})
	if pm := prometheusMirror.Load(); pm != nil {
		pm.IncrementProbeErrors(checkType, errorType)
	}
}

// SetQueueStats publishes the queue counters as gauges.
func SetQueueStats(jobs int, pending uint64, permits int) {
	Gauge(MetricQueueJobs, float64(jobs), nil)
	Gauge(MetricQueuePending, float64(pending), nil)
	Gauge(MetricQueuePermits, float64(permits), nil)
	if pm := prometheusMirror.Load(); pm != nil {
		pm.SetQueueStats(jobs, pending, permits)
	}
}

// SetWorkersBusy publishes the number of workers holding a task.
func SetWorkersBusy(n int) {
	Gauge(MetricWorkersBusy, float64(n), nil)
	if pm := prometheusMirror.Load(); pm != nil {
		pm.SetWorkersBusy(n)
	}
}

// IncrementTasksSplit counts a task split off a larger one.
func IncrementTasksSplit() {
	Counter(MetricTasksSplit, nil)
	if pm := prometheusMirror.Load(); pm != nil {
		pm.IncrementTasksSplit()
	}
}

// IncrementJobsScheduled counts a job pushed onto the queue.
func IncrementJobsScheduled() {
	Counter(MetricJobsScheduled, nil)
	if pm := prometheusMirror.Load(); pm != nil {
		pm.IncrementJobsScheduled()
	}
}

// IncrementRuleErrors counts a compile pass that recorded errors for a rule.
func IncrementRuleErrors(ruleID string) {
	Counter(MetricRuleErrors, Labels{LabelRuleID: ruleID})
	if pm := prometheusMirror.Load(); pm != nil {
		pm.IncrementRuleErrors(ruleID)
	}
}

// RecordHTTPRequest records one API request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	Counter(MetricHTTPRequests, Labels{
		LabelMethod: method,
		LabelPath:   path,
		LabelStatus: code,
	})
	Histogram(MetricHTTPDuration, duration.Seconds(), Labels{
		LabelMethod: method,
		LabelPath:   path,
	})
	if pm := prometheusMirror.Load(); pm != nil {
		pm.IncrementHTTPRequests(method, path, code)
		pm.RecordHTTPDuration(method, path, duration)
	}
}
