// metrics.go: metrics collection for the runtime engines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names recorded by the engines.
const (
	MetricModulesLoaded      = "hotmod_modules_loaded_total"
	MetricModulesUnloaded    = "hotmod_modules_unloaded_total"
	MetricModuleLoadFailures = "hotmod_module_load_failures_total"
	MetricModuleLoadSeconds  = "hotmod_module_load_duration_seconds"
	MetricModulesActive      = "hotmod_modules_active"
	MetricSwaps              = "hotmod_swaps_total"
	MetricRollbacks          = "hotmod_rollbacks_total"
	MetricSwapSeconds        = "hotmod_swap_duration_seconds"
	MetricSecurityViolations = "hotmod_security_violations_total"
	MetricValidationFailures = "hotmod_validation_failures_total"
	MetricMessagesSent       = "hotmod_bridge_messages_sent_total"
	MetricMessagesDropped    = "hotmod_bridge_messages_dropped_total"
	MetricRequestTimeouts    = "hotmod_bridge_request_timeouts_total"
	MetricActiveRequests     = "hotmod_active_requests"
)

// MetricsCollector is the interface the engines record metrics through.
//
// DefaultMetricsCollector keeps everything in memory; PrometheusMetricsCollector
// additionally registers real prometheus collectors a host can expose.
//
//	collector.IncrementCounter(MetricModulesLoaded, map[string]string{"module": "auth"}, 1)
//	collector.SetGauge(MetricModulesActive, nil, 4)
//	collector.RecordHistogram(MetricSwapSeconds, map[string]string{"module": "auth"}, 0.125)
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string, value int64)
	SetGauge(name string, labels map[string]string, value float64)
	RecordHistogram(name string, labels map[string]string, value float64)

	// GetMetrics returns a flat snapshot keyed by name{label=value,...}.
	GetMetrics() map[string]interface{}
}

// DefaultMetricsCollector provides a basic in-memory metrics collector
type DefaultMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewDefaultMetricsCollector creates a new default metrics collector
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter implements MetricsCollector
func (dmc *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.counters[buildMetricKey(name, labels)] += value
}

// SetGauge implements MetricsCollector
func (dmc *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.gauges[buildMetricKey(name, labels)] = value
}

// RecordHistogram implements MetricsCollector
func (dmc *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()

	key := buildMetricKey(name, labels)
	dmc.histograms[key] = append(dmc.histograms[key], value)

	// Keep only last 1000 values to prevent memory growth
	if len(dmc.histograms[key]) > 1000 {
		dmc.histograms[key] = dmc.histograms[key][len(dmc.histograms[key])-1000:]
	}
}

// Counter returns the current value of a counter.
func (dmc *DefaultMetricsCollector) Counter(name string, labels map[string]string) int64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.counters[buildMetricKey(name, labels)]
}

// GetMetrics implements MetricsCollector
func (dmc *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()

	metrics := make(map[string]interface{}, len(dmc.counters)+len(dmc.gauges))
	for k, v := range dmc.counters {
		metrics[k] = v
	}
	for k, v := range dmc.gauges {
		metrics[k] = v
	}
	for k, v := range dmc.histograms {
		if len(v) == 0 {
			continue
		}
		sum, minVal, maxVal := 0.0, v[0], v[0]
		for _, val := range v {
			sum += val
			if val < minVal {
				minVal = val
			}
			if val > maxVal {
				maxVal = val
			}
		}
		metrics[k+"_count"] = len(v)
		metrics[k+"_sum"] = sum
		metrics[k+"_min"] = minVal
		metrics[k+"_max"] = maxVal
		metrics[k+"_avg"] = sum / float64(len(v))
	}
	return metrics
}

// buildMetricKey builds a metric key from name and labels
func buildMetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s{%s}", name, strings.Join(parts, ","))
}

// PrometheusMetricsCollector records into a private prometheus registry and
// mirrors every value into an in-memory collector for GetMetrics snapshots.
//
// Metric vectors are created lazily on first use; the label names seen on
// that first call fix the vector's label set. Later calls with a different
// label set are counted in the in-memory snapshot only.
type PrometheusMetricsCollector struct {
	*DefaultMetricsCollector

	registry *prometheus.Registry
	logger   Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsCollector creates a collector with its own registry.
func NewPrometheusMetricsCollector(logger Logger) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		DefaultMetricsCollector: NewDefaultMetricsCollector(),
		registry:                prometheus.NewRegistry(),
		logger:                  NewLogger(logger),
		counters:                make(map[string]*prometheus.CounterVec),
		gauges:                  make(map[string]*prometheus.GaugeVec),
		histograms:              make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the registry so a host can serve it.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// IncrementCounter implements MetricsCollector
func (p *PrometheusMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	p.DefaultMetricsCollector.IncrementCounter(name, labels, value)

	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: sanitizeMetricName(name),
			Help: "hotmod counter " + name,
		}, labelNames(labels))
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.counters[name] = vec
	}
	p.mu.Unlock()

	counter, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		p.logger.Debug("Counter label mismatch", "metric", name, "error", err)
		return
	}
	counter.Add(float64(value))
}

// SetGauge implements MetricsCollector
func (p *PrometheusMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	p.DefaultMetricsCollector.SetGauge(name, labels, value)

	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitizeMetricName(name),
			Help: "hotmod gauge " + name,
		}, labelNames(labels))
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	gauge, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		p.logger.Debug("Gauge label mismatch", "metric", name, "error", err)
		return
	}
	gauge.Set(value)
}

// RecordHistogram implements MetricsCollector
func (p *PrometheusMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	p.DefaultMetricsCollector.RecordHistogram(name, labels, value)

	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    sanitizeMetricName(name),
			Help:    "hotmod histogram " + name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	observer, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		p.logger.Debug("Histogram label mismatch", "metric", name, "error", err)
		return
	}
	observer.Observe(value)
}

// register must be called with p.mu held.
func (p *PrometheusMetricsCollector) register(name string, collector prometheus.Collector) bool {
	if err := p.registry.Register(collector); err != nil {
		p.logger.Warn("Failed to register prometheus metric", "metric", name, "error", err)
		return false
	}
	return true
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sanitizeMetricName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
