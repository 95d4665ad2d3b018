// metrics_test.go: in-memory and prometheus collectors
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMetricsCollector(t *testing.T) {
	m := NewDefaultMetricsCollector()
	labels := map[string]string{"module": "auth", "outcome": "success"}

	m.IncrementCounter(MetricSwaps, labels, 1)
	m.IncrementCounter(MetricSwaps, labels, 2)
	m.SetGauge(MetricModulesActive, nil, 4)
	m.SetGauge(MetricModulesActive, nil, 3)
	for _, v := range []float64{1, 3, 2} {
		m.RecordHistogram(MetricSwapSeconds, map[string]string{"module": "auth"}, v)
	}

	assert.Equal(t, int64(3), m.Counter(MetricSwaps, labels))
	snapshot := m.GetMetrics()
	assert.Equal(t, int64(3), snapshot["hotmod_swaps_total{module=auth,outcome=success}"])
	assert.Equal(t, float64(3), snapshot[MetricModulesActive])

	key := "hotmod_swap_duration_seconds{module=auth}"
	assert.Equal(t, 3, snapshot[key+"_count"])
	assert.Equal(t, 6.0, snapshot[key+"_sum"])
	assert.Equal(t, 1.0, snapshot[key+"_min"])
	assert.Equal(t, 3.0, snapshot[key+"_max"])
	assert.Equal(t, 2.0, snapshot[key+"_avg"])
}

func TestDefaultMetricsCollector_HistogramWindow(t *testing.T) {
	m := NewDefaultMetricsCollector()
	for i := 0; i < 1500; i++ {
		m.RecordHistogram("latency", nil, float64(i))
	}
	snapshot := m.GetMetrics()
	assert.Equal(t, 1000, snapshot["latency_count"])
	assert.Equal(t, 500.0, snapshot["latency_min"])
}

func TestBuildMetricKey(t *testing.T) {
	assert.Equal(t, "plain", buildMetricKey("plain", nil))
	assert.Equal(t, "m{a=1,b=2}", buildMetricKey("m", map[string]string{"b": "2", "a": "1"}))
}

func TestPrometheusMetricsCollector(t *testing.T) {
	p := NewPrometheusMetricsCollector(NewTestLogger())
	labels := map[string]string{"module": "auth"}

	p.IncrementCounter(MetricModulesLoaded, labels, 2)
	p.SetGauge(MetricActiveRequests, labels, 5)
	p.RecordHistogram(MetricModuleLoadSeconds, labels, 0.25)
	// A different label set cannot join the registered vector but is still counted in memory.
	p.IncrementCounter(MetricModulesLoaded, map[string]string{"module": "auth", "extra": "x"}, 1)

	families, err := p.Registry().Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				byName[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				byName[mf.GetName()] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 2.0, byName[MetricModulesLoaded])
	assert.Equal(t, 5.0, byName[MetricActiveRequests])
	assert.Equal(t, 1.0, byName[MetricModuleLoadSeconds])

	snapshot := p.GetMetrics()
	assert.Equal(t, int64(1), snapshot["hotmod_modules_loaded_total{extra=x,module=auth}"])
}

func TestSanitizeMetricName(t *testing.T) {
	assert.Equal(t, "hotmod_ok", sanitizeMetricName("hotmod_ok"))
	assert.Equal(t, "__bad_name", sanitizeMetricName("1-bad.name"))
}
