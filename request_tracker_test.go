// request_tracker_test.go: in-flight counting and draining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTracker_Counting(t *testing.T) {
	metrics := NewDefaultMetricsCollector()
	rt := NewRequestTracker(metrics)

	rt.EndRequest("unknown")
	assert.Zero(t, rt.ActiveRequests("unknown"), "ending an untracked module is ignored")

	rt.StartRequest("a")
	rt.StartRequest("a")
	rt.StartRequest("b")
	assert.Equal(t, int64(2), rt.ActiveRequests("a"))
	assert.Equal(t, map[string]int64{"a": 2, "b": 1}, rt.AllActive())
	assert.Equal(t, float64(2), metrics.GetMetrics()[buildMetricKey(MetricActiveRequests, map[string]string{"module": "a"})])

	rt.EndRequest("b")
	rt.EndRequest("b")
	assert.Zero(t, rt.ActiveRequests("b"), "the counter never goes negative")

	rt.Forget("a")
	assert.Zero(t, rt.ActiveRequests("a"))
	assert.NotContains(t, rt.AllActive(), "a")
}

func TestRequestTracker_ConcurrentUpdates(t *testing.T) {
	rt := NewRequestTracker(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.StartRequest("m")
			rt.EndRequest("m")
		}()
	}
	wg.Wait()
	assert.Zero(t, rt.ActiveRequests("m"))
}

func TestRequestTracker_WaitForDrain(t *testing.T) {
	rt := NewRequestTracker(nil)
	ctx := context.Background()

	assert.True(t, rt.WaitForDrain(ctx, "idle", time.Millisecond))

	rt.StartRequest("busy")
	go func() {
		time.Sleep(20 * time.Millisecond)
		rt.EndRequest("busy")
	}()
	assert.True(t, rt.WaitForDrain(ctx, "busy", 2*time.Second))
}

func TestRequestTracker_DrainTimeout(t *testing.T) {
	rt := NewRequestTracker(nil)
	rt.StartRequest("stuck")

	err := rt.Drain(context.Background(), "stuck", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeDrainTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, rt.WaitForDrain(ctx, "stuck", time.Minute), "a cancelled context ends the wait")

	rt.EndRequest("stuck")
	assert.NoError(t, rt.Drain(context.Background(), "stuck", time.Millisecond))
}
