// request_tracker.go: in-flight work tracking and graceful draining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// drainPollInterval is how often WaitForDrain re-checks the counter.
const drainPollInterval = 5 * time.Millisecond

// RequestTracker counts work in flight per module: message handlers running
// and bridge requests awaiting a response from the module. The hot-swap
// manager drains a module through it before unloading.
type RequestTracker struct {
	mu     sync.RWMutex
	active map[string]*atomic.Int64

	metrics MetricsCollector
}

// NewRequestTracker creates a tracker. metrics may be nil.
func NewRequestTracker(metrics MetricsCollector) *RequestTracker {
	return &RequestTracker{
		active:  make(map[string]*atomic.Int64),
		metrics: metrics,
	}
}

func (rt *RequestTracker) counter(moduleID string) *atomic.Int64 {
	rt.mu.RLock()
	counter, exists := rt.active[moduleID]
	rt.mu.RUnlock()
	if exists {
		return counter
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	// Double-check after acquiring write lock
	if counter, exists = rt.active[moduleID]; !exists {
		counter = &atomic.Int64{}
		rt.active[moduleID] = counter
	}
	return counter
}

// StartRequest records one unit of work in flight for moduleID.
func (rt *RequestTracker) StartRequest(moduleID string) {
	n := rt.counter(moduleID).Add(1)
	rt.recordGauge(moduleID, n)
}

// EndRequest records the completion of a unit of work.
func (rt *RequestTracker) EndRequest(moduleID string) {
	rt.mu.RLock()
	counter, exists := rt.active[moduleID]
	rt.mu.RUnlock()
	if !exists {
		return
	}
	n := counter.Add(-1)
	if n < 0 {
		counter.Store(0)
		n = 0
	}
	rt.recordGauge(moduleID, n)
}

// ActiveRequests returns the work in flight for moduleID.
func (rt *RequestTracker) ActiveRequests(moduleID string) int64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if counter, exists := rt.active[moduleID]; exists {
		return counter.Load()
	}
	return 0
}

// AllActive returns the in-flight counts of every tracked module.
func (rt *RequestTracker) AllActive() map[string]int64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make(map[string]int64, len(rt.active))
	for id, counter := range rt.active {
		out[id] = counter.Load()
	}
	return out
}

// WaitForDrain waits until moduleID has no work in flight. It returns false
// if timeout elapses or ctx is cancelled first.
func (rt *RequestTracker) WaitForDrain(ctx context.Context, moduleID string, timeout time.Duration) bool {
	if rt.ActiveRequests(moduleID) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return rt.ActiveRequests(moduleID) == 0
		case <-ticker.C:
			if rt.ActiveRequests(moduleID) == 0 {
				return true
			}
		}
	}
}

// Drain is WaitForDrain returning a coded drain timeout error.
func (rt *RequestTracker) Drain(ctx context.Context, moduleID string, timeout time.Duration) error {
	if rt.WaitForDrain(ctx, moduleID, timeout) {
		return nil
	}
	return NewDrainTimeoutError(moduleID, rt.ActiveRequests(moduleID), timeout)
}

// Forget drops the counter of an unloaded module.
func (rt *RequestTracker) Forget(moduleID string) {
	rt.mu.Lock()
	delete(rt.active, moduleID)
	rt.mu.Unlock()
}

func (rt *RequestTracker) recordGauge(moduleID string, n int64) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.SetGauge(MetricActiveRequests, map[string]string{"module": moduleID}, float64(n))
}
