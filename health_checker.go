// health_checker.go: periodic module health monitoring
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// HealthProbe runs one health check against a module.
type HealthProbe func(ctx context.Context) HealthStatus

// HealthChecker polls one module's health on an interval and tracks
// consecutive failures. Once FailureLimit consecutive checks are not serving,
// the reported status becomes StatusOffline.
//
//	checker := NewHealthChecker("auth", probe, DefaultHealthCheckConfig(), nil)
//	checker.Start()
//	defer checker.Stop()
type HealthChecker struct {
	moduleID string
	probe    HealthProbe
	config   HealthCheckConfig
	onResult func(HealthStatus)

	consecutiveFailures atomic.Int64
	lastCheck           atomic.Int64 // unix nanos
	running             atomic.Bool

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHealthChecker creates a stopped checker. onResult, if set, receives
// every status produced by the periodic loop.
func NewHealthChecker(moduleID string, probe HealthProbe, config HealthCheckConfig, onResult func(HealthStatus)) *HealthChecker {
	return &HealthChecker{
		moduleID: moduleID,
		probe:    probe,
		config:   config,
		onResult: onResult,
	}
}

// Check performs one synchronous health check bounded by the configured timeout.
func (hc *HealthChecker) Check(ctx context.Context) HealthStatus {
	if hc.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hc.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	status := hc.probe(ctx)
	status.ModuleID = hc.moduleID
	status.ResponseTime = time.Since(start)
	status.LastCheck = timecache.CachedTime()
	hc.lastCheck.Store(timecache.CachedTimeNano())

	if status.Status.IsServing() || status.Status == StatusUnknown {
		hc.consecutiveFailures.Store(0)
		return status
	}

	failures := hc.consecutiveFailures.Add(1)
	if hc.config.FailureLimit > 0 && failures >= int64(hc.config.FailureLimit) {
		status.Status = StatusOffline
		status.Message = "Exceeded consecutive failure limit: " + status.Message
	}
	return status
}

// Start launches the periodic loop. It is a no-op when checking is disabled
// or the checker already runs.
func (hc *HealthChecker) Start() {
	if !hc.config.Enabled || hc.config.Interval <= 0 {
		return
	}
	if hc.running.CompareAndSwap(false, true) {
		hc.stopChan = make(chan struct{})
		hc.doneChan = make(chan struct{})
		go hc.run()
	}
}

// Stop halts the loop and waits for an in-flight check to finish.
func (hc *HealthChecker) Stop() {
	if hc.running.CompareAndSwap(true, false) {
		close(hc.stopChan)
		<-hc.doneChan
	}
}

// IsRunning reports whether the periodic loop is active.
func (hc *HealthChecker) IsRunning() bool {
	return hc.running.Load()
}

// LastCheck returns the time of the last check, zero if none ran.
func (hc *HealthChecker) LastCheck() time.Time {
	ts := hc.lastCheck.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

// ConsecutiveFailures returns the current failure streak.
func (hc *HealthChecker) ConsecutiveFailures() int64 {
	return hc.consecutiveFailures.Load()
}

func (hc *HealthChecker) run() {
	defer close(hc.doneChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-hc.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	for {
		hc.report(ctx)
		select {
		case <-ticker.C:
		case <-hc.stopChan:
			return
		}
	}
}

func (hc *HealthChecker) report(ctx context.Context) {
	status := hc.Check(ctx)
	if hc.onResult != nil {
		hc.onResult(status)
	}
}

// HealthMonitor keeps one HealthChecker per module and the last status each
// one reported. Listeners are told about every status change.
type HealthMonitor struct {
	config HealthCheckConfig
	logger Logger

	mu        sync.RWMutex
	checkers  map[string]*HealthChecker
	status    map[string]HealthStatus
	listeners []func(HealthStatus)
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor(config HealthCheckConfig, logger Logger) *HealthMonitor {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &HealthMonitor{
		config:   config,
		logger:   logger,
		checkers: make(map[string]*HealthChecker),
		status:   make(map[string]HealthStatus),
	}
}

// OnChange registers fn to receive status transitions.
func (hm *HealthMonitor) OnChange(fn func(HealthStatus)) {
	hm.mu.Lock()
	hm.listeners = append(hm.listeners, fn)
	hm.mu.Unlock()
}

// Watch starts periodic checking of moduleID, replacing any previous checker.
func (hm *HealthMonitor) Watch(moduleID string, probe HealthProbe) *HealthChecker {
	var checker *HealthChecker
	checker = NewHealthChecker(moduleID, probe, hm.config, func(status HealthStatus) {
		hm.record(status, checker)
	})

	hm.mu.Lock()
	existing := hm.checkers[moduleID]
	hm.checkers[moduleID] = checker
	hm.mu.Unlock()

	if existing != nil {
		existing.Stop()
	}
	checker.Start()
	return checker
}

// Unwatch stops checking moduleID and forgets its status. Listeners see it
// go offline.
func (hm *HealthMonitor) Unwatch(moduleID string) {
	hm.mu.Lock()
	checker, exists := hm.checkers[moduleID]
	delete(hm.checkers, moduleID)
	hm.mu.Unlock()

	if exists {
		checker.Stop()
	}

	hm.mu.Lock()
	_, hadStatus := hm.status[moduleID]
	delete(hm.status, moduleID)
	listeners := slices.Clone(hm.listeners)
	hm.mu.Unlock()

	if exists || hadStatus {
		offline := HealthStatus{
			ModuleID:  moduleID,
			Status:    StatusOffline,
			Message:   "module unloaded",
			LastCheck: timecache.CachedTime(),
		}
		for _, fn := range listeners {
			fn(offline)
		}
	}
}

// Checker returns the checker watching moduleID.
func (hm *HealthMonitor) Checker(moduleID string) (*HealthChecker, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	checker, ok := hm.checkers[moduleID]
	return checker, ok
}

// UpdateStatus records status and notifies listeners when the state changed.
func (hm *HealthMonitor) UpdateStatus(status HealthStatus) {
	hm.record(status, nil)
}

// record stores status. Reports from a checker that is no longer watching
// the module are dropped.
func (hm *HealthMonitor) record(status HealthStatus, from *HealthChecker) {
	hm.mu.Lock()
	if from != nil && hm.checkers[status.ModuleID] != from {
		hm.mu.Unlock()
		return
	}
	previous, existed := hm.status[status.ModuleID]
	hm.status[status.ModuleID] = status
	listeners := slices.Clone(hm.listeners)
	hm.mu.Unlock()

	if existed && previous.Status == status.Status {
		return
	}
	if existed {
		hm.logger.Info("Module health changed",
			"module_id", status.ModuleID,
			"from", previous.Status.String(),
			"to", status.Status.String(),
			"message", status.Message)
	}
	for _, fn := range listeners {
		fn(status)
	}
}

// GetStatus returns the last recorded status of moduleID.
func (hm *HealthMonitor) GetStatus(moduleID string) (HealthStatus, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	status, ok := hm.status[moduleID]
	return status, ok
}

// GetAllStatus returns the last status of every watched module.
func (hm *HealthMonitor) GetAllStatus() map[string]HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]HealthStatus, len(hm.status))
	for id, status := range hm.status {
		out[id] = status
	}
	return out
}

// GetOverallHealth folds every module status into the worst one.
func (hm *HealthMonitor) GetOverallHealth() HealthStatus {
	hm.mu.RLock()
	ids := make([]string, 0, len(hm.status))
	for id := range hm.status {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	overall := StatusHealthy
	var messages []string
	for _, id := range ids {
		status := hm.status[id]
		switch status.Status {
		case StatusOffline, StatusUnhealthy:
			overall = StatusUnhealthy
			messages = append(messages, id+": "+status.Message)
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
			messages = append(messages, id+": "+status.Message)
		}
	}
	hm.mu.RUnlock()

	message := "All modules healthy"
	if len(messages) > 0 {
		message = "Issues detected: " + strings.Join(messages, "; ")
	}
	return HealthStatus{
		Status:    overall,
		Message:   message,
		LastCheck: timecache.CachedTime(),
	}
}

// Shutdown stops every checker.
func (hm *HealthMonitor) Shutdown() {
	hm.mu.Lock()
	checkers := hm.checkers
	hm.checkers = make(map[string]*HealthChecker)
	hm.mu.Unlock()

	for _, checker := range checkers {
		checker.Stop()
	}

	hm.mu.Lock()
	hm.status = make(map[string]HealthStatus)
	hm.mu.Unlock()
}
