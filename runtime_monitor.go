// runtime_monitor.go: per-module memory and execution-time monitoring
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// Runtime violation kinds.
const (
	ViolationMemoryLimit    = "MEMORY_LIMIT_EXCEEDED"
	ViolationExecutionTime  = "EXECUTION_TIME_EXCEEDED"
	ViolationValidation     = "VALIDATION_FAILED"
	ViolationCapabilityDeny = "CAPABILITY_DENIED"
)

// MonitorStats is a snapshot of a runtime monitor.
type MonitorStats struct {
	ModuleID   string        `json:"module_id"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Samples    int64         `json:"samples"`
	LastMemory uint64        `json:"last_memory"`
	Reported   []string      `json:"reported,omitempty"`
}

// RuntimeMonitor samples a module's memory and wall-clock time on a ticker
// and reports each exceeded ceiling once. It never stops the module.
//
// Memory comes from the module's MemoryReporter when it has one, otherwise
// from growth of the process heap since the monitor started, which is only
// an approximation when several modules share the process.
type RuntimeMonitor struct {
	moduleID  string
	interval  time.Duration
	maxMemory uint64
	maxExec   time.Duration
	reporter  MemoryReporter
	baseline  uint64
	startedAt time.Time
	logger    Logger

	onViolation func(SecurityViolation)

	mu       sync.Mutex
	reported map[string]bool

	samples    atomic.Int64
	lastMemory atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRuntimeMonitor(moduleID string, config SecurityConfig, ref Module, logger Logger, onViolation func(SecurityViolation)) *RuntimeMonitor {
	m := &RuntimeMonitor{
		moduleID:    moduleID,
		interval:    config.MonitorInterval,
		maxMemory:   config.MaxMemoryBytes,
		maxExec:     config.MaxExecutionTime,
		startedAt:   time.Now(),
		logger:      logger,
		onViolation: onViolation,
		reported:    make(map[string]bool),
	}
	if r, ok := ref.(MemoryReporter); ok {
		m.reporter = r
	} else {
		m.baseline = heapAlloc()
	}
	return m
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// start launches the sampling loop. A monitor with no limits or no interval
// does not run a goroutine.
func (m *RuntimeMonitor) start() {
	if m.interval <= 0 || (m.maxMemory == 0 && m.maxExec == 0) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

func (m *RuntimeMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	defer withStackRecover(m.logger)()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Stop ends sampling and waits for the loop to exit.
func (m *RuntimeMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Check takes one sample and returns the violations reported by it.
func (m *RuntimeMonitor) Check() []SecurityViolation {
	m.samples.Add(1)

	memory := m.sampleMemory()
	m.lastMemory.Store(memory)
	elapsed := time.Since(m.startedAt)

	var found []SecurityViolation
	if m.maxMemory > 0 && memory > m.maxMemory {
		if v, ok := m.report(ViolationMemoryLimit,
			fmt.Sprintf("memory %d bytes exceeds limit %d", memory, m.maxMemory),
			map[string]interface{}{"memory_bytes": memory, "limit_bytes": m.maxMemory}); ok {
			found = append(found, v)
		}
	}
	if m.maxExec > 0 && elapsed > m.maxExec {
		if v, ok := m.report(ViolationExecutionTime,
			fmt.Sprintf("running for %s exceeds limit %s", elapsed.Round(time.Millisecond), m.maxExec),
			map[string]interface{}{"elapsed": elapsed.String(), "limit": m.maxExec.String()}); ok {
			found = append(found, v)
		}
	}
	return found
}

func (m *RuntimeMonitor) sampleMemory() uint64 {
	if m.reporter != nil {
		return m.reporter.MemoryUsage()
	}
	current := heapAlloc()
	if current < m.baseline {
		return 0
	}
	return current - m.baseline
}

func (m *RuntimeMonitor) report(kind, reason string, details map[string]interface{}) (SecurityViolation, bool) {
	m.mu.Lock()
	if m.reported[kind] {
		m.mu.Unlock()
		return SecurityViolation{}, false
	}
	m.reported[kind] = true
	m.mu.Unlock()

	v := SecurityViolation{
		Type:      kind,
		ModuleID:  m.moduleID,
		Reason:    reason,
		Timestamp: timecache.CachedTime(),
		Context:   details,
	}
	if m.onViolation != nil {
		m.onViolation(v)
	}
	return v, true
}

// Stats returns a snapshot of the monitor.
func (m *RuntimeMonitor) Stats() MonitorStats {
	m.mu.Lock()
	reported := make([]string, 0, len(m.reported))
	for kind := range m.reported {
		reported = append(reported, kind)
	}
	m.mu.Unlock()

	return MonitorStats{
		ModuleID:   m.moduleID,
		StartedAt:  m.startedAt,
		Elapsed:    time.Since(m.startedAt),
		Samples:    m.samples.Load(),
		LastMemory: m.lastMemory.Load(),
		Reported:   reported,
	}
}
