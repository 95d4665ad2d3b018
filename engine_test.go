// engine_test.go: ModularEngine façade results, policies and shutdown
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngineConfig() EngineConfig {
	config := DefaultEngineConfig()
	config.Security.MaxMemoryBytes = 0
	config.HotSwap.DrainTimeout = 50 * time.Millisecond
	config.HotSwap.HealthCheckWindow = 0
	config.Health.Interval = time.Hour
	return config
}

func newTestEngine(t *testing.T, config EngineConfig, opts ...EngineOption) (*ModularEngine, *TestLogger) {
	t.Helper()
	logger := NewTestLogger()
	opts = append([]EngineOption{WithLogger(logger)}, opts...)
	e, err := NewModularEngine(config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e, logger
}

func TestNewModularEngine_RejectsInvalidConfig(t *testing.T) {
	config := testEngineConfig()
	config.Bridge.QueueSize = 0
	_, err := NewModularEngine(config)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidation))

	config = testEngineConfig()
	config.Logging.Level = "loud"
	_, err = NewModularEngine(config)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidation))
}

func TestModularEngine_LoadAndUnload(t *testing.T) {
	e, logger := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	res := e.LoadModule(ctx, fakeSpec("cache"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "cache", res.ModuleID)
	info, ok := res.Data.(ModuleInfo)
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
	assert.True(t, logger.HasMessage("INFO", "Modular engine started"))

	dup := e.LoadModule(ctx, fakeSpec("cache"))
	assert.False(t, dup.Success)
	assert.Equal(t, ErrCodeAlreadyLoaded, dup.Code)
	assert.NotEmpty(t, dup.Error)

	list := e.ListModules()
	require.True(t, list.Success)
	assert.Len(t, list.Data, 1)

	assert.True(t, e.UnloadModule(ctx, "cache").Success)
	ghost := e.UnloadModule(ctx, "cache")
	assert.False(t, ghost.Success)
	assert.Equal(t, ErrCodeModuleNotFound, ghost.Code)
}

func TestModularEngine_FailedInitReportsFailure(t *testing.T) {
	e, logger := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	mod := &fakeModule{id: "flaky", initErr: errors.New("boom")}
	spec := *baseSpec("flaky")
	spec.Factory = fakeFactory(mod)

	res := e.LoadModule(ctx, spec)
	assert.False(t, res.Success)
	assert.Equal(t, ErrCodeModuleInitFailed, res.Code)
	assert.True(t, logger.HasMessage("ERROR", "Module load failed"))
	assert.Empty(t, e.ListModules().Data)

	mod.initErr = nil
	assert.True(t, e.LoadModule(ctx, spec).Success, "the engine keeps serving after a failed load")
}

func TestModularEngine_RejectedModule(t *testing.T) {
	e, _ := newTestEngine(t, testEngineConfig())

	spec := *baseSpec("shady")
	spec.Code = `os.execute("reboot")`
	res := e.LoadModule(context.Background(), spec)
	assert.False(t, res.Success)
	assert.Equal(t, ErrCodeDangerousPattern, res.Code)
	assert.Nil(t, res.Data)
}

func TestModularEngine_PauseResumeReload(t *testing.T) {
	e, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	mod := &fakeModule{id: "worker"}
	spec := *baseSpec("worker")
	spec.Factory = fakeFactory(mod)
	require.True(t, e.LoadModule(ctx, spec).Success)

	assert.True(t, e.PauseModule(ctx, "worker").Success)
	again := e.PauseModule(ctx, "worker")
	assert.False(t, again.Success)
	assert.Equal(t, ErrCodeInvalidTransition, again.Code)
	assert.True(t, e.ResumeModule(ctx, "worker").Success)

	res := e.ReloadModule(ctx, "worker")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(2), mod.inits.Load())
	assert.Equal(t, int32(1), mod.pauses.Load())
	assert.Equal(t, int32(1), mod.resumes.Load())
}

func TestModularEngine_HotSwapResults(t *testing.T) {
	e, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	old := &fakeModule{id: "orders", state: map[string]any{"count": 3}}
	spec := *baseSpec("orders")
	spec.Factory = fakeFactory(old)
	require.True(t, e.LoadModule(ctx, spec).Success)

	broken := &fakeModule{id: "orders", health: StatusUnhealthy}
	res := e.HotSwapModule(ctx, "orders", nextVersion("1.1.0", broken))
	assert.False(t, res.Success, "a rolled back swap is a failed operation")
	assert.Equal(t, ErrCodeHealthCheckFailed, res.Code)
	assert.NotEmpty(t, res.Error)
	swap, ok := res.Data.(*SwapResult)
	require.True(t, ok)
	assert.True(t, swap.RolledBack)

	list := e.ListModules().Data.([]ModuleInfo)
	require.Len(t, list, 1)
	assert.Equal(t, "1.0.0", list[0].Version)

	next := &fakeModule{id: "orders"}
	res = e.HotSwapModule(ctx, "orders", nextVersion("1.1.0", next))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"count": float64(3)}, next.state)
	assert.NotEmpty(t, e.Checkpoints("orders"))

	rb := e.RollbackModule(ctx, "orders", "")
	require.True(t, rb.Success, rb.Error)
	result, ok := rb.Data.(*RollbackResult)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", result.RestoredVersion)

	missing := e.RollbackModule(ctx, "orders", "nope")
	assert.Equal(t, ErrCodeCheckpointNotFound, missing.Code)

	m := e.Metrics()
	assert.Equal(t, int64(1), m.HotSwap.Swaps)
	assert.Equal(t, 1, m.Modules)
}

func TestModularEngine_CheckModuleHealth(t *testing.T) {
	e, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	degraded := *baseSpec("slow")
	degraded.Factory = fakeFactory(&fakeModule{id: "slow", health: StatusDegraded})
	require.True(t, e.LoadModule(ctx, degraded).Success)

	sick := *baseSpec("sick")
	sick.Factory = fakeFactory(&fakeModule{id: "sick", health: StatusUnhealthy})
	require.True(t, e.LoadModule(ctx, sick).Success)

	res := e.CheckModuleHealth(ctx, "slow")
	assert.True(t, res.Success)
	assert.Equal(t, StatusDegraded, res.Data.(HealthStatus).Status)

	res = e.CheckModuleHealth(ctx, "sick")
	assert.False(t, res.Success)
	assert.Equal(t, ErrCodeHealthCheckFailed, res.Code)
	assert.Equal(t, StatusUnhealthy, res.Data.(HealthStatus).Status)

	res = e.CheckModuleHealth(ctx, "ghost")
	assert.Equal(t, ErrCodeModuleNotFound, res.Code)
	assert.Equal(t, StatusOffline, res.Data.(HealthStatus).Status)

	overall := e.Metrics().Overall
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.Contains(t, overall.Message, "sick")
}

func TestModularEngine_ViolationPolicyBansModule(t *testing.T) {
	config := testEngineConfig()
	config.Security.MaxMemoryBytes = 100
	config.Security.MonitorInterval = 5 * time.Millisecond
	e, logger := newTestEngine(t, config,
		WithViolationPolicy(ThresholdViolationPolicy(1, ViolationBan)))
	ctx := context.Background()

	spec := *baseSpec("hungry")
	spec.Factory = func(context.Context, *ModuleContext) (Module, error) {
		return &memoryHog{bytes: 4096}, nil
	}
	require.True(t, e.LoadModule(ctx, spec).Success)

	require.Eventually(t, func() bool {
		_, banned := e.Security().IsBanned("hungry")
		return banned && len(e.ListModules().Data.([]ModuleInfo)) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, logger.HasMessage("WARN", "Applying violation policy"))

	res := e.LoadModule(ctx, spec)
	assert.Equal(t, ErrCodeModuleBanned, res.Code)
}

func TestThresholdViolationPolicy(t *testing.T) {
	policy := ThresholdViolationPolicy(2, ViolationPause)
	ctx := context.Background()
	a := SecurityViolation{ModuleID: "a"}
	b := SecurityViolation{ModuleID: "b"}

	assert.Equal(t, ViolationLog, policy(ctx, a))
	assert.Equal(t, ViolationLog, policy(ctx, b))
	assert.Equal(t, ViolationPause, policy(ctx, a))
	assert.Equal(t, ViolationLog, policy(ctx, a), "the count restarts after acting")

	assert.Equal(t, "ban", ViolationBan.String())
	assert.Equal(t, "log", LogOnlyViolationPolicy(ctx, a).String())
}

func TestModularEngine_DiscoverAndLoad(t *testing.T) {
	e, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "store", "module.yaml"), "name: store\nversion: 1.0.0\nmain: store.lua\n")
	writeFile(t, filepath.Join(dir, "store", "store.lua"), `function health() return "healthy" end`)
	writeFile(t, filepath.Join(dir, "report", "module.yaml"),
		"name: report\nversion: 2.0.0\nmain: report.lua\ndependencies:\n  store: ^1.0\n")
	writeFile(t, filepath.Join(dir, "report", "report.lua"), `x = 1`)

	res := e.DiscoverAndLoad(ctx, []string{dir})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]string{"store": "loaded", "report": "loaded"}, res.Data)

	modules := e.ListModules().Data.([]ModuleInfo)
	assert.Len(t, modules, 2)

	again := e.DiscoverAndLoad(ctx, []string{dir})
	require.True(t, again.Success)
	assert.Empty(t, again.Data, "loaded modules are skipped")
}

func TestModularEngine_ObserversAndMetrics(t *testing.T) {
	var seen atomic.Int32
	observer := NewFunctionalObserver("active-counter", func(context.Context, cloudevents.Event) error {
		seen.Add(1)
		return nil
	})
	metrics := NewDefaultMetricsCollector()
	e, _ := newTestEngine(t, testEngineConfig(),
		WithMetricsCollector(metrics),
		WithObserver(observer, EventModuleActive))
	ctx := context.Background()

	require.True(t, e.LoadModule(ctx, fakeSpec("cache")).Success)
	assert.Equal(t, int32(1), seen.Load())
	assert.Equal(t, int64(1), metrics.Counter(MetricModulesLoaded, map[string]string{"module": "cache"}))

	res := e.GetMetrics()
	require.True(t, res.Success)
	snapshot := res.Data.(EngineMetrics)
	assert.Equal(t, 1, snapshot.Modules)
	assert.Equal(t, 1, snapshot.ModulesByState[StateActive.String()])
	assert.Positive(t, snapshot.EventsEmitted)
	assert.Contains(t, snapshot.Collector, buildMetricKey(MetricModulesLoaded, map[string]string{"module": "cache"}))
}

func TestModularEngine_ShutdownUnloadsDependentsFirst(t *testing.T) {
	e, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	base := &fakeModule{id: "base"}
	top := &fakeModule{id: "top"}
	bottomSpec := fakeSpec("base")
	bottomSpec.Factory = fakeFactory(base)
	topSpec := fakeSpec("top", "base")
	topSpec.Factory = fakeFactory(top)
	require.True(t, e.LoadModule(ctx, bottomSpec).Success)
	require.True(t, e.LoadModule(ctx, topSpec).Success)

	refused := e.UnloadModule(ctx, "base")
	assert.Equal(t, ErrCodeHasDependents, refused.Code)

	require.NoError(t, e.Shutdown(ctx))
	assert.Equal(t, int32(1), base.disposes.Load())
	assert.Equal(t, int32(1), top.disposes.Load())
	assert.NoError(t, e.Shutdown(ctx), "shutdown is idempotent")

	res := e.LoadModule(ctx, fakeSpec("late"))
	assert.False(t, res.Success)
	assert.Equal(t, ErrCodeEngineClosed, res.Code)
	assert.Equal(t, ErrCodeEngineClosed, e.ListModules().Code)
}
