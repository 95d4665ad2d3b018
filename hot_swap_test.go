// hot_swap_test.go: swap phases, state carry-over and rollback
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handlerModule is a fakeModule that also consumes bridge messages.
type handlerModule struct {
	*fakeModule
	received atomic.Int32
}

func (m *handlerModule) HandleMessage(context.Context, Message) error {
	m.received.Add(1)
	return nil
}

type swapFixture struct {
	*engineFixture
	swap *HotSwapManager
}

func newSwapFixture(t *testing.T, config HotSwapConfig) *swapFixture {
	t.Helper()
	f := newEngineFixture(t)
	return &swapFixture{
		engineFixture: f,
		swap:          NewHotSwapManager(f.engine, f.bridge, config, f.logger, WithSwapEvents(f.bus)),
	}
}

func fastSwapConfig() HotSwapConfig {
	return HotSwapConfig{
		DrainTimeout:        50 * time.Millisecond,
		HealthCheckTimeout:  time.Second,
		CheckpointRetention: 3,
	}
}

// loadCounter loads version 1.0.0 of "orders" with an exported counter.
func (f *swapFixture) loadCounter(t *testing.T) (*fakeModule, ModuleSpec) {
	t.Helper()
	old := &fakeModule{id: "orders", state: map[string]any{"count": 3}}
	spec := *baseSpec("orders")
	spec.Factory = fakeFactory(old)
	_, err := f.engine.LoadModule(context.Background(), spec)
	require.NoError(t, err)
	return old, spec
}

func nextVersion(version string, m Module) ModuleSpec {
	spec := *baseSpec("orders")
	spec.Version = version
	spec.Factory = func(context.Context, *ModuleContext) (Module, error) { return m, nil }
	return spec
}

func TestHotSwap_CarriesStateAndConnections(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	rec := newEventRecorder(f.bus, EventSwapPhase, EventModuleHotSwapping, EventModuleHotSwapped)
	ctx := context.Background()
	f.loadCounter(t)

	_, err := f.bridge.Subscribe(ctx, "orders", "orders.created", func(context.Context, Message) error { return nil })
	require.NoError(t, err)

	next := &handlerModule{fakeModule: &fakeModule{id: "orders"}}
	result, err := f.swap.SwapModule(ctx, "orders", nextVersion("1.1.0", next))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.RolledBack)
	assert.Equal(t, "1.0.0", result.FromVersion)
	assert.Equal(t, "1.1.0", result.ToVersion)
	assert.NotEmpty(t, result.CheckpointID)
	assert.Equal(t, []string{"orders.created"}, result.MigratedConnections)

	phases := make([]SwapPhase, len(result.Phases))
	for i, p := range result.Phases {
		phases[i] = p.Phase
		assert.Empty(t, p.Error, string(p.Phase))
	}
	assert.Equal(t, []SwapPhase{
		PhaseValidation, PhaseStatePreservation, PhaseUnloading, PhaseLoading,
		PhaseStateRestoration, PhaseConnectionMigration, PhaseHealthCheck, PhaseCompletion,
	}, phases)

	assert.Equal(t, map[string]any{"count": float64(3)}, next.state)
	lm, ok := f.engine.Get("orders")
	require.True(t, ok)
	assert.Same(t, next, lm.Instance)
	assert.Equal(t, "1.1.0", lm.Spec.Version)

	_, err = f.bridge.SendMessage(ctx, "producer", "orders.created", "o-1", MessageBroadcast, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), next.received.Load(), "the new version listens on the old channels")

	assert.Equal(t, 8, rec.count(EventSwapPhase))
	assert.Equal(t, 1, rec.count(EventModuleHotSwapped))
	assert.Len(t, f.swap.Checkpoints("orders"), 1)
	assert.Equal(t, int64(1), f.swap.Stats().Swaps)
}

func TestHotSwap_UnhealthyVersionRollsBack(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	ctx := context.Background()
	old, _ := f.loadCounter(t)

	broken := &fakeModule{id: "orders", health: StatusUnhealthy}
	result, err := f.swap.SwapModule(ctx, "orders", nextVersion("1.1.0", broken))
	require.NoError(t, err, "a clean rollback is not an error")

	assert.False(t, result.Success)
	assert.True(t, result.RolledBack)
	assert.Equal(t, PhaseHealthCheck, result.FailedPhase)
	assert.Equal(t, ErrCodeHealthCheckFailed, result.FailureCode)
	assert.Equal(t, PhaseRollback, result.Phases[len(result.Phases)-1].Phase)

	lm, ok := f.engine.Get("orders")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", lm.Spec.Version)
	assert.Equal(t, StateActive, lm.State())
	assert.Same(t, old, lm.Instance)
	assert.Equal(t, map[string]any{"count": float64(3)}, old.state, "the checkpointed state is restored")
	assert.Equal(t, int32(1), broken.disposes.Load(), "the failed version is unloaded")

	stats := f.swap.Stats()
	assert.Equal(t, int64(1), stats.FailedSwaps)
	assert.Equal(t, int64(1), stats.Rollbacks)
	assert.True(t, f.logger.HasMessage("WARN", "Hot swap rolled back"))
}

func TestHotSwap_HealthWindowCatchesLateFailure(t *testing.T) {
	config := fastSwapConfig()
	config.HealthCheckWindow = 100 * time.Millisecond
	config.HealthCheckInterval = 10 * time.Millisecond
	f := newSwapFixture(t, config)
	ctx := context.Background()
	f.loadCounter(t)

	degrading := &degradingModule{fakeModule: &fakeModule{id: "orders"}, healthyFor: 2}
	result, err := f.swap.SwapModule(ctx, "orders", nextVersion("1.1.0", degrading))
	require.NoError(t, err)
	assert.True(t, result.RolledBack)
	assert.Equal(t, PhaseHealthCheck, result.FailedPhase)
}

// degradingModule passes its first healthyFor health checks, then fails.
type degradingModule struct {
	*fakeModule
	healthyFor int32
	checks     atomic.Int32
}

func (m *degradingModule) Health(context.Context) HealthStatus {
	if m.checks.Add(1) > m.healthyFor {
		return HealthStatus{Status: StatusUnhealthy, Message: "connection pool exhausted"}
	}
	return HealthStatus{Status: StatusHealthy}
}

func TestHotSwap_ValidationFailureKeepsRunningVersion(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	ctx := context.Background()
	old, _ := f.loadCounter(t)

	result, err := f.swap.SwapModule(ctx, "orders", nextVersion("2.0.0", &fakeModule{}))
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeSwapValidationFailed))
	assert.Equal(t, PhaseValidation, result.FailedPhase)
	assert.Len(t, result.Phases, 1)
	assert.False(t, result.RolledBack)
	assert.True(t, result.Compatibility.MajorBump)

	lm, ok := f.engine.Get("orders")
	require.True(t, ok)
	assert.Same(t, old, lm.Instance)
	assert.Zero(t, old.disposes.Load())
	assert.Empty(t, f.swap.Checkpoints("orders"), "no checkpoint before validation passes")

	denied := nextVersion("1.1.0", &fakeModule{})
	denied.Code = `os.execute("reboot")`
	_, err = f.swap.SwapModule(ctx, "orders", denied)
	assert.True(t, HasErrorCode(err, ErrCodeSwapValidationFailed), "the security pipeline runs on the new version")

	_, err = f.swap.SwapModule(ctx, "ghost", denied)
	assert.True(t, HasErrorCode(err, ErrCodeModuleNotFound))
}

func TestHotSwap_BreakingChangesAllowedByConfig(t *testing.T) {
	config := fastSwapConfig()
	config.AllowBreakingChanges = true
	f := newSwapFixture(t, config)
	f.loadCounter(t)

	result, err := f.swap.SwapModule(context.Background(), "orders", nextVersion("2.0.0", &fakeModule{id: "orders"}))
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestHotSwap_StateMigration(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	ctx := context.Background()
	f.loadCounter(t)

	next := &fakeModule{id: "orders"}
	spec := nextVersion("2.0.0", next)
	spec.BreakingChanges = []string{"count renamed to total"}
	spec.Migrations = map[string]StateMigration{
		"1.0.0": func(state map[string]any) (map[string]any, error) {
			return map[string]any{"total": state["count"], "schema": 2}, nil
		},
	}

	report := f.swap.ValidateSwap("orders", spec)
	assert.True(t, report.Compatible)
	assert.True(t, report.MigrationAvailable)
	assert.Equal(t, []string{"count renamed to total"}, report.BreakingChanges)

	result, err := f.swap.SwapModule(ctx, "orders", spec)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, map[string]any{"total": float64(3), "schema": 2}, next.state)
}

func TestHotSwap_FailedMigrationRollsBack(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	old, _ := f.loadCounter(t)

	spec := nextVersion("2.0.0", &fakeModule{id: "orders"})
	spec.Migrations = map[string]StateMigration{
		"1.0.0": func(map[string]any) (map[string]any, error) {
			return nil, errors.New("unknown schema")
		},
	}
	result, err := f.swap.SwapModule(context.Background(), "orders", spec)
	require.NoError(t, err)
	assert.True(t, result.RolledBack)
	assert.Equal(t, PhaseStateRestoration, result.FailedPhase)
	assert.Equal(t, ErrCodeStateMigrationFailed, result.FailureCode)

	lm, _ := f.engine.Get("orders")
	assert.Same(t, old, lm.Instance)
}

func TestHotSwap_FailedLoadRollsBack(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	f.loadCounter(t)

	spec := *baseSpec("orders")
	spec.Version = "1.1.0"
	spec.Factory = func(context.Context, *ModuleContext) (Module, error) {
		return nil, errors.New("missing dependency injection")
	}
	result, err := f.swap.SwapModule(context.Background(), "orders", spec)
	require.NoError(t, err)
	assert.True(t, result.RolledBack)
	assert.Equal(t, PhaseLoading, result.FailedPhase)
	assert.Equal(t, ErrCodeModuleFactoryFailed, result.FailureCode)

	state, ok := f.engine.State("orders")
	require.True(t, ok)
	assert.Equal(t, StateActive, state)
}

func TestHotSwap_FailedRollbackLeavesModuleUnloaded(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	ctx := context.Background()

	var builds atomic.Int32
	spec := *baseSpec("orders")
	spec.Factory = func(context.Context, *ModuleContext) (Module, error) {
		if builds.Add(1) > 1 {
			return nil, errors.New("artifact no longer available")
		}
		return &fakeModule{id: "orders"}, nil
	}
	_, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)

	result, err := f.swap.SwapModule(ctx, "orders", nextVersion("1.1.0", &fakeModule{health: StatusUnhealthy}))
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeRollbackFailed))
	assert.False(t, result.RolledBack)
	assert.False(t, f.engine.Exists("orders"))
	assert.Equal(t, int64(1), f.swap.Stats().FailedRollbacks)
	assert.True(t, f.logger.HasMessage("ERROR", "Rollback failed, module left unloaded"))
}

func TestHotSwap_DrainTimeoutDoesNotBlockSwap(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	f.loadCounter(t)
	f.bridge.Tracker().StartRequest("orders")

	started := time.Now()
	result, err := f.swap.SwapModule(context.Background(), "orders", nextVersion("1.0.1", &fakeModule{id: "orders"}))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
	assert.True(t, f.logger.HasMessage("WARN", "Drain incomplete, unloading anyway"))
}

func TestHotSwap_ManualCheckpointAndRollback(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	ctx := context.Background()
	old, _ := f.loadCounter(t)

	cpID, err := f.swap.CreateCheckpoint(ctx, "orders")
	require.NoError(t, err)
	infos := f.swap.Checkpoints("orders")
	require.Len(t, infos, 1)
	assert.Equal(t, cpID, infos[0].ID)
	assert.True(t, infos[0].HasState)

	require.NoError(t, old.ImportState(ctx, map[string]any{"count": 99}))

	result, err := f.swap.Rollback(ctx, "orders", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.StateRestored)
	assert.Equal(t, "1.0.0", result.RestoredVersion)
	assert.Equal(t, StatusHealthy, result.Health.Status)
	assert.Equal(t, map[string]any{"count": float64(3)}, old.state)

	require.NoError(t, f.engine.UnloadModule(ctx, "orders"))
	_, err = f.swap.Rollback(ctx, "orders", cpID)
	require.NoError(t, err, "a checkpoint can bring back an unloaded module")
	assert.True(t, f.engine.Exists("orders"))

	_, err = f.swap.Rollback(ctx, "orders", "missing")
	assert.True(t, HasErrorCode(err, ErrCodeCheckpointNotFound))
	_, err = f.swap.CreateCheckpoint(ctx, "ghost")
	assert.True(t, HasErrorCode(err, ErrCodeModuleNotFound))

	assert.Equal(t, 1, f.swap.CleanupCheckpoints("orders"))
	assert.Empty(t, f.swap.Checkpoints("orders"))
}

func TestHotSwap_CheckpointRetention(t *testing.T) {
	config := fastSwapConfig()
	config.CheckpointRetention = 2
	f := newSwapFixture(t, config)
	ctx := context.Background()
	f.loadCounter(t)

	for _, v := range []string{"1.0.1", "1.0.2", "1.0.3"} {
		result, err := f.swap.SwapModule(ctx, "orders", nextVersion(v, &fakeModule{id: "orders"}))
		require.NoError(t, err)
		require.True(t, result.Success, v)
	}
	infos := f.swap.Checkpoints("orders")
	require.Len(t, infos, 2)
	assert.Equal(t, "1.0.1", infos[0].Version)
	assert.Equal(t, "1.0.2", infos[1].Version)

	config.CheckpointRetention = 0
	g := newSwapFixture(t, config)
	g.loadCounter(t)
	_, err := g.swap.SwapModule(ctx, "orders", nextVersion("1.0.1", &fakeModule{id: "orders"}))
	require.NoError(t, err)
	assert.Empty(t, g.swap.Checkpoints("orders"))
}

func TestHotSwap_ValidateSwapReport(t *testing.T) {
	f := newSwapFixture(t, fastSwapConfig())
	ctx := context.Background()

	base := *baseSpec("store")
	base.Version = "1.2.0"
	base.Permissions = []string{"network"}
	base.ProvidedServices = []string{"store.kv"}
	base.Factory = fakeFactory(&fakeModule{})
	_, err := f.engine.LoadModule(ctx, base)
	require.NoError(t, err)
	_, err = f.engine.LoadModule(ctx, fakeSpec("reader", "store"))
	require.NoError(t, err)

	next := base
	next.Version = "1.1.0"
	next.Permissions = []string{"filesystem"}
	next.ProvidedServices = nil

	report := f.swap.ValidateSwap("store", next)
	assert.True(t, report.Compatible)
	assert.True(t, report.Downgrade)
	assert.Equal(t, []string{"filesystem"}, report.AddedPermissions)
	assert.Equal(t, []string{"filesystem"}, report.AddedDangerousPermissions)
	assert.Equal(t, []string{"network"}, report.RemovedPermissions)
	assert.Equal(t, []string{"store.kv"}, report.RemovedServices)
	assert.Len(t, report.Warnings, 3)

	next.ID = "other"
	next.Version = "not-semver"
	next.Permissions = []string{"teleport"}
	report = f.swap.ValidateSwap("store", next)
	assert.False(t, report.Compatible)
	assert.Len(t, report.Reasons, 3)

	report = f.swap.ValidateSwap("ghost", next)
	assert.False(t, report.Compatible)
}
