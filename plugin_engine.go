// plugin_engine.go: module lifecycle engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// FactoryResolver picks a factory for specs that carry none. Returning an
// error fails the load.
type FactoryResolver func(spec *ModuleSpec) (ModuleFactory, error)

// LoadedModule is a module instance registered with the engine.
type LoadedModule struct {
	ID            string
	Spec          ModuleSpec
	Instance      Module
	Context       *ModuleContext
	Permissions   PermissionSet
	SecurityLevel TrustLevel
	LoadedAt      time.Time

	caps  capabilities
	state atomic.Int32
}

// State returns the current lifecycle state.
func (lm *LoadedModule) State() ModuleState {
	return ModuleState(lm.state.Load())
}

func (lm *LoadedModule) setState(s ModuleState) {
	lm.state.Store(int32(s))
}

// Capabilities lists the optional interfaces the instance implements.
func (lm *LoadedModule) Capabilities() []string {
	return lm.caps.names()
}

// Info returns the listing entry for this module.
func (lm *LoadedModule) Info() ModuleInfo {
	desc := lm.Spec.Descriptor()
	desc.State = lm.State()
	return ModuleInfo{
		ModuleDescriptor: desc,
		LoadedAt:         lm.LoadedAt,
		SecurityLevel:    lm.SecurityLevel,
		Capabilities:     lm.caps.names(),
		Sandboxed:        lm.Context != nil && lm.Context.Sandbox != nil,
	}
}

// PluginEngineStats counts lifecycle activity.
type PluginEngineStats struct {
	Loaded       int64          `json:"loaded"`
	Unloaded     int64          `json:"unloaded"`
	LoadFailures int64          `json:"load_failures"`
	ByState      map[string]int `json:"by_state"`
}

// PluginEngine loads, tracks and unloads modules.
//
// A load walks a spec through validation, dependency checks, sandbox and
// security context creation, the factory and the init hook. The module is
// registered only once it is ACTIVE; any failure on the way tears down what
// was built and leaves no trace in the registry.
//
// Lifecycle operations on the same module never overlap: concurrent loads of
// the same path or id fail fast with AlreadyLoading, and unload, reload,
// pause and resume are guarded by a per-module operation set.
type PluginEngine struct {
	logger    Logger
	events    *EventBus
	metrics   MetricsCollector
	security  *ModuleSecurity
	container *Container
	bridge    *ModuleBridge
	discovery *DiscoveryEngine
	resolver  FactoryResolver

	mu         sync.RWMutex
	modules    map[string]*LoadedModule
	graph      *DependencyGraph
	loading    map[string]string // normalized path -> module id
	loadingIDs map[string]struct{}

	// loadingDeps holds the declared dependencies of modules still loading,
	// so their dependencies cannot be unloaded underneath them.
	loadingDeps map[string][]string
	inFlight    map[string]string // module id -> operation

	loads    atomic.Int64
	unloads  atomic.Int64
	failures atomic.Int64
}

// PluginEngineOption configures a PluginEngine.
type PluginEngineOption func(*PluginEngine)

// WithEngineEvents sets the lifecycle event bus.
func WithEngineEvents(bus *EventBus) PluginEngineOption {
	return func(e *PluginEngine) { e.events = bus }
}

// WithEngineMetrics sets the metrics collector.
func WithEngineMetrics(metrics MetricsCollector) PluginEngineOption {
	return func(e *PluginEngine) { e.metrics = metrics }
}

// WithFactoryResolver sets how factories are found for specs without one.
func WithFactoryResolver(resolver FactoryResolver) PluginEngineOption {
	return func(e *PluginEngine) { e.resolver = resolver }
}

// WithDiscoveryEngine sets the engine used by DiscoverModules.
func WithDiscoveryEngine(discovery *DiscoveryEngine) PluginEngineOption {
	return func(e *PluginEngine) { e.discovery = discovery }
}

// NewPluginEngine creates a plugin engine over the given collaborators.
func NewPluginEngine(container *Container, security *ModuleSecurity, bridge *ModuleBridge, logger Logger, opts ...PluginEngineOption) *PluginEngine {
	logger = NewLogger(logger)
	e := &PluginEngine{
		logger:     logger,
		metrics:    NewDefaultMetricsCollector(),
		security:   security,
		container:  container,
		bridge:     bridge,
		modules:    make(map[string]*LoadedModule),
		graph:      NewDependencyGraph(),
		loading:    make(map[string]string),
		loadingIDs:  make(map[string]struct{}),
		loadingDeps: make(map[string][]string),
		inFlight:   make(map[string]string),
		resolver:   DefaultFactoryResolver,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.discovery == nil {
		e.discovery = NewDiscoveryEngine(DefaultDiscoveryConfig(), logger)
	}
	return e
}

// DefaultFactoryResolver runs specs that carry code as Lua script modules.
func DefaultFactoryResolver(spec *ModuleSpec) (ModuleFactory, error) {
	if spec.Code != "" {
		return ScriptModuleFactory(spec.Code), nil
	}
	return nil, NewValidationError(spec.ID, "module has neither a factory nor code")
}

type loadOptions struct {
	// owned is set when the caller already holds the module's operation slot.
	owned bool
}

// LoadModule validates spec, builds the module and activates it.
func (e *PluginEngine) LoadModule(ctx context.Context, spec ModuleSpec) (*LoadedModule, error) {
	return e.load(ctx, spec, loadOptions{})
}

func (e *PluginEngine) load(ctx context.Context, spec ModuleSpec, opts loadOptions) (*LoadedModule, error) {
	started := time.Now()
	key := spec.normalizedPath()

	if err := e.acquireLoad(spec.ID, key, opts.owned); err != nil {
		e.logger.Warn("Module load rejected", "module_id", spec.ID, "path", spec.Path, "error", err)
		return nil, err
	}
	defer e.releaseLoad(spec.ID, key)

	e.events.Emit(ctx, EventModuleLoading, spec.ID, map[string]any{
		"version": spec.Version,
		"state":   StateLoading.String(),
	})

	lm, err := e.build(ctx, &spec)
	if err != nil {
		return nil, e.loadFailed(ctx, &spec, err)
	}

	e.mu.Lock()
	if missing := e.missingDependencyLocked(&spec); missing != "" {
		e.mu.Unlock()
		lm.setState(StateError)
		e.teardown(ctx, lm, true)
		return nil, e.loadFailed(ctx, &spec, NewDependencyNotFoundError(spec.ID, missing))
	}
	e.modules[spec.ID] = lm
	e.graph.AddModule(spec.ID, spec.Dependencies)
	active := len(e.modules)
	e.mu.Unlock()

	e.security.StartRuntimeMonitoring(spec.ID, lm.Instance)

	e.loads.Add(1)
	labels := map[string]string{"module": spec.ID}
	e.metrics.IncrementCounter(MetricModulesLoaded, labels, 1)
	e.metrics.RecordHistogram(MetricModuleLoadSeconds, labels, time.Since(started).Seconds())
	e.metrics.SetGauge(MetricModulesActive, nil, float64(active))

	e.events.Emit(ctx, EventModuleActive, spec.ID, map[string]any{
		"version":      spec.Version,
		"state":        StateActive.String(),
		"capabilities": lm.caps.names(),
	})
	e.logger.Info("Module loaded",
		"module_id", spec.ID,
		"version", spec.Version,
		"security_level", lm.SecurityLevel.String(),
		"duration", time.Since(started))
	return lm, nil
}

func (e *PluginEngine) acquireLoad(id, key string, owned bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.loading[key]; busy {
		return NewAlreadyLoadingError(id, key)
	}
	if _, busy := e.loadingIDs[id]; busy {
		return NewAlreadyLoadingError(id, key)
	}
	if _, exists := e.modules[id]; exists {
		return NewAlreadyLoadedError(id)
	}
	if op, busy := e.inFlight[id]; busy && !owned {
		return NewOperationInProgressError(id, op)
	}
	e.loading[key] = id
	if id != "" {
		e.loadingIDs[id] = struct{}{}
	}
	return nil
}

func (e *PluginEngine) releaseLoad(id, key string) {
	e.mu.Lock()
	delete(e.loading, key)
	delete(e.loadingIDs, id)
	delete(e.loadingDeps, id)
	e.mu.Unlock()
}

// build runs every load step up to ACTIVE. On failure it undoes its own work.
func (e *PluginEngine) build(ctx context.Context, spec *ModuleSpec) (lm *LoadedModule, err error) {
	result := e.security.ValidateModule(spec)
	if !result.Valid {
		if result.Err != nil {
			return nil, result.Err
		}
		return nil, NewSecurityViolationError(spec.ID, result.Reason)
	}

	if err := e.checkDependencies(spec); err != nil {
		return nil, err
	}

	factory := spec.Factory
	if factory == nil {
		if factory, err = e.resolver(spec); err != nil {
			return nil, err
		}
	}

	declared, _ := parsePermissions(spec.Permissions)
	perms := e.security.EffectivePermissions(spec.ID, declared)
	sandbox, err := e.security.CreateSandbox(spec.ID, perms)
	if err != nil {
		return nil, err
	}
	secCtx := e.security.CreateSecurityContext(spec.ID, perms, result.SecurityLevel, sandbox)

	provided := make(map[string]struct{}, len(spec.ProvidedServices))
	for _, token := range spec.ProvidedServices {
		provided[token] = struct{}{}
	}
	mc := &ModuleContext{
		ModuleID:   spec.ID,
		Descriptor: spec.Descriptor(),
		Services:   e.container.CreateChild(),
		Bridge:     NewBridgeClient(e.bridge, spec.ID),
		Sandbox:    sandbox,
		Security:   secCtx,
		Logger:     e.logger.With("module_id", spec.ID),
		provided:   provided,
		root:       e.container,
	}

	lm = &LoadedModule{
		ID:            spec.ID,
		Spec:          *spec,
		Context:       mc,
		Permissions:   perms,
		SecurityLevel: result.SecurityLevel,
	}
	lm.setState(StateLoading)

	built := lm
	defer func() {
		if err != nil {
			built.setState(StateError)
			e.teardown(ctx, built, false)
		}
	}()

	instance, err := e.callFactory(ctx, spec.ID, factory, mc)
	if err != nil {
		return nil, err
	}
	lm.Instance = instance
	lm.caps = detectCapabilities(instance)
	lm.setState(StateLoaded)
	e.events.Emit(ctx, EventModuleLoaded, spec.ID, map[string]any{
		"version": spec.Version,
		"state":   StateLoaded.String(),
	})

	if lm.caps.initializer != nil {
		lm.setState(StateInitializing)
		if err = e.callInit(ctx, lm); err != nil {
			return nil, err
		}
	}

	lm.setState(StateActive)
	lm.LoadedAt = timecache.CachedTime()
	return lm, nil
}

// checkDependencies requires every declared dependency to be loaded and to
// satisfy its declared version range.
// On success the dependencies stay pinned until the load finishes.
func (e *PluginEngine) checkDependencies(spec *ModuleSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, dep := range spec.Dependencies {
		if dep == spec.ID {
			return NewCircularDependencyError([]string{spec.ID, spec.ID})
		}
		depModule, exists := e.modules[dep]
		if !exists || !depModule.State().IsLoaded() {
			return NewDependencyNotFoundError(spec.ID, dep)
		}
		if err := checkDependencyVersion(spec.ID, dep, spec.DependencyVersions[dep], depModule.Spec.Version); err != nil {
			return err
		}
	}

	graph := e.graph.Copy()
	graph.AddModule(spec.ID, spec.Dependencies)
	if _, err := graph.LoadOrder(); err != nil {
		return err
	}
	if spec.ID != "" {
		e.loadingDeps[spec.ID] = spec.Dependencies
	}
	return nil
}

// missingDependencyLocked returns the first dependency of spec that is no
// longer loaded. Callers hold e.mu.
func (e *PluginEngine) missingDependencyLocked(spec *ModuleSpec) string {
	for _, dep := range spec.Dependencies {
		depModule, exists := e.modules[dep]
		if !exists || !depModule.State().IsLoaded() {
			return dep
		}
	}
	return ""
}

func (e *PluginEngine) callFactory(ctx context.Context, id string, factory ModuleFactory, mc *ModuleContext) (instance Module, err error) {
	defer recoverInto(e.logger, "module factory", &err)
	instance, err = factory(ContextWithLogger(ctx, mc.Logger), mc)
	if err != nil {
		return nil, NewModuleFactoryFailedError(id, err)
	}
	if instance == nil {
		return nil, NewModuleFactoryFailedError(id, fmt.Errorf("factory returned a nil module"))
	}
	return instance, nil
}

func (e *PluginEngine) callInit(ctx context.Context, lm *LoadedModule) (err error) {
	defer recoverInto(e.logger, "init hook", &err)
	if err := lm.caps.initializer.Initialize(ContextWithLogger(ctx, lm.Context.Logger)); err != nil {
		return NewModuleInitFailedError(lm.ID, err)
	}
	return nil
}

func (e *PluginEngine) callDispose(ctx context.Context, lm *LoadedModule) (err error) {
	defer recoverInto(e.logger, "cleanup hook", &err)
	if err := lm.caps.disposer.Dispose(ctx); err != nil {
		return NewModuleCleanupFailedError(lm.ID, err)
	}
	return nil
}

// teardown releases everything a module holds outside the registry.
func (e *PluginEngine) teardown(ctx context.Context, lm *LoadedModule, disposeInstance bool) {
	if disposeInstance && lm.caps.disposer != nil {
		if err := e.callDispose(ctx, lm); err != nil {
			e.logger.Warn("Module cleanup failed", "module_id", lm.ID, "error", err)
			e.events.Emit(ctx, EventModuleError, lm.ID, map[string]any{
				"error": err.Error(),
				"code":  ErrorCode(err),
				"phase": "cleanup",
			})
		}
	}

	e.security.DestroySecurityContext(lm.ID)

	if err := e.container.RemoveOwnedBy(ctx, lm.ID); err != nil {
		e.logger.Warn("Failed to dispose provided services", "module_id", lm.ID, "error", err)
	}
	if lm.Context != nil && lm.Context.Services != nil {
		if err := lm.Context.Services.Dispose(ctx); err != nil {
			e.logger.Warn("Failed to dispose module services", "module_id", lm.ID, "error", err)
		}
	}
	if e.bridge != nil {
		e.bridge.UnsubscribeAll(lm.ID)
	}
}

func (e *PluginEngine) loadFailed(ctx context.Context, spec *ModuleSpec, err error) error {
	e.failures.Add(1)
	e.metrics.IncrementCounter(MetricModuleLoadFailures, map[string]string{"module": spec.ID, "code": ErrorCode(err)}, 1)

	e.logger.Error("Module load failed",
		"module_id", spec.ID,
		"version", spec.Version,
		"path", spec.Path,
		"error", err)

	details := map[string]any{
		"state": StateError.String(),
		"error": err.Error(),
		"code":  ErrorCode(err),
	}
	e.events.Emit(ctx, EventModuleError, spec.ID, details)
	e.events.Emit(ctx, EventModuleLoadError, spec.ID, map[string]any{
		"path":  spec.Path,
		"error": err.Error(),
		"code":  ErrorCode(err),
	})
	return err
}

// beginOperation claims the operation slot of a loaded module.
func (e *PluginEngine) beginOperation(id, operation string) (*LoadedModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lm, exists := e.modules[id]
	if !exists {
		return nil, NewModuleNotFoundError(id)
	}
	if op, busy := e.inFlight[id]; busy {
		return nil, NewOperationInProgressError(id, op)
	}
	e.inFlight[id] = operation
	return lm, nil
}

// claimOperation claims the slot of id whether or not it is loaded.
func (e *PluginEngine) claimOperation(id, operation string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if op, busy := e.inFlight[id]; busy {
		return NewOperationInProgressError(id, op)
	}
	if _, busy := e.loadingIDs[id]; busy {
		return NewAlreadyLoadingError(id, "")
	}
	e.inFlight[id] = operation
	return nil
}

func (e *PluginEngine) endOperation(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

// UnloadModule unloads a module no loaded or loading module depends on.
func (e *PluginEngine) UnloadModule(ctx context.Context, id string) error {
	lm, err := e.beginOperation(id, "unload")
	if err != nil {
		return err
	}
	defer e.endOperation(id)

	if dependents := e.loadedDependents(id); len(dependents) > 0 {
		return NewHasDependentsError(id, dependents)
	}
	return e.unload(ctx, lm)
}

// ForceUnload unloads a module regardless of its dependents. Rollback uses it.
func (e *PluginEngine) ForceUnload(ctx context.Context, id string) error {
	lm, err := e.beginOperation(id, "force-unload")
	if err != nil {
		return err
	}
	defer e.endOperation(id)
	return e.unload(ctx, lm)
}

// forceUnloadOwned is ForceUnload for a caller already holding the slot.
func (e *PluginEngine) forceUnloadOwned(ctx context.Context, id string) error {
	lm, exists := e.Get(id)
	if !exists {
		return NewModuleNotFoundError(id)
	}
	return e.unload(ctx, lm)
}

func (e *PluginEngine) loadedDependents(id string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for _, dependent := range e.graph.GetDependents(id) {
		if _, loaded := e.modules[dependent]; loaded {
			out = append(out, dependent)
		}
	}
	for loading, deps := range e.loadingDeps {
		for _, dep := range deps {
			if dep == id {
				out = append(out, loading)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (e *PluginEngine) unload(ctx context.Context, lm *LoadedModule) error {
	from := lm.State()
	if !from.CanTransitionTo(StateUnloading) {
		return NewInvalidTransitionError(lm.ID, from, StateUnloading)
	}
	lm.setState(StateUnloading)
	e.events.Emit(ctx, EventModuleUnloading, lm.ID, map[string]any{
		"version": lm.Spec.Version,
		"state":   StateUnloading.String(),
	})

	e.teardown(ctx, lm, true)

	e.mu.Lock()
	delete(e.modules, lm.ID)
	e.graph.RemoveModule(lm.ID)
	active := len(e.modules)
	e.mu.Unlock()

	if e.bridge != nil {
		e.bridge.Tracker().Forget(lm.ID)
	}

	lm.setState(StateUnloaded)
	e.unloads.Add(1)
	e.metrics.IncrementCounter(MetricModulesUnloaded, map[string]string{"module": lm.ID}, 1)
	e.metrics.SetGauge(MetricModulesActive, nil, float64(active))

	e.events.Emit(ctx, EventModuleUnloaded, lm.ID, map[string]any{
		"version": lm.Spec.Version,
		"state":   StateUnloaded.String(),
	})
	e.logger.Info("Module unloaded", "module_id", lm.ID, "version", lm.Spec.Version)
	return nil
}

// ReloadModule unloads a module and loads the same spec again. Dependents
// are not checked: the module comes back under the same id.
func (e *PluginEngine) ReloadModule(ctx context.Context, id string) error {
	lm, err := e.beginOperation(id, "reload")
	if err != nil {
		return err
	}
	defer e.endOperation(id)

	spec := lm.Spec
	if err := e.unload(ctx, lm); err != nil {
		return err
	}
	_, err = e.load(ctx, spec, loadOptions{owned: true})
	return err
}

// Pause moves an ACTIVE module to PAUSED, calling its pause hook if any.
func (e *PluginEngine) Pause(ctx context.Context, id string) error {
	return e.toggle(ctx, id, StatePaused)
}

// Resume moves a PAUSED module back to ACTIVE.
func (e *PluginEngine) Resume(ctx context.Context, id string) error {
	return e.toggle(ctx, id, StateActive)
}

func (e *PluginEngine) toggle(ctx context.Context, id string, target ModuleState) (err error) {
	operation := "pause"
	if target == StateActive {
		operation = "resume"
	}
	lm, err := e.beginOperation(id, operation)
	if err != nil {
		return err
	}
	defer e.endOperation(id)

	from := lm.State()
	if from == target || !from.CanTransitionTo(target) {
		return NewInvalidTransitionError(id, from, target)
	}

	if lm.caps.pauser != nil {
		hookErr := func() (err error) {
			defer recoverInto(e.logger, "pause hook", &err)
			if target == StatePaused {
				return lm.caps.pauser.Pause(ctx)
			}
			return lm.caps.pauser.Resume(ctx)
		}()
		if hookErr != nil {
			e.markError(ctx, lm, hookErr)
			return hookErr
		}
	}

	lm.setState(target)
	event := EventModulePaused
	if target == StateActive {
		event = EventModuleResumed
	}
	e.events.Emit(ctx, event, id, map[string]any{"state": target.String()})
	e.logger.Info("Module state changed", "module_id", id, "from", from.String(), "to", target.String())
	return nil
}

// markError moves a module to ERROR. Only unload leaves it.
func (e *PluginEngine) markError(ctx context.Context, lm *LoadedModule, cause error) {
	if !lm.State().CanTransitionTo(StateError) {
		return
	}
	lm.setState(StateError)
	e.logger.Error("Module entered error state", "module_id", lm.ID, "error", cause)
	e.events.Emit(ctx, EventModuleError, lm.ID, map[string]any{
		"state": StateError.String(),
		"error": cause.Error(),
		"code":  ErrorCode(cause),
	})
}

// MarkError moves a loaded module to the ERROR state.
func (e *PluginEngine) MarkError(ctx context.Context, id string, cause error) error {
	lm, exists := e.Get(id)
	if !exists {
		return NewModuleNotFoundError(id)
	}
	e.markError(ctx, lm, cause)
	return nil
}

// DiscoverModules scans paths for manifests and returns their descriptors in
// the DISCOVERED state. Nothing is loaded.
func (e *PluginEngine) DiscoverModules(ctx context.Context, paths []string) ([]ModuleDescriptor, error) {
	results, err := e.discovery.Discover(ctx, paths)
	if err != nil {
		return nil, err
	}
	out := make([]ModuleDescriptor, 0, len(results))
	for _, r := range results {
		out = append(out, r.Descriptor)
	}
	return out, nil
}

// Discovery returns the discovery engine.
func (e *PluginEngine) Discovery() *DiscoveryEngine { return e.discovery }

// ResolveDependencies returns the transitive dependencies of a loaded or
// discovered module in load order (DFS post-order). Every dependency must
// already be loaded; nothing is loaded automatically.
func (e *PluginEngine) ResolveDependencies(id string) ([]string, error) {
	discovered := e.discovery.Discovered()

	e.mu.RLock()
	defer e.mu.RUnlock()

	declared := func(moduleID string) ([]string, bool) {
		if lm, ok := e.modules[moduleID]; ok {
			return lm.Spec.Dependencies, true
		}
		if r, ok := discovered[moduleID]; ok {
			return r.Descriptor.Dependencies, true
		}
		return nil, false
	}

	if _, ok := declared(id); !ok {
		return nil, NewModuleNotFoundError(id)
	}

	var order []string
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var path []string

	var visit func(moduleID string) error
	visit = func(moduleID string) error {
		if onPath[moduleID] {
			start := 0
			for i, p := range path {
				if p == moduleID {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), moduleID)
			return NewCircularDependencyError(cycle)
		}
		if visited[moduleID] {
			return nil
		}
		onPath[moduleID] = true
		path = append(path, moduleID)

		deps, _ := declared(moduleID)
		sorted := append([]string(nil), deps...)
		sort.Strings(sorted)
		for _, dep := range sorted {
			lm, loaded := e.modules[dep]
			if !loaded || !lm.State().IsLoaded() {
				return NewDependencyNotFoundError(moduleID, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		onPath[moduleID] = false
		visited[moduleID] = true
		if moduleID != id {
			order = append(order, moduleID)
		}
		return nil
	}

	if err := visit(id); err != nil {
		return nil, err
	}
	return order, nil
}

// ResolveLoadOrder sorts specs so each comes after the specs it depends on.
// Dependencies outside the set are assumed to be loaded already.
func (e *PluginEngine) ResolveLoadOrder(specs []ModuleSpec) ([]ModuleSpec, error) {
	graph := NewDependencyGraph()
	byID := make(map[string]ModuleSpec, len(specs))
	for _, spec := range specs {
		byID[spec.ID] = spec
		graph.AddModule(spec.ID, spec.Dependencies)
	}
	order, err := graph.LoadOrder()
	if err != nil {
		return nil, err
	}
	out := make([]ModuleSpec, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// ValidateModule runs the security validation pipeline without loading.
func (e *PluginEngine) ValidateModule(spec ModuleSpec) ValidationResult {
	return e.security.ValidateModule(&spec)
}

// Get returns a loaded module.
func (e *PluginEngine) Get(id string) (*LoadedModule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lm, ok := e.modules[id]
	return lm, ok
}

// Exists reports whether id is loaded or currently loading.
func (e *PluginEngine) Exists(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.modules[id]; ok {
		return true
	}
	_, ok := e.loadingIDs[id]
	return ok
}

// State returns the lifecycle state of a loaded module.
func (e *PluginEngine) State(id string) (ModuleState, bool) {
	lm, ok := e.Get(id)
	if !ok {
		return StateUnloaded, false
	}
	return lm.State(), true
}

// List describes every loaded module, sorted by id.
func (e *PluginEngine) List() []ModuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ModuleInfo, 0, len(e.modules))
	for id, lm := range e.modules {
		info := lm.Info()
		for _, dependent := range e.graph.GetDependents(id) {
			if _, loaded := e.modules[dependent]; loaded {
				info.Dependents = append(info.Dependents, dependent)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UnloadOrder returns the loaded modules with dependents before their dependencies.
func (e *PluginEngine) UnloadOrder() ([]string, error) {
	e.mu.RLock()
	graph := e.graph.Copy()
	e.mu.RUnlock()
	return graph.UnloadOrder()
}

// Health runs a module's health hook. Modules without one report from their
// lifecycle state.
func (e *PluginEngine) Health(ctx context.Context, id string) HealthStatus {
	lm, ok := e.Get(id)
	if !ok {
		return HealthStatus{
			ModuleID:  id,
			Status:    StatusOffline,
			Message:   "module not loaded",
			LastCheck: timecache.CachedTime(),
		}
	}
	return e.probe(ctx, lm)
}

func (e *PluginEngine) probe(ctx context.Context, lm *LoadedModule) (status HealthStatus) {
	state := lm.State()
	switch state {
	case StateError:
		return HealthStatus{ModuleID: lm.ID, Status: StatusUnhealthy, Message: "module in error state", LastCheck: timecache.CachedTime()}
	case StatePaused:
		return HealthStatus{ModuleID: lm.ID, Status: StatusDegraded, Message: "module paused", LastCheck: timecache.CachedTime()}
	}

	if lm.caps.health == nil {
		return HealthStatus{ModuleID: lm.ID, Status: StatusHealthy, Message: "no health hook; state " + state.String(), LastCheck: timecache.CachedTime()}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic recovered in health hook", "module_id", lm.ID, "panic", r)
			status = HealthStatus{
				ModuleID:  lm.ID,
				Status:    StatusUnhealthy,
				Message:   fmt.Sprintf("health hook panicked: %v", r),
				LastCheck: timecache.CachedTime(),
			}
		}
	}()

	start := time.Now()
	status = lm.caps.health.Health(ctx)
	status.ModuleID = lm.ID
	if status.ResponseTime == 0 {
		status.ResponseTime = time.Since(start)
	}
	if status.LastCheck.IsZero() {
		status.LastCheck = timecache.CachedTime()
	}
	return status
}

// Stats returns lifecycle counters and the number of modules per state.
func (e *PluginEngine) Stats() PluginEngineStats {
	e.mu.RLock()
	byState := make(map[string]int)
	for _, lm := range e.modules {
		byState[lm.State().String()]++
	}
	e.mu.RUnlock()

	return PluginEngineStats{
		Loaded:       e.loads.Load(),
		Unloaded:     e.unloads.Load(),
		LoadFailures: e.failures.Load(),
		ByState:      byState,
	}
}
