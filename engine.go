// engine.go: ModularEngine, the public façade of the runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// OperationResult is what every façade operation returns. Failures carry the
// error message and its code; they are never reported as panics.
type OperationResult struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
	ModuleID string `json:"module_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

func okResult(moduleID string, data any) OperationResult {
	return OperationResult{Success: true, ModuleID: moduleID, Data: data}
}

func failResult(moduleID string, err error, data any) OperationResult {
	return OperationResult{
		Success:  false,
		Error:    err.Error(),
		Code:     ErrorCode(err),
		ModuleID: moduleID,
		Data:     data,
	}
}

// ViolationAction is what the engine does about a runtime security violation.
type ViolationAction int

const (
	// ViolationLog only records the violation.
	ViolationLog ViolationAction = iota
	ViolationPause
	ViolationUnload
	// ViolationBan unloads the module and bans its id.
	ViolationBan
)

// String returns the action name.
func (a ViolationAction) String() string {
	switch a {
	case ViolationPause:
		return "pause"
	case ViolationUnload:
		return "unload"
	case ViolationBan:
		return "ban"
	default:
		return "log"
	}
}

// ViolationPolicy decides how to react to a runtime violation.
type ViolationPolicy func(ctx context.Context, violation SecurityViolation) ViolationAction

// LogOnlyViolationPolicy never acts on a module.
func LogOnlyViolationPolicy(context.Context, SecurityViolation) ViolationAction {
	return ViolationLog
}

// ThresholdViolationPolicy applies action once a module has accumulated
// limit violations, and logs before that.
func ThresholdViolationPolicy(limit int, action ViolationAction) ViolationPolicy {
	var mu sync.Mutex
	counts := make(map[string]int)
	return func(_ context.Context, v SecurityViolation) ViolationAction {
		mu.Lock()
		defer mu.Unlock()
		counts[v.ModuleID]++
		if counts[v.ModuleID] < limit {
			return ViolationLog
		}
		delete(counts, v.ModuleID)
		return action
	}
}

// EngineMetrics is a point-in-time view of the runtime.
type EngineMetrics struct {
	Timestamp      time.Time           `json:"timestamp"`
	Modules        int                 `json:"modules"`
	ModulesByState map[string]int      `json:"modules_by_state"`
	Plugins        PluginEngineStats   `json:"plugins"`
	HotSwap        HotSwapStats        `json:"hot_swap"`
	Security       SecurityStats       `json:"security"`
	Bridge         BridgeStats         `json:"bridge"`
	Container      ContainerStats      `json:"container"`
	EventsEmitted  int64               `json:"events_emitted"`
	EventsFailed   int64               `json:"events_failed"`
	Overall        HealthStatus        `json:"overall_health"`
	Collector      map[string]any      `json:"collector,omitempty"`
	Violations     map[string]int      `json:"violations,omitempty"`
	Config         *ConfigWatcherStats `json:"config_watcher,omitempty"`
}

// EngineOption customizes a ModularEngine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger          Logger
	metrics         MetricsCollector
	sandboxFactory  SandboxFactory
	resolver        FactoryResolver
	violationPolicy ViolationPolicy
	observers       []observerRegistration
}

type observerRegistration struct {
	observer Observer
	types    []string
}

// WithLogger sets the logger. Without it the engine builds a zap logger from
// EngineConfig.Logging, or logs nothing when no level is configured.
func WithLogger(logger Logger) EngineOption {
	return func(o *engineOptions) { o.logger = logger }
}

// WithMetricsCollector sets the collector every engine records into.
func WithMetricsCollector(metrics MetricsCollector) EngineOption {
	return func(o *engineOptions) { o.metrics = metrics }
}

// WithSandboxFactory replaces the Lua sandbox.
func WithSandboxFactory(factory SandboxFactory) EngineOption {
	return func(o *engineOptions) { o.sandboxFactory = factory }
}

// WithModuleFactoryResolver sets how factories are found for specs that
// carry none, such as discovered manifests.
func WithModuleFactoryResolver(resolver FactoryResolver) EngineOption {
	return func(o *engineOptions) { o.resolver = resolver }
}

// WithObserver registers an observer before any event is emitted.
func WithObserver(observer Observer, eventTypes ...string) EngineOption {
	return func(o *engineOptions) {
		o.observers = append(o.observers, observerRegistration{observer: observer, types: eventTypes})
	}
}

// WithViolationPolicy sets the reaction to runtime violations.
func WithViolationPolicy(policy ViolationPolicy) EngineOption {
	return func(o *engineOptions) { o.violationPolicy = policy }
}

// ModularEngine composes the service container, module security, the
// message bridge, the plugin engine and the hot-swap manager behind one
// façade.
//
// Example:
//
//	engine, err := hotmod.NewModularEngine(hotmod.DefaultEngineConfig())
//	if err != nil {
//		return err
//	}
//	defer engine.Shutdown(context.Background())
//
//	res := engine.LoadModule(ctx, hotmod.ModuleSpec{ID: "greeter", Version: "1.0.0", Code: src})
//	if !res.Success {
//		log.Printf("load failed: %s (%s)", res.Error, res.Code)
//	}
type ModularEngine struct {
	config  EngineConfig
	logger  Logger
	metrics MetricsCollector

	events     *EventBus
	container  *Container
	security   *ModuleSecurity
	bridge     *ModuleBridge
	plugins    *PluginEngine
	hotSwap    *HotSwapManager
	health     *HealthMonitor
	grpcHealth *HealthServer

	policy   ViolationPolicy
	reactMu  sync.Mutex
	reacting sync.WaitGroup

	watcherMu sync.Mutex
	watcher   *ConfigWatcher

	closed atomic.Bool
}

// NewModularEngine validates config and wires the engines together.
func NewModularEngine(config EngineConfig, opts ...EngineOption) (*ModularEngine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options := &engineOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil && config.Logging.Level != "" {
		zapLogger, err := NewProductionZapLogger(config.Logging.Level)
		if err != nil {
			return nil, NewConfigValidationError("invalid logging level", err)
		}
		logger = zapLogger
	}
	logger = NewLogger(logger)

	metrics := options.metrics
	if metrics == nil {
		metrics = NewDefaultMetricsCollector()
	}

	e := &ModularEngine{
		config:  config,
		logger:  logger,
		metrics: metrics,
		events:  NewEventBus(logger),
		policy:  options.violationPolicy,
	}
	if e.policy == nil {
		e.policy = LogOnlyViolationPolicy
	}

	for _, reg := range options.observers {
		e.events.Register(reg.observer, reg.types...)
	}

	e.container = NewContainer(config.Container, logger)

	securityOpts := []SecurityOption{
		WithSecurityEvents(e.events),
		WithSecurityMetrics(metrics),
	}
	if options.sandboxFactory != nil {
		securityOpts = append(securityOpts, WithSecuritySandboxFactory(options.sandboxFactory))
	}
	security, err := NewModuleSecurity(config.Security, logger, securityOpts...)
	if err != nil {
		return nil, err
	}
	e.security = security

	e.bridge = NewModuleBridge(config.Bridge, logger,
		WithBridgeMetrics(metrics),
		WithDeliveryPolicy(DeliveryPolicyFunc(e.allowDelivery)))

	engineOpts := []PluginEngineOption{
		WithEngineEvents(e.events),
		WithEngineMetrics(metrics),
		WithDiscoveryEngine(NewDiscoveryEngine(config.Discovery, logger)),
	}
	if options.resolver != nil {
		engineOpts = append(engineOpts, WithFactoryResolver(options.resolver))
	}
	e.plugins = NewPluginEngine(e.container, e.security, e.bridge, logger, engineOpts...)

	e.hotSwap = NewHotSwapManager(e.plugins, e.bridge, config.HotSwap, logger,
		WithSwapEvents(e.events),
		WithSwapMetrics(metrics))

	e.health = NewHealthMonitor(config.Health, logger)
	e.grpcHealth = NewHealthServer(e.health)

	e.events.Register(NewFunctionalObserver("hotmod-health", e.trackHealth),
		EventModuleActive, EventModuleUnloaded)
	e.events.Register(NewFunctionalObserver("hotmod-violations", e.onViolation),
		EventSecurityViolation)

	logger.Info("Modular engine started",
		"sandbox", config.Security.SandboxEnabled,
		"health_checks", config.Health.Enabled)
	return e, nil
}

// allowDelivery lets registered modules and the host talk to each other.
func (e *ModularEngine) allowDelivery(from, to string) bool {
	known := func(id string) bool { return id == HostSenderID || e.plugins.Exists(id) }
	return known(from) && known(to)
}

func (e *ModularEngine) trackHealth(ctx context.Context, event cloudevents.Event) error {
	moduleID := event.Subject()
	if moduleID == "" {
		return nil
	}
	switch event.Type() {
	case EventModuleActive:
		e.health.Watch(moduleID, func(ctx context.Context) HealthStatus {
			return e.plugins.Health(ctx, moduleID)
		})
		e.health.UpdateStatus(e.plugins.Health(ctx, moduleID))
	case EventModuleUnloaded:
		e.health.Unwatch(moduleID)
	}
	return nil
}

func (e *ModularEngine) onViolation(ctx context.Context, event cloudevents.Event) error {
	payload, err := DecodeLifecycleEvent(event)
	if err != nil {
		return err
	}
	violation := SecurityViolation{
		ModuleID:  payload.ModuleID,
		Timestamp: payload.Timestamp,
		Context:   payload.Details,
	}
	violation.Type, _ = payload.Details["type"].(string)
	violation.Reason, _ = payload.Details["reason"].(string)

	action := e.policy(ctx, violation)
	if action == ViolationLog {
		return nil
	}

	e.reactMu.Lock()
	if e.closed.Load() {
		e.reactMu.Unlock()
		return nil
	}
	e.reacting.Add(1)
	e.reactMu.Unlock()

	// Violations are reported from the module's runtime monitor, which the
	// reaction stops, so the reaction cannot run on the reporting goroutine.
	SafeGo(e.logger, func() {
		defer e.reacting.Done()
		e.react(context.WithoutCancel(ctx), violation, action)
	})
	return nil
}

func (e *ModularEngine) react(ctx context.Context, v SecurityViolation, action ViolationAction) {
	e.logger.Warn("Applying violation policy",
		"module_id", v.ModuleID,
		"violation", v.Type,
		"action", action.String())

	var err error
	switch action {
	case ViolationPause:
		err = e.plugins.Pause(ctx, v.ModuleID)
	case ViolationUnload:
		err = e.plugins.ForceUnload(ctx, v.ModuleID)
	case ViolationBan:
		e.security.BanModule(v.ModuleID, "runtime violation: "+v.Reason)
		err = e.plugins.ForceUnload(ctx, v.ModuleID)
	}
	if err != nil {
		e.logger.Error("Violation policy action failed",
			"module_id", v.ModuleID,
			"action", action.String(),
			"error", err)
	}
}

func (e *ModularEngine) checkOpen(moduleID string) (OperationResult, bool) {
	if e.closed.Load() {
		return failResult(moduleID, NewEngineClosedError(), nil), false
	}
	return OperationResult{}, true
}

// LoadModule validates and loads spec. Data is the loaded ModuleInfo.
func (e *ModularEngine) LoadModule(ctx context.Context, spec ModuleSpec) OperationResult {
	if res, ok := e.checkOpen(spec.ID); !ok {
		return res
	}
	lm, err := e.plugins.LoadModule(ctx, spec)
	if err != nil {
		return failResult(spec.ID, err, nil)
	}
	return okResult(spec.ID, lm.Info())
}

// UnloadModule unloads a module no loaded module depends on.
func (e *ModularEngine) UnloadModule(ctx context.Context, id string) OperationResult {
	if res, ok := e.checkOpen(id); !ok {
		return res
	}
	if err := e.plugins.UnloadModule(ctx, id); err != nil {
		return failResult(id, err, nil)
	}
	return okResult(id, nil)
}

// ReloadModule unloads and reloads a module from its current spec.
func (e *ModularEngine) ReloadModule(ctx context.Context, id string) OperationResult {
	if res, ok := e.checkOpen(id); !ok {
		return res
	}
	if err := e.plugins.ReloadModule(ctx, id); err != nil {
		return failResult(id, err, nil)
	}
	lm, _ := e.plugins.Get(id)
	return okResult(id, lm.Info())
}

// PauseModule pauses an active module.
func (e *ModularEngine) PauseModule(ctx context.Context, id string) OperationResult {
	if res, ok := e.checkOpen(id); !ok {
		return res
	}
	if err := e.plugins.Pause(ctx, id); err != nil {
		return failResult(id, err, nil)
	}
	return okResult(id, nil)
}

// ResumeModule resumes a paused module.
func (e *ModularEngine) ResumeModule(ctx context.Context, id string) OperationResult {
	if res, ok := e.checkOpen(id); !ok {
		return res
	}
	if err := e.plugins.Resume(ctx, id); err != nil {
		return failResult(id, err, nil)
	}
	return okResult(id, nil)
}

// HotSwapModule replaces a loaded module with newSpec. Data is the
// *SwapResult whenever one was produced. A swap that was rolled back reports
// Success false with the code of the failure that caused the rollback.
func (e *ModularEngine) HotSwapModule(ctx context.Context, id string, newSpec ModuleSpec) OperationResult {
	if res, ok := e.checkOpen(id); !ok {
		return res
	}
	result, err := e.hotSwap.SwapModule(ctx, id, newSpec)
	if err != nil {
		if result == nil {
			return failResult(id, err, nil)
		}
		return failResult(id, err, result)
	}
	if !result.Success {
		return OperationResult{
			Success:  false,
			Error:    result.FailureReason,
			Code:     result.FailureCode,
			ModuleID: id,
			Data:     result,
		}
	}
	return okResult(id, result)
}

// RollbackModule restores a checkpoint, the latest when checkpointID is empty.
func (e *ModularEngine) RollbackModule(ctx context.Context, id, checkpointID string) OperationResult {
	if res, ok := e.checkOpen(id); !ok {
		return res
	}
	result, err := e.hotSwap.Rollback(ctx, id, checkpointID)
	if err != nil {
		if result == nil {
			return failResult(id, err, nil)
		}
		return failResult(id, err, result)
	}
	return okResult(id, result)
}

// CheckModuleHealth runs the module's health check now. Data is the
// HealthStatus; Success reports whether the module is serving.
func (e *ModularEngine) CheckModuleHealth(ctx context.Context, id string) OperationResult {
	if res, ok := e.checkOpen(id); !ok {
		return res
	}
	if _, loaded := e.plugins.Get(id); !loaded {
		return failResult(id, NewModuleNotFoundError(id), e.plugins.Health(ctx, id))
	}

	var status HealthStatus
	if checker, ok := e.health.Checker(id); ok {
		status = checker.Check(ctx)
	} else {
		status = e.plugins.Health(ctx, id)
	}
	e.health.UpdateStatus(status)

	if !status.Status.IsServing() && status.Status != StatusUnknown {
		return failResult(id, NewHealthCheckFailedError(id, errors.New(status.Message)), status)
	}
	return okResult(id, status)
}

// ListModules returns every loaded module. Data is []ModuleInfo.
func (e *ModularEngine) ListModules() OperationResult {
	if res, ok := e.checkOpen(""); !ok {
		return res
	}
	return okResult("", e.plugins.List())
}

// GetMetrics returns an EngineMetrics snapshot as Data.
func (e *ModularEngine) GetMetrics() OperationResult {
	return okResult("", e.Metrics())
}

// Metrics collects an EngineMetrics snapshot.
func (e *ModularEngine) Metrics() EngineMetrics {
	plugins := e.plugins.Stats()
	emitted, failed := e.events.Stats()

	modules := 0
	for _, n := range plugins.ByState {
		modules += n
	}

	violations := make(map[string]int)
	for _, info := range e.plugins.List() {
		if n := len(e.security.Violations(info.ID)); n > 0 {
			violations[info.ID] = n
		}
	}

	m := EngineMetrics{
		Timestamp:      time.Now(),
		Modules:        modules,
		ModulesByState: plugins.ByState,
		Plugins:        plugins,
		HotSwap:        e.hotSwap.Stats(),
		Security:       e.security.Stats(),
		Bridge:         e.bridge.Stats(),
		Container:      e.container.Stats(),
		EventsEmitted:  emitted,
		EventsFailed:   failed,
		Overall:        e.health.GetOverallHealth(),
		Violations:     violations,
	}
	if dmc, ok := e.metrics.(*DefaultMetricsCollector); ok {
		m.Collector = dmc.GetMetrics()
	}

	e.watcherMu.Lock()
	if e.watcher != nil {
		stats := e.watcher.Stats()
		m.Config = &stats
	}
	e.watcherMu.Unlock()
	return m
}

// DiscoverAndLoad scans paths for manifests and loads every module found
// that is not loaded yet, dependencies first. Data maps module ids to
// "loaded" or the load error.
func (e *ModularEngine) DiscoverAndLoad(ctx context.Context, paths []string) OperationResult {
	if res, ok := e.checkOpen(""); !ok {
		return res
	}

	if _, err := e.plugins.DiscoverModules(ctx, paths); err != nil {
		return failResult("", err, nil)
	}

	outcome := make(map[string]string)
	var specs []ModuleSpec
	for id, found := range e.plugins.Discovery().Discovered() {
		if _, loaded := e.plugins.Get(id); loaded {
			continue
		}
		spec, err := found.Manifest.ToSpec()
		if err != nil {
			outcome[id] = err.Error()
			continue
		}
		specs = append(specs, spec)
	}

	ordered, err := e.plugins.ResolveLoadOrder(specs)
	if err != nil {
		return failResult("", err, outcome)
	}

	var firstErr error
	for _, spec := range ordered {
		if _, err := e.plugins.LoadModule(ctx, spec); err != nil {
			outcome[spec.ID] = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outcome[spec.ID] = "loaded"
	}
	for id, status := range outcome {
		if status != "loaded" && firstErr == nil {
			firstErr = NewDiscoveryError("failed to prepare module "+id, errors.New(status))
		}
	}
	if firstErr != nil {
		return failResult("", firstErr, outcome)
	}
	return okResult("", outcome)
}

// Subscribe registers an observer for the given event types, all when none.
func (e *ModularEngine) Subscribe(observer Observer, eventTypes ...string) {
	e.events.Register(observer, eventTypes...)
}

// Unsubscribe removes an observer.
func (e *ModularEngine) Unsubscribe(observerID string) {
	e.events.Unregister(observerID)
}

// WatchConfig reloads the engine configuration from path whenever the file
// changes, applying the security section to the running engine.
func (e *ModularEngine) WatchConfig(ctx context.Context, path string, options ConfigWatcherOptions) error {
	if e.closed.Load() {
		return NewEngineClosedError()
	}
	e.watcherMu.Lock()
	defer e.watcherMu.Unlock()
	if e.watcher != nil {
		return NewConfigWatcherError("engine already watches a configuration file", nil)
	}

	watcher, err := NewConfigWatcher(path, e.applyConfig, options, e.logger)
	if err != nil {
		return err
	}
	watcher.SetEventBus(e.events)
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	e.watcher = watcher
	return nil
}

func (e *ModularEngine) applyConfig(_ context.Context, config EngineConfig) error {
	return e.security.UpdateConfig(config.Security)
}

// Container returns the root service container for host registrations.
func (e *ModularEngine) Container() *Container { return e.container }

// Bridge returns the message bridge. The host sends as HostSenderID.
func (e *ModularEngine) Bridge() *ModuleBridge { return e.bridge }

// Security returns the security engine for trust and ban list management.
func (e *ModularEngine) Security() *ModuleSecurity { return e.security }

// HealthServer returns the gRPC health service mirroring module health.
func (e *ModularEngine) HealthServer() *HealthServer { return e.grpcHealth }

// Checkpoints lists the stored checkpoints of a module.
func (e *ModularEngine) Checkpoints(id string) []CheckpointInfo {
	return e.hotSwap.Checkpoints(id)
}

// Shutdown unloads every module, dependents first, and releases the engines.
// It is safe to call more than once.
func (e *ModularEngine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("Modular engine shutting down")

	var errs []error

	e.watcherMu.Lock()
	if e.watcher != nil {
		if err := e.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	e.watcherMu.Unlock()

	e.reactMu.Lock()
	e.reactMu.Unlock()
	e.reacting.Wait()

	order, err := e.plugins.UnloadOrder()
	if err != nil {
		errs = append(errs, err)
		order = nil
		for _, info := range e.plugins.List() {
			order = append(order, info.ID)
		}
	}
	for _, id := range order {
		if _, loaded := e.plugins.Get(id); !loaded {
			continue
		}
		if err := e.plugins.ForceUnload(ctx, id); err != nil {
			e.logger.Warn("Failed to unload module during shutdown", "module_id", id, "error", err)
			errs = append(errs, err)
		}
	}

	e.health.Shutdown()
	e.grpcHealth.Shutdown()
	if err := e.bridge.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.security.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.container.Dispose(ctx); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("Modular engine stopped")
	return errors.Join(errs...)
}
