// hot_swap.go: phased module hot-swap with checkpoint rollback
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
)

// SwapPhase names a step of the swap protocol.
type SwapPhase string

const (
	PhaseValidation          SwapPhase = "VALIDATION"
	PhaseStatePreservation   SwapPhase = "STATE_PRESERVATION"
	PhaseUnloading           SwapPhase = "UNLOADING"
	PhaseLoading             SwapPhase = "LOADING"
	PhaseStateRestoration    SwapPhase = "STATE_RESTORATION"
	PhaseConnectionMigration SwapPhase = "CONNECTION_MIGRATION"
	PhaseHealthCheck         SwapPhase = "HEALTH_CHECK"
	PhaseCompletion          SwapPhase = "COMPLETION"

	// PhaseRollback is reported when a failed swap restores its checkpoint.
	PhaseRollback SwapPhase = "ROLLBACK"
)

// CompatibilityReport is the outcome of ValidateSwap.
type CompatibilityReport struct {
	ModuleID           string   `json:"module_id"`
	Compatible         bool     `json:"compatible"`
	FromVersion        string   `json:"from_version"`
	ToVersion          string   `json:"to_version"`
	MajorBump          bool     `json:"major_bump"`
	Downgrade          bool     `json:"downgrade"`
	BreakingChanges    []string `json:"breaking_changes,omitempty"`
	MigrationAvailable bool     `json:"migration_available"`

	AddedPermissions          []string `json:"added_permissions,omitempty"`
	RemovedPermissions        []string `json:"removed_permissions,omitempty"`
	AddedDangerousPermissions []string `json:"added_dangerous_permissions,omitempty"`
	RemovedServices           []string `json:"removed_services,omitempty"`

	// Reasons make the swap incompatible; Warnings do not.
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// PhaseResult records one executed phase.
type PhaseResult struct {
	Phase    SwapPhase     `json:"phase"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// SwapResult reports a swap. A swap that failed after the old version was
// unloaded and was rolled back cleanly has Success false, RolledBack true and
// no error from SwapModule: the module is back on its previous version.
type SwapResult struct {
	ModuleID            string              `json:"module_id"`
	FromVersion         string              `json:"from_version"`
	ToVersion           string              `json:"to_version"`
	Success             bool                `json:"success"`
	RolledBack          bool                `json:"rolled_back"`
	CheckpointID        string              `json:"checkpoint_id,omitempty"`
	FailedPhase         SwapPhase           `json:"failed_phase,omitempty"`
	FailureReason       string              `json:"failure_reason,omitempty"`
	FailureCode         string              `json:"failure_code,omitempty"`
	Phases              []PhaseResult       `json:"phases"`
	MigratedConnections []string            `json:"migrated_connections,omitempty"`
	Compatibility       CompatibilityReport `json:"compatibility"`
	Duration            time.Duration       `json:"duration"`
}

// RollbackResult reports a rollback.
type RollbackResult struct {
	ModuleID            string        `json:"module_id"`
	CheckpointID        string        `json:"checkpoint_id"`
	RestoredVersion     string        `json:"restored_version"`
	Success             bool          `json:"success"`
	StateRestored       bool          `json:"state_restored"`
	RestoredConnections []string      `json:"restored_connections,omitempty"`
	Health              HealthStatus  `json:"health"`
	Duration            time.Duration `json:"duration"`
}

// HotSwapStats counts swap activity.
type HotSwapStats struct {
	Swaps           int64 `json:"swaps"`
	FailedSwaps     int64 `json:"failed_swaps"`
	Rollbacks       int64 `json:"rollbacks"`
	FailedRollbacks int64 `json:"failed_rollbacks"`
	Checkpoints     int   `json:"checkpoints"`
}

// HotSwapManager replaces a running module with a new version in eight
// phases, rolling back to a checkpoint when the new version cannot be
// loaded, restored or proven healthy.
//
// Rollback is attempted once. If it fails the module is left unloaded and
// SwapModule returns a RollbackFailed error.
type HotSwapManager struct {
	config  HotSwapConfig
	engine  *PluginEngine
	bridge  *ModuleBridge
	events  *EventBus
	metrics MetricsCollector
	logger  Logger

	checkpoints *checkpointStore

	swaps           atomic.Int64
	failedSwaps     atomic.Int64
	rollbacks       atomic.Int64
	failedRollbacks atomic.Int64
}

// HotSwapOption configures a HotSwapManager.
type HotSwapOption func(*HotSwapManager)

// WithSwapEvents sets the event bus phase events are emitted on.
func WithSwapEvents(bus *EventBus) HotSwapOption {
	return func(m *HotSwapManager) { m.events = bus }
}

// WithSwapMetrics sets the metrics collector.
func WithSwapMetrics(metrics MetricsCollector) HotSwapOption {
	return func(m *HotSwapManager) { m.metrics = metrics }
}

// NewHotSwapManager creates a hot-swap manager driving engine.
func NewHotSwapManager(engine *PluginEngine, bridge *ModuleBridge, config HotSwapConfig, logger Logger, opts ...HotSwapOption) *HotSwapManager {
	m := &HotSwapManager{
		config:      config,
		engine:      engine,
		bridge:      bridge,
		metrics:     NewDefaultMetricsCollector(),
		logger:      NewLogger(logger),
		checkpoints: newCheckpointStore(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateSwap checks whether newSpec can replace the loaded module id.
func (m *HotSwapManager) ValidateSwap(id string, newSpec ModuleSpec) CompatibilityReport {
	report := CompatibilityReport{ModuleID: id, ToVersion: newSpec.Version}

	lm, ok := m.engine.Get(id)
	if !ok {
		report.Reasons = append(report.Reasons, "module "+id+" is not loaded")
		return report
	}
	old := lm.Spec
	report.FromVersion = old.Version

	if newSpec.ID != "" && newSpec.ID != id {
		report.Reasons = append(report.Reasons, fmt.Sprintf("new spec has id %q, expected %q", newSpec.ID, id))
	}

	_, report.MigrationAvailable = newSpec.Migrations[old.Version]
	report.BreakingChanges = append([]string(nil), newSpec.BreakingChanges...)

	oldVer, oldErr := semver.NewVersion(old.Version)
	newVer, newErr := semver.NewVersion(newSpec.Version)
	switch {
	case newErr != nil:
		report.Reasons = append(report.Reasons, fmt.Sprintf("new version %q is not a semantic version", newSpec.Version))
	case oldErr != nil:
		report.Warnings = append(report.Warnings, fmt.Sprintf("running version %q is not a semantic version", old.Version))
	default:
		report.MajorBump = newVer.Major() > oldVer.Major()
		report.Downgrade = newVer.LessThan(oldVer)
		if report.Downgrade {
			report.Warnings = append(report.Warnings, "new version is older than the running one")
		}
	}

	breaking := report.MajorBump || len(report.BreakingChanges) > 0
	if breaking && !report.MigrationAvailable && !m.config.AllowBreakingChanges {
		if report.MajorBump {
			report.Reasons = append(report.Reasons, fmt.Sprintf("major version change %s -> %s without a state migration", old.Version, newSpec.Version))
		}
		if len(report.BreakingChanges) > 0 {
			report.Reasons = append(report.Reasons, "declared breaking changes without a state migration")
		}
	}

	oldPerms, _ := parsePermissions(old.Permissions)
	newPerms, unknown := parsePermissions(newSpec.Permissions)
	if unknown != "" {
		report.Reasons = append(report.Reasons, "unknown permission: "+unknown)
	}
	for _, p := range newPerms.List() {
		if !oldPerms.Has(p) {
			report.AddedPermissions = append(report.AddedPermissions, p.String())
			if p.IsDangerous() {
				report.AddedDangerousPermissions = append(report.AddedDangerousPermissions, p.String())
			}
		}
	}
	for _, p := range oldPerms.List() {
		if !newPerms.Has(p) {
			report.RemovedPermissions = append(report.RemovedPermissions, p.String())
		}
	}
	if len(report.AddedDangerousPermissions) > 0 {
		report.Warnings = append(report.Warnings, "new version requests dangerous permissions: "+fmt.Sprint(report.AddedDangerousPermissions))
	}

	for _, token := range old.ProvidedServices {
		if !containsString(newSpec.ProvidedServices, token) {
			report.RemovedServices = append(report.RemovedServices, token)
		}
	}
	if len(report.RemovedServices) > 0 && len(m.engine.loadedDependents(id)) > 0 {
		report.Warnings = append(report.Warnings, "services removed while dependents are loaded: "+fmt.Sprint(report.RemovedServices))
	}

	report.Compatible = len(report.Reasons) == 0
	return report
}

// CreateCheckpoint captures the loaded module's spec, state and channels.
func (m *HotSwapManager) CreateCheckpoint(ctx context.Context, id string) (string, error) {
	lm, err := m.engine.beginOperation(id, "checkpoint")
	if err != nil {
		return "", err
	}
	defer m.engine.endOperation(id)

	cp, err := m.capture(ctx, lm)
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

func (m *HotSwapManager) capture(ctx context.Context, lm *LoadedModule) (*Checkpoint, error) {
	var state map[string]any
	if lm.caps.exporter != nil {
		var err error
		state, err = func() (state map[string]any, err error) {
			defer recoverInto(m.logger, "export state hook", &err)
			return lm.caps.exporter.ExportState(ctx)
		}()
		if err != nil {
			return nil, NewStateSnapshotError(lm.ID, err)
		}
	}

	var connections []string
	if m.bridge != nil {
		connections = m.bridge.Subscriptions(lm.ID)
	}

	cp, err := newCheckpoint(lm.Spec, state, connections)
	if err != nil {
		return nil, err
	}
	m.checkpoints.add(cp)
	m.logger.Debug("Checkpoint created",
		"module_id", lm.ID,
		"checkpoint_id", cp.ID,
		"version", cp.Version,
		"connections", len(connections))
	return cp, nil
}

// Checkpoints lists the stored checkpoints of a module, oldest first.
func (m *HotSwapManager) Checkpoints(id string) []CheckpointInfo {
	return m.checkpoints.list(id)
}

// CleanupCheckpoints drops every checkpoint of a module.
func (m *HotSwapManager) CleanupCheckpoints(id string) int {
	return m.checkpoints.prune(id, 0)
}

// swapRun carries the bookkeeping of one swap.
type swapRun struct {
	m      *HotSwapManager
	ctx    context.Context
	result *SwapResult
}

func (r *swapRun) phase(phase SwapPhase, fn func() error) error {
	started := time.Now()
	err := fn()
	pr := PhaseResult{Phase: phase, Duration: time.Since(started)}
	details := map[string]any{
		"phase":       string(phase),
		"duration_ms": pr.Duration.Milliseconds(),
		"status":      "completed",
	}
	if err != nil {
		pr.Error = err.Error()
		details["status"] = "failed"
		details["error"] = err.Error()
		details["code"] = ErrorCode(err)
	}
	r.result.Phases = append(r.result.Phases, pr)
	r.m.events.Emit(r.ctx, EventSwapPhase, r.result.ModuleID, details)
	return err
}

// SwapModule replaces the loaded module id with newSpec.
//
// Validation failures leave the running version untouched and return a
// SwapValidationFailed error. Failures after the old version was unloaded
// trigger a rollback to the checkpoint taken during state preservation.
func (m *HotSwapManager) SwapModule(ctx context.Context, id string, newSpec ModuleSpec) (*SwapResult, error) {
	started := time.Now()
	if newSpec.ID == "" {
		newSpec.ID = id
	}

	lm, err := m.engine.beginOperation(id, "swap")
	if err != nil {
		return nil, err
	}
	defer m.engine.endOperation(id)

	result := &SwapResult{
		ModuleID:    id,
		FromVersion: lm.Spec.Version,
		ToVersion:   newSpec.Version,
	}
	run := &swapRun{m: m, ctx: ctx, result: result}
	m.events.Emit(ctx, EventModuleHotSwapping, id, map[string]any{
		"from_version": result.FromVersion,
		"to_version":   result.ToVersion,
	})
	m.logger.Info("Hot swap started", "module_id", id, "from", result.FromVersion, "to", result.ToVersion)

	// 1. Validation
	if err := run.phase(PhaseValidation, func() error {
		result.Compatibility = m.ValidateSwap(id, newSpec)
		if !result.Compatibility.Compatible {
			return NewSwapValidationFailedError(id, result.Compatibility.Reasons)
		}
		if v := m.engine.ValidateModule(newSpec); !v.Valid {
			return NewSwapValidationFailedError(id, []string{v.Reason})
		}
		return nil
	}); err != nil {
		return m.swapFailed(result, PhaseValidation, err, started), err
	}

	// 2. State preservation
	var cp *Checkpoint
	if err := run.phase(PhaseStatePreservation, func() error {
		var err error
		cp, err = m.capture(ctx, lm)
		return err
	}); err != nil {
		return m.swapFailed(result, PhaseStatePreservation, err, started), err
	}
	result.CheckpointID = cp.ID

	// 3. Unloading
	if err := run.phase(PhaseUnloading, func() error {
		if m.bridge != nil {
			if err := m.bridge.Tracker().Drain(ctx, id, m.config.DrainTimeout); err != nil {
				m.logger.Warn("Drain incomplete, unloading anyway", "module_id", id, "error", err)
			}
		}
		return m.engine.forceUnloadOwned(ctx, id)
	}); err != nil {
		return m.rollbackAfter(run, cp, PhaseUnloading, err, started)
	}

	// 4. Loading
	var next *LoadedModule
	if err := run.phase(PhaseLoading, func() error {
		var err error
		next, err = m.engine.load(ctx, newSpec, loadOptions{owned: true})
		return err
	}); err != nil {
		return m.rollbackAfter(run, cp, PhaseLoading, err, started)
	}

	// 5. State restoration
	if err := run.phase(PhaseStateRestoration, func() error {
		return m.restoreState(ctx, next, cp, &newSpec)
	}); err != nil {
		return m.rollbackAfter(run, cp, PhaseStateRestoration, err, started)
	}

	// 6. Connection migration
	if err := run.phase(PhaseConnectionMigration, func() error {
		migrated, err := m.migrateConnections(ctx, next, cp.Connections)
		result.MigratedConnections = migrated
		return err
	}); err != nil {
		return m.rollbackAfter(run, cp, PhaseConnectionMigration, err, started)
	}

	// 7. Health check
	if err := run.phase(PhaseHealthCheck, func() error {
		return m.observeHealth(ctx, id)
	}); err != nil {
		return m.rollbackAfter(run, cp, PhaseHealthCheck, err, started)
	}

	// 8. Completion
	_ = run.phase(PhaseCompletion, func() error {
		if m.config.CheckpointRetention <= 0 {
			m.checkpoints.remove(id, cp.ID)
		} else {
			m.checkpoints.prune(id, m.config.CheckpointRetention)
		}
		return nil
	})

	result.Success = true
	result.Duration = time.Since(started)
	m.swaps.Add(1)
	labels := map[string]string{"module": id, "outcome": "success"}
	m.metrics.IncrementCounter(MetricSwaps, labels, 1)
	m.metrics.RecordHistogram(MetricSwapSeconds, map[string]string{"module": id}, result.Duration.Seconds())

	m.events.Emit(ctx, EventModuleHotSwapped, id, map[string]any{
		"from_version": result.FromVersion,
		"to_version":   result.ToVersion,
		"duration_ms":  result.Duration.Milliseconds(),
	})
	m.logger.Info("Hot swap completed",
		"module_id", id,
		"from", result.FromVersion,
		"to", result.ToVersion,
		"duration", result.Duration)
	return result, nil
}

func (m *HotSwapManager) swapFailed(result *SwapResult, phase SwapPhase, err error, started time.Time) *SwapResult {
	result.FailedPhase = phase
	result.FailureReason = err.Error()
	result.FailureCode = ErrorCode(err)
	result.Duration = time.Since(started)

	m.failedSwaps.Add(1)
	m.metrics.IncrementCounter(MetricSwaps, map[string]string{"module": result.ModuleID, "outcome": "failed"}, 1)
	m.logger.Warn("Hot swap failed",
		"module_id", result.ModuleID,
		"phase", string(phase),
		"error", err)
	return result
}

// rollbackAfter rolls back after a failure past the point of no return.
func (m *HotSwapManager) rollbackAfter(run *swapRun, cp *Checkpoint, phase SwapPhase, cause error, started time.Time) (*SwapResult, error) {
	result := m.swapFailed(run.result, phase, cause, started)

	var rollbackErr error
	_ = run.phase(PhaseRollback, func() error {
		_, rollbackErr = m.rollback(run.ctx, cp)
		return rollbackErr
	})
	result.Duration = time.Since(started)
	if rollbackErr != nil {
		m.logger.Error("Rollback failed, module left unloaded",
			"module_id", result.ModuleID,
			"checkpoint_id", cp.ID,
			"error", rollbackErr)
		return result, rollbackErr
	}

	result.RolledBack = true
	m.metrics.IncrementCounter(MetricSwaps, map[string]string{"module": result.ModuleID, "outcome": "rolled_back"}, 1)
	m.logger.Warn("Hot swap rolled back",
		"module_id", result.ModuleID,
		"restored_version", cp.Version,
		"cause", cause)
	return result, nil
}

func (m *HotSwapManager) restoreState(ctx context.Context, lm *LoadedModule, cp *Checkpoint, spec *ModuleSpec) error {
	state := cp.State()
	if state == nil {
		return nil
	}
	if cp.Version != spec.Version {
		if migrate, ok := spec.Migrations[cp.Version]; ok && migrate != nil {
			migrated, err := func() (out map[string]any, err error) {
				defer recoverInto(m.logger, "state migration", &err)
				return migrate(state)
			}()
			if err != nil {
				return NewStateMigrationFailedError(lm.ID, cp.Version, err)
			}
			state = migrated
		}
	}
	if lm.caps.importer == nil {
		m.logger.Debug("Module does not import state, captured state dropped", "module_id", lm.ID)
		return nil
	}
	return func() (err error) {
		defer recoverInto(m.logger, "import state hook", &err)
		if err := lm.caps.importer.ImportState(ctx, state); err != nil {
			return NewStateMigrationFailedError(lm.ID, cp.Version, err)
		}
		return nil
	}()
}

// migrateConnections re-subscribes the module's message handler to recorded
// channels it did not join on its own. Modules without a handler keep only
// the subscriptions they made themselves.
func (m *HotSwapManager) migrateConnections(ctx context.Context, lm *LoadedModule, channels []string) ([]string, error) {
	if m.bridge == nil || len(channels) == 0 {
		return nil, nil
	}
	current := m.bridge.Subscriptions(lm.ID)
	if lm.caps.handler == nil {
		var missing []string
		for _, ch := range channels {
			if !containsString(current, ch) {
				missing = append(missing, ch)
			}
		}
		if len(missing) > 0 {
			m.logger.Warn("Module has no message handler, channels not migrated",
				"module_id", lm.ID,
				"channels", missing)
		}
		return nil, nil
	}

	var migrated []string
	for _, ch := range channels {
		if containsString(current, ch) {
			continue
		}
		if _, err := m.bridge.Subscribe(ctx, lm.ID, ch, lm.caps.handler.HandleMessage); err != nil {
			if HasErrorCode(err, ErrCodeAlreadySubscribed) {
				continue
			}
			return migrated, err
		}
		migrated = append(migrated, ch)
	}
	sort.Strings(migrated)
	return migrated, nil
}

// observeHealth polls the module's health for the observation window and
// fails on the first result that is not serving.
func (m *HotSwapManager) observeHealth(ctx context.Context, id string) error {
	check := func() error {
		checkCtx := ctx
		if m.config.HealthCheckTimeout > 0 {
			var cancel context.CancelFunc
			checkCtx, cancel = context.WithTimeout(ctx, m.config.HealthCheckTimeout)
			defer cancel()
		}
		status := m.engine.Health(checkCtx, id)
		if status.Status.IsServing() || status.Status == StatusUnknown {
			return nil
		}
		return NewHealthCheckFailedError(id, fmt.Errorf("%s: %s", status.Status, status.Message))
	}

	if err := check(); err != nil {
		return err
	}
	if m.config.HealthCheckWindow <= 0 {
		return nil
	}

	interval := m.config.HealthCheckInterval
	if interval <= 0 || interval > m.config.HealthCheckWindow {
		interval = m.config.HealthCheckWindow
	}
	window := time.NewTimer(m.config.HealthCheckWindow)
	defer window.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return NewHealthCheckFailedError(id, ctx.Err())
		case <-window.C:
			return check()
		case <-ticker.C:
			if err := check(); err != nil {
				return err
			}
		}
	}
}

// Rollback restores a checkpoint of id, the latest when checkpointID is
// empty. Whatever is loaded under id is force-unloaded first.
func (m *HotSwapManager) Rollback(ctx context.Context, id, checkpointID string) (*RollbackResult, error) {
	cp, ok := m.checkpoints.get(id, checkpointID)
	if !ok {
		return nil, NewCheckpointNotFoundError(id, checkpointID)
	}
	if err := m.engine.claimOperation(id, "rollback"); err != nil {
		return nil, err
	}
	defer m.engine.endOperation(id)

	return m.rollback(ctx, cp)
}

func (m *HotSwapManager) rollback(ctx context.Context, cp *Checkpoint) (*RollbackResult, error) {
	started := time.Now()
	id := cp.ModuleID
	result := &RollbackResult{
		ModuleID:        id,
		CheckpointID:    cp.ID,
		RestoredVersion: cp.Version,
	}

	fail := func(err error) (*RollbackResult, error) {
		result.Duration = time.Since(started)
		m.failedRollbacks.Add(1)
		m.metrics.IncrementCounter(MetricRollbacks, map[string]string{"module": id, "outcome": "failed"}, 1)
		return result, NewRollbackFailedError(id, cp.ID, err)
	}

	if _, loaded := m.engine.Get(id); loaded {
		if err := m.engine.forceUnloadOwned(ctx, id); err != nil {
			return fail(err)
		}
	}

	lm, err := m.engine.load(ctx, cp.Spec, loadOptions{owned: true})
	if err != nil {
		return fail(err)
	}

	if err := m.restoreState(ctx, lm, cp, &cp.Spec); err != nil {
		return fail(err)
	}
	result.StateRestored = cp.HasState() && lm.caps.importer != nil

	restored, err := m.migrateConnections(ctx, lm, cp.Connections)
	if err != nil {
		return fail(err)
	}
	result.RestoredConnections = restored

	result.Health = m.engine.Health(ctx, id)
	if !result.Health.Status.IsServing() && result.Health.Status != StatusUnknown {
		return fail(fmt.Errorf("restored version is %s: %s", result.Health.Status, result.Health.Message))
	}

	result.Success = true
	result.Duration = time.Since(started)
	m.rollbacks.Add(1)
	m.metrics.IncrementCounter(MetricRollbacks, map[string]string{"module": id, "outcome": "success"}, 1)
	m.logger.Info("Module rolled back",
		"module_id", id,
		"checkpoint_id", cp.ID,
		"version", cp.Version)
	return result, nil
}

// Stats returns swap counters.
func (m *HotSwapManager) Stats() HotSwapStats {
	return HotSwapStats{
		Swaps:           m.swaps.Load(),
		FailedSwaps:     m.failedSwaps.Load(),
		Rollbacks:       m.rollbacks.Load(),
		FailedRollbacks: m.failedRollbacks.Load(),
		Checkpoints:     m.checkpoints.count(),
	}
}
