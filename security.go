// security.go: module validation pipeline, trust management and security contexts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"github.com/agilira/go-timecache"
	"github.com/gobwas/glob"
)

// SecurityViolation is one entry of a module's violation log.
type SecurityViolation struct {
	Type      string                 `json:"type"`
	ModuleID  string                 `json:"module_id"`
	Reason    string                 `json:"reason"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// ValidationResult is the outcome of ValidateModule.
type ValidationResult struct {
	Valid         bool                `json:"valid"`
	Reason        string              `json:"reason,omitempty"`
	SecurityLevel TrustLevel          `json:"security_level"`
	Violations    []SecurityViolation `json:"violations,omitempty"`

	// Err is the coded error behind a failed validation.
	Err error `json:"-"`
}

// SecurityContext is the security state attached to a loaded module.
type SecurityContext struct {
	ModuleID    string
	Permissions PermissionSet
	TrustLevel  TrustLevel
	Sandbox     Sandbox
	CreatedAt   time.Time
}

// SecurityStats counts security activity.
type SecurityStats struct {
	Validations       int64 `json:"validations"`
	Rejections        int64 `json:"rejections"`
	SandboxesCreated  int64 `json:"sandboxes_created"`
	RuntimeViolations int64 `json:"runtime_violations"`
	ActiveContexts    int   `json:"active_contexts"`
	ActiveMonitors    int   `json:"active_monitors"`
	TrustedModules    int   `json:"trusted_modules"`
	BannedModules     int   `json:"banned_modules"`
}

type deniedPattern struct {
	name string
	re   *regexp.Regexp
}

// Built-in denylist scanned against module code.
var builtinDeniedPatterns = []struct{ name, expr string }{
	{"dynamic-code-evaluation", `\beval\s*\(|\bnew\s+Function\s*\(|(^|[^.\w])(loadstring|load|dofile|loadfile)\s*\(`},
	{"process-spawning", `\bchild_process\b|\bos\.execute\s*\(|\bio\.popen\s*\(|\bexec\.Command(Context)?\s*\(|\bspawn(Sync)?\s*\(|\bsyscall\.(Exec|ForkExec)\b`},
	{"process-termination", `\bprocess\.(exit|kill|abort)\s*\(|\bos\.[Ee]xit\s*\(`},
	{"filesystem-escape", `\.\./|\.\.\\|/etc/(passwd|shadow)|/proc/self`},
}

// ModuleSecurity validates modules before load, creates their sandboxes and
// monitors them at run time.
//
// Validation short-circuits in this order: required fields, ban list, source
// allow-list (trusted modules bypass it), code denylist, permission names,
// then the signature when required.
type ModuleSecurity struct {
	logger         Logger
	events         *EventBus
	metrics        MetricsCollector
	sandboxFactory SandboxFactory
	audit          *argus.AuditLogger

	mu          sync.RWMutex
	config      SecurityConfig
	sources     []glob.Glob
	denylist    []deniedPattern
	trusted     map[string]struct{}
	banned      map[string]string
	permissions map[string]PermissionSet
	contexts    map[string]*SecurityContext
	monitors    map[string]*RuntimeMonitor
	violations  map[string][]SecurityViolation

	validations       atomic.Int64
	rejections        atomic.Int64
	sandboxesCreated  atomic.Int64
	runtimeViolations atomic.Int64
}

// SecurityOption configures a ModuleSecurity.
type SecurityOption func(*ModuleSecurity)

// WithSecurityEvents sets the event bus security events are emitted on.
func WithSecurityEvents(bus *EventBus) SecurityOption {
	return func(s *ModuleSecurity) { s.events = bus }
}

// WithSecurityMetrics sets the metrics collector.
func WithSecurityMetrics(metrics MetricsCollector) SecurityOption {
	return func(s *ModuleSecurity) { s.metrics = metrics }
}

// WithSecuritySandboxFactory replaces the Lua sandbox.
func WithSecuritySandboxFactory(factory SandboxFactory) SecurityOption {
	return func(s *ModuleSecurity) { s.sandboxFactory = factory }
}

// NewModuleSecurity creates the security engine. The audit trail is opened
// when config.AuditFile is set; failing to open it is logged, not fatal.
func NewModuleSecurity(config SecurityConfig, logger Logger, opts ...SecurityOption) (*ModuleSecurity, error) {
	s := &ModuleSecurity{
		logger:         NewLogger(logger),
		metrics:        NewDefaultMetricsCollector(),
		sandboxFactory: DefaultSandboxFactory,
		trusted:        make(map[string]struct{}),
		banned:         make(map[string]string),
		permissions:    make(map[string]PermissionSet),
		contexts:       make(map[string]*SecurityContext),
		monitors:       make(map[string]*RuntimeMonitor),
		violations:     make(map[string][]SecurityViolation),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.UpdateConfig(config); err != nil {
		return nil, err
	}

	if config.AuditFile != "" {
		if err := s.setupAuditLogging(config.AuditFile); err != nil {
			s.logger.Warn("Failed to setup security audit logging", "error", err)
		}
	}
	return s, nil
}

func (s *ModuleSecurity) setupAuditLogging(file string) error {
	auditor, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    file,
		MinLevel:      argus.AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		IncludeStack:  false,
	})
	if err != nil {
		return NewAuditError("failed to create audit logger", err)
	}
	s.audit = auditor
	s.logger.Info("Security audit logging enabled", "file", file)
	return nil
}

// UpdateConfig applies a new configuration. Trust and ban lists from the
// configuration are merged into the runtime lists; entries added at run
// time with TrustModule and BanModule are kept.
func (s *ModuleSecurity) UpdateConfig(config SecurityConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	sources := make([]glob.Glob, 0, len(config.AllowedSources))
	for _, pattern := range config.AllowedSources {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return NewConfigValidationError("invalid allowed source pattern "+pattern, err)
		}
		sources = append(sources, g)
	}

	denylist := make([]deniedPattern, 0, len(builtinDeniedPatterns)+len(config.DeniedPatterns))
	for _, p := range builtinDeniedPatterns {
		denylist = append(denylist, deniedPattern{name: p.name, re: regexp.MustCompile(p.expr)})
	}
	names := make([]string, 0, len(config.DeniedPatterns))
	for name := range config.DeniedPatterns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		denylist = append(denylist, deniedPattern{name: name, re: regexp.MustCompile(config.DeniedPatterns[name])})
	}

	s.mu.Lock()
	s.config = config
	s.sources = sources
	s.denylist = denylist
	for _, id := range config.TrustedModules {
		s.trusted[id] = struct{}{}
		delete(s.banned, id)
	}
	for _, id := range config.BannedModules {
		s.banned[id] = "banned by configuration"
		delete(s.trusted, id)
	}
	s.mu.Unlock()

	s.logger.Debug("Security configuration applied",
		"enabled", config.Enabled,
		"sandbox", config.SandboxEnabled,
		"allowed_sources", len(sources),
		"denied_patterns", len(denylist))
	return nil
}

// Config returns the active configuration.
func (s *ModuleSecurity) Config() SecurityConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// ValidateModule runs the validation pipeline on spec.
func (s *ModuleSecurity) ValidateModule(spec *ModuleSpec) ValidationResult {
	s.validations.Add(1)

	result := s.runPipeline(spec)
	if result.Valid {
		s.auditEvent("module_validated", spec.ID, map[string]interface{}{
			"version":        spec.Version,
			"security_level": result.SecurityLevel.String(),
		})
		return result
	}

	s.rejections.Add(1)
	violation := SecurityViolation{
		Type:      ViolationValidation,
		ModuleID:  spec.ID,
		Reason:    result.Reason,
		Timestamp: timecache.CachedTime(),
		Context:   map[string]interface{}{"code": ErrorCode(result.Err)},
	}
	result.Violations = append(result.Violations, violation)

	s.metrics.IncrementCounter(MetricValidationFailures, map[string]string{"code": ErrorCode(result.Err)}, 1)
	s.logger.Warn("Module validation failed", "module_id", spec.ID, "reason", result.Reason)
	s.auditEvent("module_rejected", spec.ID, map[string]interface{}{
		"reason": result.Reason,
		"code":   ErrorCode(result.Err),
	})
	return result
}

func (s *ModuleSecurity) runPipeline(spec *ModuleSpec) ValidationResult {
	fail := func(err error, reason string) ValidationResult {
		return ValidationResult{Valid: false, Reason: reason, SecurityLevel: TrustDefault, Err: err}
	}

	if spec.ID == "" || spec.Name == "" || spec.Version == "" {
		return fail(NewValidationError("module spec", "id, name and version are required"), "missing required field (id, name, version)")
	}
	if err := ValidateModuleID(spec.ID); err != nil {
		return fail(err, "invalid module id")
	}

	s.mu.RLock()
	config := s.config
	sources := s.sources
	denylist := s.denylist
	banReason, banned := s.banned[spec.ID]
	_, trusted := s.trusted[spec.ID]
	s.mu.RUnlock()

	if banned {
		return fail(NewModuleBannedError(spec.ID, banReason), "module is banned: "+banReason)
	}

	perms, unknown := parsePermissions(spec.Permissions)

	if !config.Enabled {
		return ValidationResult{Valid: unknown == "", SecurityLevel: securityLevel(trusted, perms), Reason: unknownReason(unknown), Err: unknownErr(spec.ID, unknown)}
	}

	if !trusted && len(sources) > 0 {
		allowed := false
		for _, g := range sources {
			if g.Match(spec.Source) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fail(NewUntrustedSourceError(spec.ID, spec.Source), "source not in allow-list: "+spec.Source)
		}
	}

	for _, p := range denylist {
		if p.re.MatchString(spec.Code) {
			return fail(NewDangerousPatternError(spec.ID, p.name), "dangerous pattern detected: "+p.name)
		}
	}

	if unknown != "" {
		return fail(unknownErr(spec.ID, unknown), unknownReason(unknown))
	}

	if config.RequireSignature {
		if spec.Signature == "" {
			return fail(NewSignatureMissingError(spec.ID), "signature required but missing")
		}
		if !VerifyModuleSignature(spec, config.SigningKey) {
			return fail(NewSignatureMismatchError(spec.ID), "signature does not match module contents")
		}
	}

	return ValidationResult{Valid: true, SecurityLevel: securityLevel(trusted, perms)}
}

func parsePermissions(names []string) (PermissionSet, string) {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		p, ok := ParsePermission(name)
		if !ok {
			return set, name
		}
		set[p] = struct{}{}
	}
	return set, ""
}

func unknownReason(name string) string {
	if name == "" {
		return ""
	}
	return "unknown permission: " + name
}

func unknownErr(moduleID, name string) error {
	if name == "" {
		return nil
	}
	return NewUnknownPermissionError(moduleID, name)
}

func securityLevel(trusted bool, perms PermissionSet) TrustLevel {
	if trusted {
		return TrustTrusted
	}
	for p := range perms {
		if p.IsDangerous() {
			return TrustStrict
		}
	}
	return TrustModerate
}

// CreateSandbox creates the sandbox for a module. It returns (nil, nil) when
// sandboxing is disabled: the module then runs unconfined.
func (s *ModuleSecurity) CreateSandbox(moduleID string, perms PermissionSet) (Sandbox, error) {
	s.mu.RLock()
	config := s.config
	factory := s.sandboxFactory
	s.mu.RUnlock()

	if !config.SandboxEnabled {
		return nil, nil
	}

	policy := SandboxPolicy{
		Permissions:   perms,
		AllowedPaths:  append([]string(nil), config.AllowedPaths...),
		MinTimerDelay: config.MinTimerDelay,
		MaxTimerDelay: config.MaxTimerDelay,
		FetchTimeout:  config.FetchTimeout,
	}
	sb, err := factory(moduleID, policy, s.logger)
	if err != nil {
		if ErrorCode(err) == ErrCodeSandboxCreation {
			return nil, err
		}
		return nil, NewSandboxCreationError(moduleID, err)
	}
	if hs, ok := sb.(*LuaSandbox); ok {
		hs.host.onDenied = s.recordDenied
	}

	s.sandboxesCreated.Add(1)
	s.logger.Debug("Sandbox created", "module_id", moduleID, "capabilities", sb.Capabilities())
	return sb, nil
}

func (s *ModuleSecurity) recordDenied(moduleID, capability, detail string) {
	s.recordViolation(SecurityViolation{
		Type:      ViolationCapabilityDeny,
		ModuleID:  moduleID,
		Reason:    capability + ": " + detail,
		Timestamp: timecache.CachedTime(),
		Context:   map[string]interface{}{"capability": capability},
	})
}

// CreateSecurityContext records the granted permissions and trust level of a module.
func (s *ModuleSecurity) CreateSecurityContext(moduleID string, perms PermissionSet, level TrustLevel, sandbox Sandbox) *SecurityContext {
	sc := &SecurityContext{
		ModuleID:    moduleID,
		Permissions: perms,
		TrustLevel:  level,
		Sandbox:     sandbox,
		CreatedAt:   timecache.CachedTime(),
	}
	s.mu.Lock()
	s.contexts[moduleID] = sc
	s.permissions[moduleID] = perms
	s.mu.Unlock()
	return sc
}

// EffectivePermissions returns the permissions granted with
// SetModulePermissions before load, or declared when none were preset.
func (s *ModuleSecurity) EffectivePermissions(moduleID string, declared PermissionSet) PermissionSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if preset, ok := s.permissions[moduleID]; ok {
		return preset
	}
	return declared
}

// SecurityContext returns the security context of a loaded module.
func (s *ModuleSecurity) SecurityContext(moduleID string) (*SecurityContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.contexts[moduleID]
	return sc, ok
}

// DestroySecurityContext stops monitoring, terminates the sandbox and forgets
// the module's granted permissions. The violation log is kept.
func (s *ModuleSecurity) DestroySecurityContext(moduleID string) {
	s.StopRuntimeMonitoring(moduleID)

	s.mu.Lock()
	sc, ok := s.contexts[moduleID]
	delete(s.contexts, moduleID)
	delete(s.permissions, moduleID)
	s.mu.Unlock()

	if ok && sc.Sandbox != nil {
		if err := sc.Sandbox.Terminate(); err != nil {
			s.logger.Warn("Sandbox termination failed", "module_id", moduleID, "error", err)
		}
	}
}

// StartRuntimeMonitoring starts (or restarts) the runtime monitor of a module.
func (s *ModuleSecurity) StartRuntimeMonitoring(moduleID string, ref Module) *RuntimeMonitor {
	s.StopRuntimeMonitoring(moduleID)

	config := s.Config()
	monitor := newRuntimeMonitor(moduleID, config, ref, s.logger.With("module_id", moduleID), s.recordViolation)

	s.mu.Lock()
	s.monitors[moduleID] = monitor
	s.mu.Unlock()

	monitor.start()
	return monitor
}

// StopRuntimeMonitoring stops a module's monitor, if any.
func (s *ModuleSecurity) StopRuntimeMonitoring(moduleID string) {
	s.mu.Lock()
	monitor, ok := s.monitors[moduleID]
	delete(s.monitors, moduleID)
	s.mu.Unlock()
	if ok {
		monitor.Stop()
	}
}

// Monitor returns the runtime monitor of a module.
func (s *ModuleSecurity) Monitor(moduleID string) (*RuntimeMonitor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[moduleID]
	return m, ok
}

// recordViolation appends to the violation log, emits security:violation,
// counts it and writes the audit trail. It never acts on the module.
func (s *ModuleSecurity) recordViolation(v SecurityViolation) {
	s.mu.Lock()
	s.violations[v.ModuleID] = append(s.violations[v.ModuleID], v)
	s.mu.Unlock()

	s.runtimeViolations.Add(1)
	s.metrics.IncrementCounter(MetricSecurityViolations, map[string]string{"module": v.ModuleID, "type": v.Type}, 1)
	s.logger.Warn("Security violation", "module_id", v.ModuleID, "type", v.Type, "reason", v.Reason)

	details := map[string]any{"type": v.Type, "reason": v.Reason}
	for k, val := range v.Context {
		details[k] = val
	}
	s.events.Emit(context.Background(), EventSecurityViolation, v.ModuleID, details)
	s.auditEvent("runtime_violation", v.ModuleID, details)
}

// Violations returns a copy of a module's violation log.
func (s *ModuleSecurity) Violations(moduleID string) []SecurityViolation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SecurityViolation(nil), s.violations[moduleID]...)
}

// ClearViolations empties a module's violation log.
func (s *ModuleSecurity) ClearViolations(moduleID string) {
	s.mu.Lock()
	delete(s.violations, moduleID)
	s.mu.Unlock()
}

// TrustModule adds id to the trust list and lifts any ban.
func (s *ModuleSecurity) TrustModule(moduleID string) {
	s.mu.Lock()
	s.trusted[moduleID] = struct{}{}
	delete(s.banned, moduleID)
	if sc, ok := s.contexts[moduleID]; ok {
		sc.TrustLevel = TrustTrusted
	}
	s.mu.Unlock()

	s.logger.Info("Module trusted", "module_id", moduleID)
	s.events.Emit(context.Background(), EventSecurityModuleTrusted, moduleID, nil)
	s.auditEvent("module_trusted", moduleID, nil)
}

// BanModule adds id to the ban list and removes it from the trust list.
// A loaded module is not unloaded; future loads fail.
func (s *ModuleSecurity) BanModule(moduleID, reason string) {
	if reason == "" {
		reason = "banned"
	}
	s.mu.Lock()
	s.banned[moduleID] = reason
	delete(s.trusted, moduleID)
	if sc, ok := s.contexts[moduleID]; ok {
		sc.TrustLevel = TrustBanned
	}
	s.mu.Unlock()

	s.logger.Warn("Module banned", "module_id", moduleID, "reason", reason)
	s.events.Emit(context.Background(), EventSecurityModuleBanned, moduleID, map[string]any{"reason": reason})
	s.auditEvent("module_banned", moduleID, map[string]interface{}{"reason": reason})
}

// IsTrusted reports whether id is on the trust list.
func (s *ModuleSecurity) IsTrusted(moduleID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trusted[moduleID]
	return ok
}

// IsBanned reports whether id is on the ban list, with the reason.
func (s *ModuleSecurity) IsBanned(moduleID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, ok := s.banned[moduleID]
	return reason, ok
}

// SetModulePermissions replaces a module's granted permissions.
func (s *ModuleSecurity) SetModulePermissions(moduleID string, perms []Permission) error {
	for _, p := range perms {
		if !p.IsValid() {
			return NewUnknownPermissionError(moduleID, string(p))
		}
	}
	set := NewPermissionSet(perms...)

	s.mu.Lock()
	s.permissions[moduleID] = set
	if sc, ok := s.contexts[moduleID]; ok {
		sc.Permissions = set
	}
	s.mu.Unlock()

	s.auditEvent("permissions_updated", moduleID, map[string]interface{}{"permissions": fmt.Sprint(set.List())})
	return nil
}

// HasPermission reports whether the module has been granted p.
func (s *ModuleSecurity) HasPermission(moduleID string, p Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions[moduleID].Has(p)
}

// Stats returns security counters.
func (s *ModuleSecurity) Stats() SecurityStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SecurityStats{
		Validations:       s.validations.Load(),
		Rejections:        s.rejections.Load(),
		SandboxesCreated:  s.sandboxesCreated.Load(),
		RuntimeViolations: s.runtimeViolations.Load(),
		ActiveContexts:    len(s.contexts),
		ActiveMonitors:    len(s.monitors),
		TrustedModules:    len(s.trusted),
		BannedModules:     len(s.banned),
	}
}

// Close stops every monitor and flushes the audit trail.
func (s *ModuleSecurity) Close() error {
	s.mu.Lock()
	monitors := make([]*RuntimeMonitor, 0, len(s.monitors))
	for id, m := range s.monitors {
		monitors = append(monitors, m)
		delete(s.monitors, id)
	}
	s.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			return NewAuditError("failed to close audit logger", err)
		}
	}
	return nil
}

func (s *ModuleSecurity) auditEvent(event, moduleID string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload := map[string]interface{}{"module_id": moduleID}
	for k, v := range details {
		payload[k] = v
	}
	s.audit.LogSecurityEvent(event, "Module security event", payload)
}
