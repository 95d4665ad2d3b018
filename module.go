// module.go: module contract, capability interfaces and module specs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"path/filepath"
	"time"
)

// Module is a loaded module instance. Behaviour beyond construction is
// expressed through the optional capability interfaces below, detected once
// when the module is loaded.
type Module interface{}

// Initializable modules have an init hook, run between LOADED and ACTIVE.
type Initializable interface {
	Initialize(ctx context.Context) error
}

// Disposable modules and services have a cleanup hook, run on unload or
// container disposal.
type Disposable interface {
	Dispose(ctx context.Context) error
}

// StateExportable modules can hand their state to the hot-swap manager.
// The returned map must be serializable to JSON-compatible values.
type StateExportable interface {
	ExportState(ctx context.Context) (map[string]any, error)
}

// StateImportable modules accept state captured from a previous version.
type StateImportable interface {
	ImportState(ctx context.Context, state map[string]any) error
}

// HealthCheckable modules report their own health.
type HealthCheckable interface {
	Health(ctx context.Context) HealthStatus
}

// Pausable modules support the ACTIVE to PAUSED transition and back.
type Pausable interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// MessageHandler modules are re-subscribed to their previous channels after a hot-swap.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// MemoryReporter modules report the memory attributable to them for runtime monitoring.
type MemoryReporter interface {
	MemoryUsage() uint64
}

// capabilities is the set of optional interfaces a module implements.
type capabilities struct {
	initializer Initializable
	disposer    Disposable
	exporter    StateExportable
	importer    StateImportable
	health      HealthCheckable
	pauser      Pausable
	handler     MessageHandler
	memory      MemoryReporter
}

func detectCapabilities(m Module) capabilities {
	var caps capabilities
	caps.initializer, _ = m.(Initializable)
	caps.disposer, _ = m.(Disposable)
	caps.exporter, _ = m.(StateExportable)
	caps.importer, _ = m.(StateImportable)
	caps.health, _ = m.(HealthCheckable)
	caps.pauser, _ = m.(Pausable)
	caps.handler, _ = m.(MessageHandler)
	caps.memory, _ = m.(MemoryReporter)
	return caps
}

// names lists the detected capabilities for logs and listings.
func (c capabilities) names() []string {
	var out []string
	if c.initializer != nil {
		out = append(out, "initializable")
	}
	if c.disposer != nil {
		out = append(out, "disposable")
	}
	if c.exporter != nil {
		out = append(out, "state-exportable")
	}
	if c.importer != nil {
		out = append(out, "state-importable")
	}
	if c.health != nil {
		out = append(out, "health-checkable")
	}
	if c.pauser != nil {
		out = append(out, "pausable")
	}
	if c.handler != nil {
		out = append(out, "message-handler")
	}
	return out
}

// ModuleFactory constructs a module instance. It runs after validation and
// sandbox creation, with the module's context already wired.
type ModuleFactory func(ctx context.Context, mc *ModuleContext) (Module, error)

// StateMigration converts state captured from an older version.
type StateMigration func(state map[string]any) (map[string]any, error)

// ModuleSpec is everything needed to load one version of a module.
type ModuleSpec struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Dependencies lists module ids that must be loaded first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// DependencyVersions optionally constrains dependency versions, e.g. {"db": "^1.2"}.
	DependencyVersions map[string]string `json:"dependency_versions,omitempty" yaml:"dependency_versions,omitempty"`

	ProvidedServices []string `json:"provided_services,omitempty" yaml:"provided_services,omitempty"`

	// Permissions are raw names; unknown names fail validation.
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	// Source is the module origin checked against the security allow-list.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Code is the module body. It is pattern-scanned during validation and,
	// for script modules, executed inside the sandbox.
	Code string `json:"code,omitempty" yaml:"code,omitempty"`

	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`

	// Path is the manifest or module location used for the concurrent load guard.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	Main string `json:"main,omitempty" yaml:"main,omitempty"`

	// BreakingChanges declared by this version relative to the previous one.
	BreakingChanges []string `json:"breaking_changes,omitempty" yaml:"breaking_changes,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Factory ModuleFactory `json:"-" yaml:"-"`

	// Migrations maps a previous version to the migration that converts its
	// captured state for this version.
	Migrations map[string]StateMigration `json:"-" yaml:"-"`
}

// normalizedPath is the key of the load-in-progress guard.
func (s *ModuleSpec) normalizedPath() string {
	if s.Path == "" {
		return "id:" + s.ID
	}
	if abs, err := filepath.Abs(s.Path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(s.Path)
}

// Descriptor returns the descriptor for this spec in the DISCOVERED state.
// Unknown permission names are dropped; validation reports them.
func (s *ModuleSpec) Descriptor() ModuleDescriptor {
	perms := make([]Permission, 0, len(s.Permissions))
	for _, name := range s.Permissions {
		if p, ok := ParsePermission(name); ok {
			perms = append(perms, p)
		}
	}
	return ModuleDescriptor{
		ID:               s.ID,
		Name:             s.Name,
		Version:          s.Version,
		Dependencies:     append([]string(nil), s.Dependencies...),
		ProvidedServices: append([]string(nil), s.ProvidedServices...),
		Permissions:      perms,
		State:            StateDiscovered,
	}
}

// ModuleDescriptor describes a module known to the runtime.
type ModuleDescriptor struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Version          string       `json:"version"`
	Dependencies     []string     `json:"dependencies,omitempty"`
	ProvidedServices []string     `json:"provided_services,omitempty"`
	Permissions      []Permission `json:"permissions,omitempty"`
	State            ModuleState  `json:"state"`
}

// ModuleInfo is the listing entry returned by the engines.
type ModuleInfo struct {
	ModuleDescriptor
	LoadedAt      time.Time  `json:"loaded_at"`
	SecurityLevel TrustLevel `json:"security_level"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	Sandboxed     bool       `json:"sandboxed"`
	Dependents    []string   `json:"dependents,omitempty"`
}

// ModuleContext is handed to a module factory. It carries the module's
// private service container, its bridge client and its sandbox.
type ModuleContext struct {
	ModuleID   string
	Descriptor ModuleDescriptor

	// Services is a child of the runtime container; registrations here are
	// private to the module.
	Services *Container

	// Bridge is bound to the module id.
	Bridge *BridgeClient

	// Sandbox is nil when sandboxing is disabled.
	Sandbox Sandbox

	Security *SecurityContext
	Logger   Logger

	provided map[string]struct{}
	root     *Container
}

// Provide registers a service in the runtime container so other modules can
// resolve it. Only tokens declared in ProvidedServices are accepted, and the
// registration is removed when the module unloads.
func (mc *ModuleContext) Provide(def ServiceDefinition) error {
	if _, ok := mc.provided[def.Token]; !ok {
		return NewValidationError(def.Token, "token is not declared in provided services of "+mc.ModuleID)
	}
	def.Metadata.OwnerModuleID = mc.ModuleID
	return mc.root.Register(def)
}
