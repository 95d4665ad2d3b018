// container.go: dependency injection container with lifecycle scopes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"golang.org/x/sync/singleflight"
)

// ServiceScope defines the lifetime of instances produced by a service definition.
type ServiceScope string

const (
	// ScopeSingleton constructs once per defining container and caches the instance.
	ScopeSingleton ServiceScope = "singleton"

	// ScopeTransient constructs a new instance on every resolution.
	ScopeTransient ServiceScope = "transient"

	// ScopeScoped constructs one instance per (token, scope id). Instances are
	// disposed when the scope exits, in reverse creation order.
	ScopeScoped ServiceScope = "scoped"
)

// String returns the string representation of the service scope.
func (s ServiceScope) String() string {
	return string(s)
}

// IsValid returns true if the service scope is one of the defined constants.
func (s ServiceScope) IsValid() bool {
	switch s {
	case ScopeSingleton, ScopeTransient, ScopeScoped:
		return true
	default:
		return false
	}
}

// Constructor builds an instance from its declared dependencies, resolved in
// declaration order.
type Constructor func(deps []any) (any, error)

// Factory builds an instance with access to the resolver. Dependencies it
// resolves should still be declared so cycles are caught at registration.
// Factories must resolve through the ctx they receive.
type Factory func(ctx context.Context, r Resolver) (any, error)

// Resolver is the read side of a Container.
type Resolver interface {
	Resolve(ctx context.Context, token string) (any, error)
	GetOptional(ctx context.Context, token string) (any, bool)
}

// ServiceMetadata carries descriptive data about a registration.
type ServiceMetadata struct {
	Tags          []string `json:"tags,omitempty"`
	OwnerModuleID string   `json:"owner_module_id,omitempty"`
}

// ServiceDefinition describes how to produce a service. Exactly one of
// Constructor, Factory or Value must be set.
type ServiceDefinition struct {
	Token        string
	Scope        ServiceScope
	Constructor  Constructor
	Factory      Factory
	Value        any
	Dependencies []string
	Metadata     ServiceMetadata
}

// ServiceInstance is the diagnostic view of a constructed instance.
type ServiceInstance struct {
	Token         string       `json:"token"`
	Scope         ServiceScope `json:"scope"`
	ScopeID       string       `json:"scope_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	OwnerModuleID string       `json:"owner_module_id,omitempty"`
}

// ContainerStats reports registration and instance counts.
type ContainerStats struct {
	Registrations     int              `json:"registrations"`
	Singletons        int              `json:"singletons"`
	ActiveScopes      int              `json:"active_scopes"`
	TrackedTransients int              `json:"tracked_transients"`
	TransientsCreated map[string]int64 `json:"transients_created"`
	Children          int              `json:"children"`
}

type instanceRecord struct {
	token     string
	scope     ServiceScope
	scopeID   string
	value     any
	owner     string
	createdAt time.Time
	seq       uint64
}

// Container is a dependency injection registry. Child containers inherit
// their parent's registrations by reference and may shadow them.
type Container struct {
	parent *Container
	config ContainerConfig
	logger Logger

	mu          sync.RWMutex
	definitions map[string]*ServiceDefinition
	singletons  map[string]*instanceRecord
	scopes      map[string]*scopeState
	transients  []*instanceRecord
	created     map[string]int64
	children    map[*Container]struct{}

	group    singleflight.Group
	seq      atomic.Uint64
	disposed atomic.Bool
}

// NewContainer creates a root container.
func NewContainer(config ContainerConfig, logger Logger) *Container {
	return newContainer(nil, config, NewLogger(logger))
}

func newContainer(parent *Container, config ContainerConfig, logger Logger) *Container {
	return &Container{
		parent:      parent,
		config:      config,
		logger:      logger,
		definitions: make(map[string]*ServiceDefinition),
		singletons:  make(map[string]*instanceRecord),
		scopes:      make(map[string]*scopeState),
		created:     make(map[string]int64),
		children:    make(map[*Container]struct{}),
	}
}

// CreateChild returns a container that resolves its own registrations first
// and falls back to this container's.
func (c *Container) CreateChild() *Container {
	child := newContainer(c, c.config, c.logger)
	c.mu.Lock()
	c.children[child] = struct{}{}
	c.mu.Unlock()
	return child
}

// Parent returns the parent container, or nil for a root container.
func (c *Container) Parent() *Container {
	return c.parent
}

// Register validates def, checks it for dependency cycles against every
// definition visible from this container and stores it. A token may be
// registered once per container level.
func (c *Container) Register(def ServiceDefinition) error {
	if c.disposed.Load() {
		return NewContainerDisposedError()
	}
	if err := validateDefinition(&def); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.definitions[def.Token]; exists {
		return NewDuplicateServiceError(def.Token)
	}
	if cycle := c.findCycleLocked(&def); cycle != nil {
		return NewCircularDependencyError(cycle)
	}

	stored := def
	stored.Dependencies = append([]string(nil), def.Dependencies...)
	c.definitions[def.Token] = &stored

	c.logger.Debug("Service registered",
		"token", def.Token,
		"scope", def.Scope.String(),
		"dependencies", len(def.Dependencies),
		"owner", def.Metadata.OwnerModuleID)
	return nil
}

func validateDefinition(def *ServiceDefinition) error {
	if def.Token == "" {
		return NewValidationError("service definition", "token is required")
	}
	if def.Scope == "" {
		def.Scope = ScopeSingleton
	}
	if !def.Scope.IsValid() {
		return NewInvalidScopeError(def.Token, def.Scope)
	}

	kinds := 0
	if def.Constructor != nil {
		kinds++
	}
	if def.Factory != nil {
		kinds++
	}
	if def.Value != nil {
		kinds++
	}
	if kinds != 1 {
		return NewValidationError(def.Token, "exactly one of constructor, factory or value must be set")
	}
	if def.Value != nil && def.Scope != ScopeSingleton {
		return NewValidationError(def.Token, "static values can only be registered as singletons")
	}
	if def.Value != nil && len(def.Dependencies) > 0 {
		return NewValidationError(def.Token, "static values cannot declare dependencies")
	}
	return nil
}

// findCycleLocked runs a depth-first traversal from the candidate definition
// over declared dependencies, keeping the current path on a recursion stack.
// It returns the cycle path (first token repeated at the end) or nil.
// Caller holds c.mu.
func (c *Container) findCycleLocked(candidate *ServiceDefinition) []string {
	stack := []string{candidate.Token}
	onStack := map[string]int{candidate.Token: 0}
	done := make(map[string]bool)

	var visit func(deps []string) []string
	visit = func(deps []string) []string {
		for _, dep := range deps {
			if idx, ok := onStack[dep]; ok {
				cycle := append([]string(nil), stack[idx:]...)
				return append(cycle, dep)
			}
			if done[dep] {
				continue
			}

			var next *ServiceDefinition
			if dep == candidate.Token {
				next = candidate
			} else {
				next = c.lookupDefinitionLocked(dep)
			}
			if next == nil {
				done[dep] = true
				continue
			}

			onStack[dep] = len(stack)
			stack = append(stack, dep)
			if cycle := visit(next.Dependencies); cycle != nil {
				return cycle
			}
			stack = stack[:len(stack)-1]
			delete(onStack, dep)
			done[dep] = true
		}
		return nil
	}
	return visit(candidate.Dependencies)
}

// lookupDefinitionLocked finds a definition in this container (lock held by
// caller) or any ancestor.
func (c *Container) lookupDefinitionLocked(token string) *ServiceDefinition {
	if def, ok := c.definitions[token]; ok {
		return def
	}
	if c.parent == nil {
		return nil
	}
	def, _ := c.parent.lookup(token)
	return def
}

// lookup finds the definition for token and the container that owns it.
func (c *Container) lookup(token string) (*ServiceDefinition, *Container) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		def, ok := cur.definitions[token]
		cur.mu.RUnlock()
		if ok {
			return def, cur
		}
	}
	return nil, nil
}

// Has reports whether token is registered in this container or an ancestor.
func (c *Container) Has(token string) bool {
	def, _ := c.lookup(token)
	return def != nil
}

// Tokens returns the tokens registered at this container level, sorted.
func (c *Container) Tokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tokens := make([]string, 0, len(c.definitions))
	for token := range c.definitions {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// ServicesByTag returns the tokens visible from this container carrying tag.
func (c *Container) ServicesByTag(tag string) []string {
	seen := make(map[string]bool)
	var tokens []string
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		for token, def := range cur.definitions {
			if seen[token] {
				continue
			}
			seen[token] = true
			for _, t := range def.Metadata.Tags {
				if t == tag {
					tokens = append(tokens, token)
					break
				}
			}
		}
		cur.mu.RUnlock()
	}
	sort.Strings(tokens)
	return tokens
}

// Resolve returns an instance for token. The scope for scoped services is
// taken from ctx (see ContextWithScope). A token not registered anywhere in
// the container chain fails with a not-found error.
func (c *Container) Resolve(ctx context.Context, token string) (any, error) {
	return c.resolve(ctx, token, scopeFromContext(ctx))
}

// ResolveScoped resolves token inside the given active scope.
func (c *Container) ResolveScoped(ctx context.Context, token, scopeID string) (any, error) {
	return c.resolve(ContextWithScope(ctx, scopeID), token, scopeID)
}

// GetOptional resolves token and reports false instead of failing.
func (c *Container) GetOptional(ctx context.Context, token string) (any, bool) {
	value, err := c.Resolve(ctx, token)
	if err != nil {
		c.logger.Debug("Optional service unavailable", "token", token, "error", err)
		return nil, false
	}
	return value, true
}

func (c *Container) resolve(ctx context.Context, token, scopeID string) (any, error) {
	if c.disposed.Load() {
		return nil, NewContainerDisposedError()
	}

	path := resolutionPath(ctx)
	for _, t := range path {
		if t == token {
			return nil, NewResolutionReentrancyError(token, append(path, token))
		}
	}

	def, owner := c.lookup(token)
	if def == nil {
		return nil, NewServiceNotFoundError(token)
	}

	switch def.Scope {
	case ScopeSingleton:
		return owner.resolveSingleton(ctx, def)
	case ScopeTransient:
		return c.resolveTransient(ctx, def, scopeID)
	default:
		return c.resolveScopedInstance(ctx, def, scopeID)
	}
}

func (c *Container) resolveSingleton(ctx context.Context, def *ServiceDefinition) (any, error) {
	c.mu.RLock()
	rec, ok := c.singletons[def.Token]
	c.mu.RUnlock()
	if ok {
		return rec.value, nil
	}

	// singleflight makes concurrent first resolutions share one construction.
	value, err, _ := c.group.Do(def.Token, func() (any, error) {
		c.mu.RLock()
		rec, ok := c.singletons[def.Token]
		c.mu.RUnlock()
		if ok {
			return rec.value, nil
		}

		// Singletons never see the caller's scope.
		instance, err := c.construct(ContextWithScope(ctx, ""), def, "")
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.singletons[def.Token] = c.newRecord(def, "", instance)
		c.mu.Unlock()
		return instance, nil
	})
	return value, err
}

func (c *Container) resolveTransient(ctx context.Context, def *ServiceDefinition, scopeID string) (any, error) {
	instance, err := c.construct(ctx, def, scopeID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.created[def.Token]++
	if c.config.TrackTransients {
		if _, ok := instance.(Disposable); ok {
			c.transients = append(c.transients, c.newRecord(def, scopeID, instance))
		}
	}
	c.mu.Unlock()
	return instance, nil
}

// construct builds an instance, resolving declared dependencies through c.
func (c *Container) construct(ctx context.Context, def *ServiceDefinition, scopeID string) (instance any, err error) {
	defer recoverInto(c.logger, "service constructor "+def.Token, &err)

	if def.Value != nil {
		return def.Value, nil
	}

	ctx = withResolutionStep(ctx, def.Token)

	if def.Factory != nil {
		instance, err = def.Factory(ctx, &scopedResolver{container: c, scopeID: scopeID})
		if err != nil {
			return nil, wrapConstructionError(def.Token, err)
		}
		return instance, nil
	}

	deps := make([]any, len(def.Dependencies))
	for i, dep := range def.Dependencies {
		value, derr := c.resolve(ctx, dep, scopeID)
		if derr != nil {
			return nil, derr
		}
		deps[i] = value
	}

	instance, err = def.Constructor(deps)
	if err != nil {
		return nil, wrapConstructionError(def.Token, err)
	}
	return instance, nil
}

// wrapConstructionError keeps structured errors from nested resolutions intact.
func wrapConstructionError(token string, err error) error {
	switch ErrorCode(err) {
	case ErrCodeServiceNotFound, ErrCodeResolutionReentrancy, ErrCodeScopeNotActive, ErrCodeServiceConstruction:
		return err
	}
	return NewServiceConstructionError(token, err)
}

func (c *Container) newRecord(def *ServiceDefinition, scopeID string, value any) *instanceRecord {
	return &instanceRecord{
		token:     def.Token,
		scope:     def.Scope,
		scopeID:   scopeID,
		value:     value,
		owner:     def.Metadata.OwnerModuleID,
		createdAt: timecache.CachedTime(),
		seq:       c.seq.Add(1),
	}
}

// Instances returns the instances owned by this container, oldest first.
func (c *Container) Instances() []ServiceInstance {
	c.mu.RLock()
	records := make([]*instanceRecord, 0, len(c.singletons)+len(c.transients))
	for _, rec := range c.singletons {
		records = append(records, rec)
	}
	records = append(records, c.transients...)
	for _, scope := range c.scopes {
		records = append(records, scope.snapshot()...)
	}
	c.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })
	out := make([]ServiceInstance, len(records))
	for i, rec := range records {
		out[i] = ServiceInstance{
			Token:         rec.token,
			Scope:         rec.scope,
			ScopeID:       rec.scopeID,
			CreatedAt:     rec.createdAt,
			OwnerModuleID: rec.owner,
		}
	}
	return out
}

// Stats returns registration and instance counters for this container level.
func (c *Container) Stats() ContainerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	created := make(map[string]int64, len(c.created))
	for k, v := range c.created {
		created[k] = v
	}
	return ContainerStats{
		Registrations:     len(c.definitions),
		Singletons:        len(c.singletons),
		ActiveScopes:      len(c.scopes),
		TrackedTransients: len(c.transients),
		TransientsCreated: created,
		Children:          len(c.children),
	}
}

// RemoveOwnedBy drops every registration owned by moduleID at this level and
// disposes the instances built from them.
func (c *Container) RemoveOwnedBy(ctx context.Context, moduleID string) error {
	c.mu.Lock()
	var records []*instanceRecord
	for token, def := range c.definitions {
		if def.Metadata.OwnerModuleID != moduleID {
			continue
		}
		delete(c.definitions, token)
		if rec, ok := c.singletons[token]; ok {
			records = append(records, rec)
			delete(c.singletons, token)
		}
	}
	kept := c.transients[:0]
	for _, rec := range c.transients {
		if rec.owner == moduleID {
			records = append(records, rec)
			continue
		}
		kept = append(kept, rec)
	}
	c.transients = kept
	c.mu.Unlock()

	return c.disposeRecords(ctx, records)
}

// Dispose disposes every child container, then every tracked instance of this
// container in reverse creation order. All disposals run even when some fail;
// the failures are returned joined. Afterwards the container rejects all use.
func (c *Container) Dispose(ctx context.Context) error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	c.mu.Lock()
	children := make([]*Container, 0, len(c.children))
	for child := range c.children {
		children = append(children, child)
	}
	c.mu.Unlock()

	for _, child := range children {
		if err := child.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	records := make([]*instanceRecord, 0, len(c.singletons)+len(c.transients))
	for _, rec := range c.singletons {
		records = append(records, rec)
	}
	records = append(records, c.transients...)
	for _, scope := range c.scopes {
		records = append(records, scope.snapshot()...)
	}
	c.definitions = make(map[string]*ServiceDefinition)
	c.singletons = make(map[string]*instanceRecord)
	c.scopes = make(map[string]*scopeState)
	c.transients = nil
	c.created = make(map[string]int64)
	c.children = make(map[*Container]struct{})
	c.mu.Unlock()

	if err := c.disposeRecords(ctx, records); err != nil {
		errs = append(errs, err)
	}

	if c.parent != nil {
		c.parent.mu.Lock()
		delete(c.parent.children, c)
		c.parent.mu.Unlock()
	}

	if len(errs) > 0 {
		return NewDisposalFailedError(stderrors.Join(errs...))
	}
	return nil
}

// disposeRecords disposes records newest first and joins every failure.
func (c *Container) disposeRecords(ctx context.Context, records []*instanceRecord) error {
	sort.Slice(records, func(i, j int) bool { return records[i].seq > records[j].seq })

	var errs []error
	for _, rec := range records {
		disposable, ok := rec.value.(Disposable)
		if !ok {
			continue
		}
		if err := c.disposeOne(ctx, rec.token, disposable); err != nil {
			c.logger.Warn("Service disposal failed", "token", rec.token, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return NewDisposalFailedError(stderrors.Join(errs...))
	}
	return nil
}

func (c *Container) disposeOne(ctx context.Context, token string, d Disposable) (err error) {
	defer recoverInto(c.logger, "dispose "+token, &err)
	return d.Dispose(ctx)
}

// IsDisposed reports whether Dispose has been called.
func (c *Container) IsDisposed() bool {
	return c.disposed.Load()
}

// scopedResolver pins resolutions made by a factory to the factory's scope.
type scopedResolver struct {
	container *Container
	scopeID   string
}

func (r *scopedResolver) Resolve(ctx context.Context, token string) (any, error) {
	return r.container.resolve(ctx, token, r.scopeID)
}

func (r *scopedResolver) GetOptional(ctx context.Context, token string) (any, bool) {
	value, err := r.Resolve(ctx, token)
	if err != nil {
		return nil, false
	}
	return value, true
}

type containerContextKey string

const (
	resolutionPathKey containerContextKey = "resolution_path"
	scopeKey          containerContextKey = "scope"
)

// ContextWithScope attaches a scope id used by Resolve for scoped services.
func ContextWithScope(ctx context.Context, scopeID string) context.Context {
	return context.WithValue(ctx, scopeKey, scopeID)
}

func scopeFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(scopeKey).(string); ok {
		return id
	}
	return ""
}

func resolutionPath(ctx context.Context) []string {
	if path, ok := ctx.Value(resolutionPathKey).([]string); ok {
		return path
	}
	return nil
}

func withResolutionStep(ctx context.Context, token string) context.Context {
	path := resolutionPath(ctx)
	next := make([]string, len(path)+1)
	copy(next, path)
	next[len(path)] = token
	return context.WithValue(ctx, resolutionPathKey, next)
}
