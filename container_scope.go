// container_scope.go: explicit lifecycle scopes for scoped services
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"sync"
)

type scopeState struct {
	id string

	mu        sync.Mutex
	instances map[string]*instanceRecord
	order     []*instanceRecord
}

func (s *scopeState) snapshot() []*instanceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*instanceRecord(nil), s.order...)
}

// EnterScope activates a scope on this container. Scoped services resolved
// with this scope id get one instance per token until ExitScope.
func (c *Container) EnterScope(scopeID string) error {
	if c.disposed.Load() {
		return NewContainerDisposedError()
	}
	if scopeID == "" {
		return NewValidationError("scope", "scope id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.scopes[scopeID]; exists {
		return NewScopeAlreadyActiveError(scopeID)
	}
	c.scopes[scopeID] = &scopeState{
		id:        scopeID,
		instances: make(map[string]*instanceRecord),
	}
	c.logger.Debug("Scope entered", "scope_id", scopeID)
	return nil
}

// ExitScope disposes the scope's instances in reverse creation order and
// deactivates it. Every disposal runs; failures are returned joined.
func (c *Container) ExitScope(ctx context.Context, scopeID string) error {
	c.mu.Lock()
	scope, exists := c.scopes[scopeID]
	if exists {
		delete(c.scopes, scopeID)
	}
	c.mu.Unlock()

	if !exists {
		return NewScopeNotActiveError("", scopeID)
	}

	records := scope.snapshot()
	err := c.disposeRecords(ctx, records)
	c.logger.Debug("Scope exited", "scope_id", scopeID, "instances", len(records))
	return err
}

// ActiveScopes returns the ids of scopes active on this container.
func (c *Container) ActiveScopes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.scopes))
	for id := range c.scopes {
		ids = append(ids, id)
	}
	return ids
}

// findScope looks the scope up on this container and its ancestors.
func (c *Container) findScope(scopeID string) (*scopeState, *Container) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		scope, ok := cur.scopes[scopeID]
		cur.mu.RUnlock()
		if ok {
			return scope, cur
		}
	}
	return nil, nil
}

func (c *Container) resolveScopedInstance(ctx context.Context, def *ServiceDefinition, scopeID string) (any, error) {
	if scopeID == "" {
		return nil, NewScopeNotActiveError(def.Token, scopeID)
	}
	scope, owner := c.findScope(scopeID)
	if scope == nil {
		return nil, NewScopeNotActiveError(def.Token, scopeID)
	}

	scope.mu.Lock()
	rec, ok := scope.instances[def.Token]
	scope.mu.Unlock()
	if ok {
		return rec.value, nil
	}

	value, err, _ := owner.group.Do(scopeID+"\x00"+def.Token, func() (any, error) {
		scope.mu.Lock()
		rec, ok := scope.instances[def.Token]
		scope.mu.Unlock()
		if ok {
			return rec.value, nil
		}

		instance, err := c.construct(ctx, def, scopeID)
		if err != nil {
			return nil, err
		}

		rec = owner.newRecord(def, scopeID, instance)
		scope.mu.Lock()
		scope.instances[def.Token] = rec
		scope.order = append(scope.order, rec)
		scope.mu.Unlock()
		return instance, nil
	})
	return value, err
}
