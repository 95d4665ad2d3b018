// events.go: lifecycle event bus built on CloudEvents
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Lifecycle event types emitted by the engines.
const (
	EventModuleLoading     = "module:loading"
	EventModuleLoaded      = "module:loaded"
	EventModuleActive      = "module:active"
	EventModuleError       = "module:error"
	EventModuleUnloading   = "module:unloading"
	EventModuleUnloaded    = "module:unloaded"
	EventModuleHotSwapping = "module:hot-swapping"
	EventModuleHotSwapped  = "module:hot-swapped"
	EventModulePaused      = "module:paused"
	EventModuleResumed     = "module:resumed"

	EventSecurityViolation     = "security:violation"
	EventSecurityModuleTrusted = "security:module-trusted"
	EventSecurityModuleBanned  = "security:module-banned"

	// EventModuleLoadError carries the module path and the failure cause.
	EventModuleLoadError = "module:load-error"
	EventSwapPhase       = "swap:phase"
	EventConfigReloaded  = "config:reloaded"
)

// eventSource is the CloudEvents source attribute of every event.
const eventSource = "hotmod"

// moduleIDExtension names the CloudEvents extension holding the module id.
const moduleIDExtension = "moduleid"

// LifecycleEvent is the data payload of every emitted event.
type LifecycleEvent struct {
	ModuleID  string         `json:"moduleId"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Observer receives lifecycle events.
type Observer interface {
	// OnEvent is called synchronously, in registration order.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID identifies the observer for unregistration and logs.
	ObserverID() string
}

// FunctionalObserver adapts a function to the Observer interface.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that calls handler for each event.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

type observerEntry struct {
	observer Observer
	types    map[string]struct{} // empty means all types
}

// EventBus fans lifecycle events out to registered observers. It is injected
// into every engine at construction so no engine keeps a global listener list.
type EventBus struct {
	mu        sync.RWMutex
	observers []observerEntry
	logger    Logger

	emitted atomic.Int64
	failed  atomic.Int64
}

// NewEventBus creates an empty event bus.
func NewEventBus(logger Logger) *EventBus {
	return &EventBus{logger: NewLogger(logger)}
}

// Register adds an observer. With no eventTypes the observer receives every event.
// Registering an id twice replaces the previous registration.
func (b *EventBus) Register(observer Observer, eventTypes ...string) {
	entry := observerEntry{observer: observer, types: make(map[string]struct{}, len(eventTypes))}
	for _, t := range eventTypes {
		entry.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.observers {
		if existing.observer.ObserverID() == observer.ObserverID() {
			b.observers[i] = entry
			return
		}
	}
	b.observers = append(b.observers, entry)
}

// Unregister removes the observer with the given id.
func (b *EventBus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.observers {
		if existing.observer.ObserverID() == id {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// Emit builds a CloudEvent and delivers it to every interested observer.
// Observer errors and panics are logged and never reach the emitting engine.
func (b *EventBus) Emit(ctx context.Context, eventType, moduleID string, details map[string]any) {
	if b == nil {
		return
	}

	event := NewLifecycleCloudEvent(eventType, moduleID, details)
	b.emitted.Add(1)

	b.mu.RLock()
	targets := make([]Observer, 0, len(b.observers))
	for _, entry := range b.observers {
		if len(entry.types) > 0 {
			if _, ok := entry.types[eventType]; !ok {
				continue
			}
		}
		targets = append(targets, entry.observer)
	}
	b.mu.RUnlock()

	for _, observer := range targets {
		b.deliver(ctx, observer, event)
	}
}

func (b *EventBus) deliver(ctx context.Context, observer Observer, event cloudevents.Event) {
	var err error
	func() {
		defer recoverInto(b.logger, "event observer", &err)
		err = observer.OnEvent(ctx, event)
	}()
	if err != nil {
		b.failed.Add(1)
		b.logger.Warn("Event observer failed",
			"observer", observer.ObserverID(),
			"event_type", event.Type(),
			"error", err)
	}
}

// Stats returns the number of emitted events and failed deliveries.
func (b *EventBus) Stats() (emitted, failed int64) {
	return b.emitted.Load(), b.failed.Load()
}

// NewLifecycleCloudEvent builds the CloudEvent for a lifecycle notification.
func NewLifecycleCloudEvent(eventType, moduleID string, details map[string]any) cloudevents.Event {
	now := timecache.CachedTime()

	event := cloudevents.NewEvent()
	event.SetID(generateID())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetTime(now)
	event.SetSpecVersion(cloudevents.VersionV1)
	if moduleID != "" {
		event.SetSubject(moduleID)
		event.SetExtension(moduleIDExtension, moduleID)
	}

	_ = event.SetData(cloudevents.ApplicationJSON, LifecycleEvent{
		ModuleID:  moduleID,
		Timestamp: now,
		Details:   details,
	})
	return event
}

// DecodeLifecycleEvent extracts the payload of an event emitted by the runtime.
func DecodeLifecycleEvent(event cloudevents.Event) (LifecycleEvent, error) {
	var payload LifecycleEvent
	if err := event.DataAs(&payload); err != nil {
		return LifecycleEvent{}, NewInternalError("failed to decode lifecycle event", err)
	}
	return payload, nil
}

// generateID returns a time-ordered UUIDv7, falling back to v4.
func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
