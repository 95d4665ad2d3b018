// module_state.go: module lifecycle states and the transition table
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import "strings"

// ModuleState is a module's lifecycle state.
type ModuleState int

const (
	StateDiscovered ModuleState = iota
	StateLoading
	StateLoaded
	StateInitializing
	StateActive
	StatePaused
	StateUnloading
	StateUnloaded
	StateError
)

var moduleStateNames = [...]string{
	StateDiscovered:   "DISCOVERED",
	StateLoading:      "LOADING",
	StateLoaded:       "LOADED",
	StateInitializing: "INITIALIZING",
	StateActive:       "ACTIVE",
	StatePaused:       "PAUSED",
	StateUnloading:    "UNLOADING",
	StateUnloaded:     "UNLOADED",
	StateError:        "ERROR",
}

// String returns the state name.
func (s ModuleState) String() string {
	if s < 0 || int(s) >= len(moduleStateNames) {
		return "UNKNOWN"
	}
	return moduleStateNames[s]
}

// MarshalText encodes the state by name.
func (s ModuleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseModuleState parses a state name, case-insensitively.
func ParseModuleState(name string) (ModuleState, bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range moduleStateNames {
		if n == upper {
			return ModuleState(i), true
		}
	}
	return StateError, false
}

// moduleTransitions lists the legal targets of each state. ERROR is reachable
// from every state and handled in CanTransitionTo.
var moduleTransitions = map[ModuleState][]ModuleState{
	StateDiscovered:   {StateLoading},
	StateLoading:      {StateLoaded},
	StateLoaded:       {StateInitializing, StateActive, StateUnloading},
	StateInitializing: {StateActive},
	StateActive:       {StatePaused, StateUnloading},
	StatePaused:       {StateActive, StateUnloading},
	StateUnloading:    {StateUnloaded},
	StateError:        {StateUnloading},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s ModuleState) CanTransitionTo(next ModuleState) bool {
	if next == StateError {
		return s != StateUnloaded
	}
	for _, allowed := range moduleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsLoaded reports whether a module in this state satisfies dependencies.
func (s ModuleState) IsLoaded() bool {
	switch s {
	case StateLoaded, StateInitializing, StateActive, StatePaused:
		return true
	default:
		return false
	}
}
