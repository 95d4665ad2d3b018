// types.go: shared enumerations and value types for the hotmod runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"sort"
	"strings"
	"time"
)

// Permission is a named capability grant a module must declare and be granted.
//
// The set is closed: ParsePermission rejects anything that is not one of the
// constants below, so unknown names are caught at the validation boundary.
type Permission string

const (
	PermissionNetwork     Permission = "network"
	PermissionFilesystem  Permission = "filesystem"
	PermissionProcess     Permission = "process"
	PermissionCrypto      Permission = "crypto"
	PermissionEnvironment Permission = "environment"
)

// AllPermissions returns every known permission in a stable order.
func AllPermissions() []Permission {
	return []Permission{
		PermissionNetwork,
		PermissionFilesystem,
		PermissionProcess,
		PermissionCrypto,
		PermissionEnvironment,
	}
}

// String returns the permission name.
func (p Permission) String() string {
	return string(p)
}

// IsValid reports whether p is one of the known permissions.
func (p Permission) IsValid() bool {
	switch p {
	case PermissionNetwork, PermissionFilesystem, PermissionProcess, PermissionCrypto, PermissionEnvironment:
		return true
	default:
		return false
	}
}

// IsDangerous reports whether holding p puts a module in the STRICT security level.
func (p Permission) IsDangerous() bool {
	return p == PermissionProcess || p == PermissionFilesystem
}

// ParsePermission converts a manifest permission name, case-insensitively.
func ParsePermission(name string) (Permission, bool) {
	p := Permission(strings.ToLower(strings.TrimSpace(name)))
	if !p.IsValid() {
		return "", false
	}
	return p, true
}

// PermissionSet is an immutable-by-convention set of granted permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from a list, ignoring duplicates.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// List returns the permissions sorted by name.
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TrustLevel is the coarse security classification of a module.
type TrustLevel int

const (
	TrustBanned TrustLevel = iota
	TrustDefault
	TrustModerate
	TrustStrict
	TrustTrusted
)

// String returns the string representation of the trust level.
func (t TrustLevel) String() string {
	switch t {
	case TrustBanned:
		return "banned"
	case TrustDefault:
		return "default"
	case TrustModerate:
		return "moderate"
	case TrustStrict:
		return "strict"
	case TrustTrusted:
		return "trusted"
	default:
		return "unknown"
	}
}

// ParseTrustLevel converts a configuration string to a TrustLevel.
func ParseTrustLevel(s string) (TrustLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "banned":
		return TrustBanned, true
	case "default", "":
		return TrustDefault, true
	case "moderate":
		return TrustModerate, true
	case "strict":
		return TrustStrict, true
	case "trusted":
		return TrustTrusted, true
	default:
		return TrustDefault, false
	}
}

// HealthState represents the operational status reported by a module.
//
//   - StatusUnknown: the module does not report health or was never checked
//   - StatusHealthy: fully operational
//   - StatusDegraded: operational with reduced capacity
//   - StatusUnhealthy: failing its health hook
//   - StatusOffline: not loaded, or failing beyond the configured limit
type HealthState int

const (
	StatusUnknown HealthState = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
	StatusOffline
)

// String returns the string representation of the health state.
func (s HealthState) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// IsServing reports whether a module in this state can handle work.
func (s HealthState) IsServing() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// HealthStatus is the result of a module health check.
type HealthStatus struct {
	ModuleID     string            `json:"module_id"`
	Status       HealthState       `json:"status"`
	Message      string            `json:"message,omitempty"`
	LastCheck    time.Time         `json:"last_check"`
	ResponseTime time.Duration     `json:"response_time"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
