// manifest.go: module manifest parsing and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// ModuleManifest is the on-disk description of a module.
//
// Example (module.yaml):
//
//	name: billing
//	version: 1.4.0
//	main: billing.lua
//	dependencies:
//	  ledger: ^1.2
//	permissions: [network]
//	provides: [billing.invoices]
type ModuleManifest struct {
	// ID defaults to Name.
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Main        string `json:"main,omitempty" yaml:"main,omitempty"`
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`

	// Dependencies maps module ids to semver ranges ("*" or "" accepts any version).
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	Permissions     []string          `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Provides        []string          `json:"provides,omitempty" yaml:"provides,omitempty"`
	BreakingChanges []string          `json:"breaking_changes,omitempty" yaml:"breaking_changes,omitempty"`
	Signature       string            `json:"signature,omitempty" yaml:"signature,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// ManifestPath is set when the manifest was read from disk.
	ManifestPath string `json:"-" yaml:"-"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*ModuleManifest, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 -- manifest paths come from configured search paths
	if err != nil {
		return nil, NewInvalidManifestError(cleanPath, err)
	}

	manifest, err := ParseManifest(data, argus.DetectFormat(cleanPath))
	if err != nil {
		return nil, NewInvalidManifestError(cleanPath, err)
	}
	manifest.ManifestPath = cleanPath

	if err := manifest.Validate(); err != nil {
		return nil, NewInvalidManifestError(cleanPath, err)
	}
	return manifest, nil
}

// ParseManifest decodes a manifest. Unknown formats are tried as JSON, then YAML.
func ParseManifest(data []byte, format argus.ConfigFormat) (*ModuleManifest, error) {
	var manifest ModuleManifest
	switch format {
	case argus.FormatJSON:
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, err
		}
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &manifest); err != nil {
			if yerr := yaml.Unmarshal(data, &manifest); yerr != nil {
				return nil, fmt.Errorf("manifest is neither JSON nor YAML: %w", yerr)
			}
		}
	}
	return &manifest, nil
}

// ModuleID returns the id the module is registered under.
func (m *ModuleManifest) ModuleID() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Name
}

// Validate checks required fields, id safety, version syntax and dependency ranges.
func (m *ModuleManifest) Validate() error {
	if m.Name == "" {
		return NewValidationError("manifest", "name is required")
	}
	if m.Version == "" {
		return NewValidationError(m.Name, "version is required")
	}
	if err := ValidateModuleID(m.ModuleID()); err != nil {
		return err
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return NewValidationError(m.Name, "invalid version "+m.Version+": "+err.Error())
	}
	for dep, constraint := range m.Dependencies {
		if err := ValidateModuleID(dep); err != nil {
			return err
		}
		if isAnyVersion(constraint) {
			continue
		}
		if _, err := semver.NewConstraint(constraint); err != nil {
			return NewValidationError(m.Name, fmt.Sprintf("invalid version range %q for dependency %s", constraint, dep))
		}
	}
	if m.Main != "" && (filepath.IsAbs(m.Main) || strings.Contains(m.Main, "..")) {
		return NewValidationError(m.Name, "main must be a relative path inside the module directory")
	}
	return nil
}

// ToSpec converts the manifest to a ModuleSpec. When Main is set and the
// manifest was read from disk, the main file is read as the module code.
func (m *ModuleManifest) ToSpec() (ModuleSpec, error) {
	deps := make([]string, 0, len(m.Dependencies))
	versions := make(map[string]string)
	for dep, constraint := range m.Dependencies {
		deps = append(deps, dep)
		if !isAnyVersion(constraint) {
			versions[dep] = constraint
		}
	}
	sort.Strings(deps)

	spec := ModuleSpec{
		ID:                 m.ModuleID(),
		Name:               m.Name,
		Version:            m.Version,
		Description:        m.Description,
		Dependencies:       deps,
		DependencyVersions: versions,
		ProvidedServices:   append([]string(nil), m.Provides...),
		Permissions:        append([]string(nil), m.Permissions...),
		Source:             m.Source,
		Signature:          m.Signature,
		Path:               m.ManifestPath,
		Main:               m.Main,
		BreakingChanges:    append([]string(nil), m.BreakingChanges...),
		Metadata:           m.Metadata,
	}
	if spec.Source == "" && m.ManifestPath != "" {
		spec.Source = "file://" + filepath.ToSlash(filepath.Dir(m.ManifestPath))
	}

	if m.Main != "" && m.ManifestPath != "" {
		mainPath := filepath.Join(filepath.Dir(m.ManifestPath), m.Main)
		code, err := os.ReadFile(mainPath) // #nosec G304 -- Main is validated to stay inside the module directory
		if err != nil {
			return spec, NewInvalidManifestError(m.ManifestPath, err)
		}
		spec.Code = string(code)
	}
	return spec, nil
}

// Descriptor returns the DISCOVERED descriptor for this manifest.
func (m *ModuleManifest) Descriptor() ModuleDescriptor {
	deps := make([]string, 0, len(m.Dependencies))
	for dep := range m.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	perms := make([]Permission, 0, len(m.Permissions))
	for _, name := range m.Permissions {
		if p, ok := ParsePermission(name); ok {
			perms = append(perms, p)
		}
	}
	return ModuleDescriptor{
		ID:               m.ModuleID(),
		Name:             m.Name,
		Version:          m.Version,
		Dependencies:     deps,
		ProvidedServices: append([]string(nil), m.Provides...),
		Permissions:      perms,
		State:            StateDiscovered,
	}
}

func isAnyVersion(constraint string) bool {
	c := strings.TrimSpace(constraint)
	return c == "" || c == "*"
}

// ValidateModuleID rejects ids that could escape a directory or inject into a shell.
func ValidateModuleID(id string) error {
	if id == "" {
		return NewInvalidModuleIDError(id, "id is empty")
	}
	if strings.Contains(id, "..") {
		return NewInvalidModuleIDError(id, "path traversal sequence")
	}
	if strings.ContainsAny(id, `/\`) {
		return NewInvalidModuleIDError(id, "path separator")
	}
	for _, r := range id {
		if r < 32 || r == 127 {
			return NewInvalidModuleIDError(id, "control character")
		}
	}
	if strings.ContainsAny(id, "~|&;$`()[]{}<>") {
		return NewInvalidModuleIDError(id, "shell metacharacter")
	}
	return nil
}

// checkDependencyVersion verifies a loaded dependency's version against a range.
func checkDependencyVersion(moduleID, dep, constraint, actual string) error {
	if isAnyVersion(constraint) {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return NewValidationError(moduleID, fmt.Sprintf("invalid version range %q for dependency %s", constraint, dep))
	}
	v, err := semver.NewVersion(actual)
	if err != nil || !c.Check(v) {
		return NewDependencyVersionMismatchError(moduleID, dep, constraint, actual)
	}
	return nil
}
