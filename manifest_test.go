// manifest_test.go: manifest parsing, validation and spec conversion
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agilira/argus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const billingManifestYAML = `name: billing
version: 1.4.0
description: invoices and payments
main: billing.lua
dependencies:
  ledger: ^1.2
  audit: "*"
permissions: [network, crypto]
provides: [billing.invoices]
metadata:
  team: payments
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestParseManifest_Formats(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		m, err := ParseManifest([]byte(billingManifestYAML), argus.FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, "billing", m.ModuleID())
		assert.Equal(t, "^1.2", m.Dependencies["ledger"])
		assert.Equal(t, []string{"network", "crypto"}, m.Permissions)
		assert.NoError(t, m.Validate())
	})

	t.Run("json", func(t *testing.T) {
		m, err := ParseManifest([]byte(`{"id":"ledger-v2","name":"ledger","version":"2.0.0"}`), argus.FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, "ledger-v2", m.ModuleID())
	})

	t.Run("other formats fall back to yaml", func(t *testing.T) {
		m, err := ParseManifest([]byte("name: raw\nversion: 0.1.0\n"), argus.FormatTOML)
		require.NoError(t, err)
		assert.Equal(t, "raw", m.Name)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseManifest([]byte("{not: [valid"), argus.FormatJSON)
		assert.Error(t, err)
	})
}

func TestModuleManifest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		manifest ModuleManifest
		wantErr  bool
	}{
		{"valid", ModuleManifest{Name: "a", Version: "1.0.0"}, false},
		{"missing name", ModuleManifest{Version: "1.0.0"}, true},
		{"missing version", ModuleManifest{Name: "a"}, true},
		{"bad version", ModuleManifest{Name: "a", Version: "one"}, true},
		{"traversal id", ModuleManifest{ID: "../etc", Name: "a", Version: "1.0.0"}, true},
		{"bad range", ModuleManifest{Name: "a", Version: "1.0.0", Dependencies: map[string]string{"b": "abc"}}, true},
		{"any range", ModuleManifest{Name: "a", Version: "1.0.0", Dependencies: map[string]string{"b": "*"}}, false},
		{"absolute main", ModuleManifest{Name: "a", Version: "1.0.0", Main: "/bin/sh"}, true},
		{"escaping main", ModuleManifest{Name: "a", Version: "1.0.0", Main: "../x.lua"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateModuleID(t *testing.T) {
	for _, id := range []string{"auth", "billing-v2", "org.example.cache", "m_1"} {
		assert.NoError(t, ValidateModuleID(id), id)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`, "a;rm", "$(id)", "a\x00b", "x|y"} {
		err := ValidateModuleID(id)
		assert.True(t, HasErrorCode(err, ErrCodeInvalidModuleID), "%q should be rejected", id)
	}
}

func TestLoadManifest_ToSpecReadsMain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "billing", "module.yaml")
	writeFile(t, path, billingManifestYAML)
	writeFile(t, filepath.Join(dir, "billing", "billing.lua"), "hotmod.log('hi')")

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(path), m.ManifestPath)

	spec, err := m.ToSpec()
	require.NoError(t, err)
	assert.Equal(t, "billing", spec.ID)
	assert.Equal(t, []string{"audit", "ledger"}, spec.Dependencies)
	assert.Equal(t, map[string]string{"ledger": "^1.2"}, spec.DependencyVersions)
	assert.Equal(t, "hotmod.log('hi')", spec.Code)
	assert.Equal(t, []string{"billing.invoices"}, spec.ProvidedServices)
	assert.Equal(t, "payments", spec.Metadata["team"])
	assert.Contains(t, spec.Source, "file://")

	desc := m.Descriptor()
	assert.Equal(t, StateDiscovered, desc.State)
	assert.Equal(t, []Permission{PermissionNetwork, PermissionCrypto}, desc.Permissions)
}

func TestLoadManifest_Errors(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, HasErrorCode(err, ErrCodeInvalidManifest))

	path := filepath.Join(t.TempDir(), "module.yaml")
	writeFile(t, path, "version: 1.0.0\n")
	_, err = LoadManifest(path)
	assert.True(t, HasErrorCode(err, ErrCodeInvalidManifest))
}

func TestCheckDependencyVersion(t *testing.T) {
	assert.NoError(t, checkDependencyVersion("m", "db", "^1.2", "1.5.0"))
	assert.NoError(t, checkDependencyVersion("m", "db", "", "0.0.1"))

	err := checkDependencyVersion("m", "db", "^1.2", "2.0.0")
	assert.True(t, HasErrorCode(err, ErrCodeDependencyVersionMismatch))

	err = checkDependencyVersion("m", "db", "^1.2", "not-a-version")
	assert.True(t, HasErrorCode(err, ErrCodeDependencyVersionMismatch))
}
