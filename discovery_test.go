// discovery_test.go: manifest discovery on disk
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryEngine_FindsValidManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "billing", "module.yaml"), billingManifestYAML)
	writeFile(t, filepath.Join(dir, "ledger", "module.json"), `{"name":"ledger","version":"1.3.0"}`)
	writeFile(t, filepath.Join(dir, "broken", "module.yaml"), "version: 1.0.0\n")
	writeFile(t, filepath.Join(dir, "notes", "README.md"), "# not a manifest")

	logger := NewTestLogger()
	d := NewDiscoveryEngine(DiscoveryConfig{}, logger)
	results, err := d.Discover(context.Background(), []string{dir})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "billing", results[0].Descriptor.ID)
	assert.Equal(t, "ledger", results[1].Descriptor.ID)
	assert.Equal(t, StateDiscovered, results[1].Descriptor.State)
	assert.False(t, results[0].DiscoveredAt.IsZero())
	assert.True(t, logger.HasMessage("WARN", "Skipping module manifest"))

	assert.Len(t, d.Discovered(), 2)
	d.Forget()
	assert.Empty(t, d.Discovered())
}

func TestDiscoveryEngine_DuplicateIDsKeepFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "module.yaml"), "name: cache\nversion: 1.0.0\n")
	writeFile(t, filepath.Join(dir, "b", "module.yaml"), "name: cache\nversion: 2.0.0\n")

	logger := NewTestLogger()
	results, err := NewDiscoveryEngine(DiscoveryConfig{}, logger).Discover(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1.0.0", results[0].Descriptor.Version, "directory entries are read in name order")
	assert.True(t, logger.HasMessage("WARN", "Duplicate module id in discovery"))
}

func TestDiscoveryEngine_MaxDepth(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shallow", "module.yaml"), "name: shallow\nversion: 1.0.0\n")
	writeFile(t, filepath.Join(dir, "a", "b", "c", "deep", "module.yaml"), "name: deep\nversion: 1.0.0\n")

	results, err := NewDiscoveryEngine(DiscoveryConfig{MaxDepth: 1}, nil).Discover(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "shallow", results[0].Descriptor.ID)
}

func TestDiscoveryEngine_Symlinks(t *testing.T) {
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "linked", "module.yaml"), "name: linked\nversion: 1.0.0\n")

	dir := t.TempDir()
	if err := os.Symlink(filepath.Join(target, "linked"), filepath.Join(dir, "linked")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	results, err := NewDiscoveryEngine(DiscoveryConfig{}, nil).Discover(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = NewDiscoveryEngine(DiscoveryConfig{FollowSymlinks: true}, nil).Discover(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "linked", results[0].Descriptor.ID)
}

func TestDiscoveryEngine_SearchPathsAndCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x", "module.yaml"), "name: x\nversion: 1.0.0\n")

	d := NewDiscoveryEngine(DiscoveryConfig{SearchPaths: []string{dir}}, nil)
	results, err := d.Discover(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Discover(ctx, []string{dir})
	assert.True(t, HasErrorCode(err, ErrCodeDiscoveryFailed))

	results, err = d.Discover(context.Background(), []string{filepath.Join(dir, "missing")})
	require.NoError(t, err, "unreadable paths are logged, not fatal")
	assert.Empty(t, results)
}
