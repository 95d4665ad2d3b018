// discovery.go: filesystem discovery of module manifests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// DiscoveryResult is one manifest found on disk.
type DiscoveryResult struct {
	Manifest     *ModuleManifest  `json:"manifest"`
	Descriptor   ModuleDescriptor `json:"descriptor"`
	Path         string           `json:"path"`
	DiscoveredAt time.Time        `json:"discovered_at"`
}

// DiscoveryEngine scans directories for module manifests.
//
// Invalid manifests are logged and skipped; they never abort a scan.
//
// Example:
//
//	engine := NewDiscoveryEngine(DefaultDiscoveryConfig(), logger)
//	results, err := engine.Discover(ctx, []string{"/opt/modules"})
//	for _, r := range results {
//	    fmt.Printf("Found module: %s v%s at %s\n", r.Descriptor.ID, r.Descriptor.Version, r.Path)
//	}
type DiscoveryEngine struct {
	config DiscoveryConfig
	logger Logger

	mu         sync.RWMutex
	discovered map[string]*DiscoveryResult
}

// NewDiscoveryEngine creates a discovery engine. Missing patterns and depth
// fall back to DefaultDiscoveryConfig.
func NewDiscoveryEngine(config DiscoveryConfig, logger Logger) *DiscoveryEngine {
	defaults := DefaultDiscoveryConfig()
	if len(config.FilePatterns) == 0 {
		config.FilePatterns = defaults.FilePatterns
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = defaults.MaxDepth
	}
	return &DiscoveryEngine{
		config:     config,
		logger:     NewLogger(logger),
		discovered: make(map[string]*DiscoveryResult),
	}
}

// Discover scans paths (or the configured search paths when empty) and
// returns the valid manifests found, sorted by module id. When two manifests
// declare the same id, the first one found wins.
func (d *DiscoveryEngine) Discover(ctx context.Context, paths []string) ([]*DiscoveryResult, error) {
	if len(paths) == 0 {
		paths = d.config.SearchPaths
	}
	d.logger.Info("Starting module discovery", "search_paths", paths)

	results := make(map[string]*DiscoveryResult)
	for _, searchPath := range paths {
		abs, err := filepath.Abs(searchPath)
		if err != nil {
			d.logger.Error("Invalid search path", "path", searchPath, "error", err)
			continue
		}
		if err := d.scanDirectory(ctx, abs, 0, results); err != nil {
			if ctx.Err() != nil {
				return nil, NewDiscoveryError("discovery cancelled", ctx.Err())
			}
			d.logger.Error("Failed to scan directory", "path", abs, "error", err)
		}
	}

	d.mu.Lock()
	for id, r := range results {
		d.discovered[id] = r
	}
	d.mu.Unlock()

	out := make([]*DiscoveryResult, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })

	d.logger.Info("Module discovery completed", "modules_found", len(out))
	return out, nil
}

func (d *DiscoveryEngine) scanDirectory(ctx context.Context, path string, depth int, results map[string]*DiscoveryResult) error {
	if depth > d.config.MaxDepth {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return NewDiscoveryError(fmt.Sprintf("failed to read directory %s", path), err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		fullPath := filepath.Join(path, entry.Name())
		if err := d.processEntry(ctx, entry, fullPath, depth, results); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("Skipping module manifest", "path", fullPath, "error", err)
		}
	}
	return nil
}

func (d *DiscoveryEngine) processEntry(ctx context.Context, entry os.DirEntry, fullPath string, depth int, results map[string]*DiscoveryResult) error {
	if entry.Type()&os.ModeSymlink != 0 {
		if !d.config.FollowSymlinks {
			return nil
		}
		info, err := os.Stat(fullPath)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return d.scanDirectory(ctx, fullPath, depth+1, results)
		}
	} else if entry.IsDir() {
		return d.scanDirectory(ctx, fullPath, depth+1, results)
	}

	if !d.matchesPattern(entry.Name()) {
		return nil
	}

	manifest, err := LoadManifest(fullPath)
	if err != nil {
		return err
	}

	id := manifest.ModuleID()
	if existing, dup := results[id]; dup {
		d.logger.Warn("Duplicate module id in discovery",
			"module_id", id, "kept", existing.Path, "ignored", fullPath)
		return nil
	}

	results[id] = &DiscoveryResult{
		Manifest:     manifest,
		Descriptor:   manifest.Descriptor(),
		Path:         fullPath,
		DiscoveredAt: timecache.CachedTime(),
	}
	d.logger.Debug("Discovered module",
		"module_id", id,
		"version", manifest.Version,
		"path", fullPath)
	return nil
}

func (d *DiscoveryEngine) matchesPattern(filename string) bool {
	for _, pattern := range d.config.FilePatterns {
		if matched, err := filepath.Match(pattern, filename); err == nil && matched {
			return true
		}
	}
	return false
}

// Discovered returns every result seen so far, keyed by module id.
func (d *DiscoveryEngine) Discovered() map[string]*DiscoveryResult {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*DiscoveryResult, len(d.discovered))
	for id, r := range d.discovered {
		out[id] = r
	}
	return out
}

// Forget drops cached results.
func (d *DiscoveryEngine) Forget() {
	d.mu.Lock()
	d.discovered = make(map[string]*DiscoveryResult)
	d.mu.Unlock()
}
