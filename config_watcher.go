// config_watcher.go: hot reload of the engine configuration file
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigApplyFunc applies a reloaded configuration to running engines.
type ConfigApplyFunc func(ctx context.Context, config EngineConfig) error

// ConfigWatcherOptions tunes a ConfigWatcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration

	// ErrorHandler receives argus watch errors. Nil logs them.
	ErrorHandler func(err error, path string)
}

// DefaultConfigWatcherOptions polls every five seconds.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 5 * time.Second,
		CacheTTL:     2 * time.Second,
	}
}

// ConfigWatcher reloads an EngineConfig file through argus and hands every
// valid new version to an apply function. An invalid file keeps the previous
// configuration in effect.
//
//	watcher, _ := NewConfigWatcher("hotmod.yaml", apply, DefaultConfigWatcherOptions(), logger)
//	if err := watcher.Start(ctx); err != nil { ... }
//	defer watcher.Stop()
type ConfigWatcher struct {
	path    string
	options ConfigWatcherOptions
	apply   ConfigApplyFunc
	logger  Logger
	events  *EventBus

	mu      sync.Mutex
	watcher *argus.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	current  atomic.Pointer[EngineConfig]
	running  atomic.Bool
	stopped  atomic.Bool
	reloads  atomic.Int64
	failures atomic.Int64
}

// ConfigWatcherStats counts reload outcomes.
type ConfigWatcherStats struct {
	Running  bool  `json:"running"`
	Reloads  int64 `json:"reloads"`
	Failures int64 `json:"failures"`
}

// NewConfigWatcher creates a stopped watcher for path.
func NewConfigWatcher(path string, apply ConfigApplyFunc, options ConfigWatcherOptions, logger Logger) (*ConfigWatcher, error) {
	if path == "" {
		return nil, NewConfigWatcherError("config path cannot be empty", nil)
	}
	if apply == nil {
		return nil, NewConfigWatcherError("apply function cannot be nil", nil)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultConfigWatcherOptions().PollInterval
	}
	return &ConfigWatcher{
		path:    filepath.Clean(path),
		options: options,
		apply:   apply,
		logger:  NewLogger(logger),
	}, nil
}

// SetEventBus makes the watcher emit config:reloaded events.
func (w *ConfigWatcher) SetEventBus(bus *EventBus) { w.events = bus }

// Start loads and applies the file once, then watches it. A stopped watcher
// cannot be restarted.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	if w.stopped.Load() {
		return NewConfigWatcherError("config watcher has been stopped and cannot be restarted", nil)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", nil)
	}

	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := w.reload(w.ctx); err != nil {
		w.cancel()
		w.running.Store(false)
		return err
	}

	watcher := argus.New(argus.Config{
		PollInterval:         w.options.PollInterval,
		CacheTTL:             w.options.CacheTTL,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			if w.options.ErrorHandler != nil {
				w.options.ErrorHandler(err, path)
				return
			}
			w.logger.Error("Config file watching error", "error", err, "path", path)
		},
	})
	if err := watcher.Watch(w.path, w.handleChange); err != nil {
		w.cancel()
		w.running.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := watcher.Start(); err != nil {
		w.cancel()
		w.running.Store(false)
		return NewConfigWatcherError("failed to start argus watcher", err)
	}
	w.watcher = watcher

	w.logger.Info("Config watcher started", "path", w.path, "poll_interval", w.options.PollInterval)
	return nil
}

// Stop halts watching for good.
func (w *ConfigWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped.Store(true)
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	w.cancel()
	if w.watcher != nil {
		if err := w.watcher.Stop(); err != nil {
			return NewConfigWatcherError("failed to stop argus watcher", err)
		}
	}
	w.logger.Info("Config watcher stopped", "path", w.path)
	return nil
}

// IsRunning reports whether the file is being watched.
func (w *ConfigWatcher) IsRunning() bool { return w.running.Load() }

// Current returns the configuration last applied, nil before the first load.
func (w *ConfigWatcher) Current() *EngineConfig { return w.current.Load() }

// Reload reads and applies the file now.
func (w *ConfigWatcher) Reload(ctx context.Context) error {
	return w.reload(ctx)
}

// Stats returns reload counters.
func (w *ConfigWatcher) Stats() ConfigWatcherStats {
	return ConfigWatcherStats{
		Running:  w.running.Load(),
		Reloads:  w.reloads.Load(),
		Failures: w.failures.Load(),
	}
}

func (w *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("Config file deleted, keeping current configuration", "path", event.Path)
		return
	}
	w.logger.Debug("Config file change detected", "path", event.Path, "size", event.Size)
	if err := w.reload(w.ctx); err != nil {
		w.logger.Error("Config reload rejected, previous configuration stays in effect", "path", w.path, "error", err)
	}
}

func (w *ConfigWatcher) reload(ctx context.Context) error {
	config, err := LoadEngineConfig(w.path)
	if err != nil {
		w.failures.Add(1)
		return err
	}
	if err := w.apply(ctx, config); err != nil {
		w.failures.Add(1)
		return NewConfigWatcherError("failed to apply configuration", err)
	}

	w.current.Store(&config)
	w.reloads.Add(1)
	w.events.Emit(ctx, EventConfigReloaded, "", map[string]any{
		"path":   w.path,
		"reload": w.reloads.Load(),
	})
	w.logger.Info("Configuration applied", "path", w.path)
	return nil
}
