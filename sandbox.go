// sandbox.go: sandbox contract and permission-gated host capabilities
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// Host capability names.
const (
	CapabilityFetch       = "fetch"
	CapabilityReadFile    = "read_file"
	CapabilitySetTimeout  = "set_timeout"
	CapabilitySetInterval = "set_interval"
	CapabilityClearTimer  = "clear_timer"
	CapabilityLog         = "log"
)

// maxFetchBody bounds the response body a sandboxed fetch reads.
const maxFetchBody = 4 << 20

// Sandbox is a restricted execution surface for one module.
//
// The default implementation (LuaSandbox) is soft isolation: it enforces
// the capability policy for well-behaved code running inside it but is not
// a security boundary against hostile Go code. Hard isolation (separate
// process, OS sandbox, WASM) plugs in through SandboxFactory.
type Sandbox interface {
	ModuleID() string

	// Capabilities lists the host capabilities installed, sorted.
	Capabilities() []string

	Fetch(ctx context.Context, target string) (*FetchResponse, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	SetTimeout(delay time.Duration, fn func()) (TimerID, error)
	SetInterval(interval time.Duration, fn func()) (TimerID, error)
	ClearTimer(id TimerID)

	// Run executes code in the sandbox.
	Run(ctx context.Context, code string) error

	// Call invokes a function defined by previously run code. A missing
	// function returns (nil, false, nil).
	Call(ctx context.Context, fn string, args ...any) (any, bool, error)

	// Terminate stops timers and releases the sandbox. Further use fails.
	Terminate() error
	Terminated() bool
}

// SandboxPolicy is the capability policy a sandbox enforces.
type SandboxPolicy struct {
	Permissions   PermissionSet
	AllowedPaths  []string
	MinTimerDelay time.Duration
	MaxTimerDelay time.Duration
	FetchTimeout  time.Duration

	// HTTPClient serves fetch; nil uses a client with FetchTimeout.
	HTTPClient *http.Client
}

// SandboxFactory creates the sandbox for a module.
type SandboxFactory func(moduleID string, policy SandboxPolicy, logger Logger) (Sandbox, error)

// TimerID identifies a sandbox timer.
type TimerID uint64

// FetchResponse is the result of a sandboxed fetch.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// hostCapabilities implements the Go side of the sandbox capabilities.
// Language bindings call into it; it owns policy checks and timers.
type hostCapabilities struct {
	moduleID string
	policy   SandboxPolicy
	logger   Logger
	client   *http.Client
	paths    []glob.Glob

	// onDenied records a capability denial with Module Security.
	onDenied func(moduleID, capability, detail string)

	mu         sync.Mutex
	timers     map[TimerID]*time.Timer
	tickers    map[TimerID]chan struct{}
	nextID     atomic.Uint64
	terminated atomic.Bool
	wg         sync.WaitGroup
}

func newHostCapabilities(moduleID string, policy SandboxPolicy, logger Logger) (*hostCapabilities, error) {
	paths := make([]glob.Glob, 0, len(policy.AllowedPaths))
	for _, pattern := range policy.AllowedPaths {
		g, err := glob.Compile(filepath.ToSlash(pattern), '/')
		if err != nil {
			return nil, NewSandboxCreationError(moduleID, err)
		}
		paths = append(paths, g)
	}

	client := policy.HTTPClient
	if client == nil {
		timeout := policy.FetchTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &hostCapabilities{
		moduleID: moduleID,
		policy:   policy,
		logger:   NewLogger(logger).With("module_id", moduleID),
		client:   client,
		paths:    paths,
		timers:   make(map[TimerID]*time.Timer),
		tickers:  make(map[TimerID]chan struct{}),
	}, nil
}

func (h *hostCapabilities) capabilities() []string {
	caps := []string{CapabilityClearTimer, CapabilityLog, CapabilitySetInterval, CapabilitySetTimeout}
	if h.policy.Permissions.Has(PermissionNetwork) {
		caps = append(caps, CapabilityFetch)
	}
	if h.policy.Permissions.Has(PermissionFilesystem) {
		caps = append(caps, CapabilityReadFile)
	}
	sort.Strings(caps)
	return caps
}

func (h *hostCapabilities) deny(capability, detail string) error {
	if h.onDenied != nil {
		h.onDenied(h.moduleID, capability, detail)
	}
	h.logger.Warn("Sandbox capability denied", "capability", capability, "detail", detail)
	return NewPermissionDeniedError(h.moduleID, capability).WithContext("detail", detail)
}

func (h *hostCapabilities) fetch(ctx context.Context, target string) (*FetchResponse, error) {
	if h.terminated.Load() {
		return nil, NewSandboxTerminatedError(h.moduleID)
	}
	if !h.policy.Permissions.Has(PermissionNetwork) {
		return nil, h.deny(CapabilityFetch, "network permission not granted")
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, h.deny(CapabilityFetch, "invalid url")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, h.deny(CapabilityFetch, "only https targets are allowed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, NewSandboxExecutionError(h.moduleID, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, NewSandboxExecutionError(h.moduleID, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			h.logger.Debug("Failed to close fetch body", "error", cerr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, NewSandboxExecutionError(h.moduleID, err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &FetchResponse{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

func (h *hostCapabilities) readFile(_ context.Context, path string) ([]byte, error) {
	if h.terminated.Load() {
		return nil, NewSandboxTerminatedError(h.moduleID)
	}
	if !h.policy.Permissions.Has(PermissionFilesystem) {
		return nil, h.deny(CapabilityReadFile, "filesystem permission not granted")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, h.deny(CapabilityReadFile, "invalid path")
	}
	abs = filepath.Clean(abs)
	if !h.pathAllowed(abs) {
		return nil, h.deny(CapabilityReadFile, "path outside allow-list: "+abs)
	}
	data, err := os.ReadFile(abs) // #nosec G304 -- path is checked against the sandbox allow-list
	if err != nil {
		return nil, NewSandboxExecutionError(h.moduleID, err)
	}
	return data, nil
}

func (h *hostCapabilities) pathAllowed(abs string) bool {
	slashed := filepath.ToSlash(abs)
	for _, g := range h.paths {
		if g.Match(slashed) {
			return true
		}
	}
	return false
}

func (h *hostCapabilities) checkDelay(capability string, delay time.Duration) error {
	if delay < h.policy.MinTimerDelay || (h.policy.MaxTimerDelay > 0 && delay > h.policy.MaxTimerDelay) {
		return h.deny(capability, "delay "+delay.String()+" outside allowed band")
	}
	return nil
}

func (h *hostCapabilities) setTimeout(delay time.Duration, fn func()) (TimerID, error) {
	if h.terminated.Load() {
		return 0, NewSandboxTerminatedError(h.moduleID)
	}
	if err := h.checkDelay(CapabilitySetTimeout, delay); err != nil {
		return 0, err
	}

	id := TimerID(h.nextID.Add(1))
	h.mu.Lock()
	h.timers[id] = time.AfterFunc(delay, func() {
		h.mu.Lock()
		_, live := h.timers[id]
		delete(h.timers, id)
		h.mu.Unlock()
		if !live || h.terminated.Load() {
			return
		}
		defer withStackRecover(h.logger)()
		fn()
	})
	h.mu.Unlock()
	return id, nil
}

func (h *hostCapabilities) setInterval(interval time.Duration, fn func()) (TimerID, error) {
	if h.terminated.Load() {
		return 0, NewSandboxTerminatedError(h.moduleID)
	}
	if err := h.checkDelay(CapabilitySetInterval, interval); err != nil {
		return 0, err
	}

	id := TimerID(h.nextID.Add(1))
	stop := make(chan struct{})
	h.mu.Lock()
	h.tickers[id] = stop
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if h.terminated.Load() {
					return
				}
				func() {
					defer withStackRecover(h.logger)()
					fn()
				}()
			}
		}
	}()
	return id, nil
}

func (h *hostCapabilities) clearTimer(id TimerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[id]; ok {
		t.Stop()
		delete(h.timers, id)
	}
	if stop, ok := h.tickers[id]; ok {
		close(stop)
		delete(h.tickers, id)
	}
}

// stopTimers cancels every timer and waits for interval goroutines to exit.
func (h *hostCapabilities) stopTimers() {
	h.terminated.Store(true)
	h.mu.Lock()
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
	for id, stop := range h.tickers {
		close(stop)
		delete(h.tickers, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
