// sandbox_lua.go: gopher-lua sandbox with permission-gated host functions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

type luaLibrary struct {
	name string
	fn   lua.LGFunction
}

// Only base, table, string and math are opened; os, io, debug and package
// never are.
var luaSafeLibraries = []luaLibrary{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// Base functions that reach the filesystem or compile code at run time.
var luaUnsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load", "require"}

// LuaSandbox runs module code in a restricted Lua state. Host functions are
// installed as globals only for granted permissions:
//
//	fetch(url)                 network permission, https only
//	read_file(path)            filesystem permission, allow-listed paths only
//	set_timeout(fn, ms)        always, delay within the configured band
//	set_interval(fn, ms)       always, interval within the configured band
//	clear_timer(id), log(level, msg)
//
// Host functions follow the Lua convention of returning nil plus an error
// message on failure.
type LuaSandbox struct {
	host   *hostCapabilities
	logger Logger

	mu     sync.Mutex
	state  *lua.LState
	closed bool
}

// DefaultSandboxFactory creates LuaSandbox instances.
func DefaultSandboxFactory(moduleID string, policy SandboxPolicy, logger Logger) (Sandbox, error) {
	sb, err := NewLuaSandbox(moduleID, policy, logger)
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// NewLuaSandbox creates a sandbox for moduleID under policy.
func NewLuaSandbox(moduleID string, policy SandboxPolicy, logger Logger) (*LuaSandbox, error) {
	host, err := newHostCapabilities(moduleID, policy, logger)
	if err != nil {
		return nil, err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range luaSafeLibraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, NewSandboxCreationError(moduleID, fmt.Errorf("open library %s: %w", lib.name, err))
		}
	}
	for _, fn := range luaUnsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	sb := &LuaSandbox{host: host, logger: host.logger, state: L}
	sb.installHostFunctions()
	return sb, nil
}

func (s *LuaSandbox) installHostFunctions() {
	L := s.state
	L.SetGlobal(CapabilityLog, L.NewFunction(s.luaLog))
	L.SetGlobal(CapabilitySetTimeout, L.NewFunction(s.luaSetTimer(false)))
	L.SetGlobal(CapabilitySetInterval, L.NewFunction(s.luaSetTimer(true)))
	L.SetGlobal(CapabilityClearTimer, L.NewFunction(s.luaClearTimer))
	if s.host.policy.Permissions.Has(PermissionNetwork) {
		L.SetGlobal(CapabilityFetch, L.NewFunction(s.luaFetch))
	}
	if s.host.policy.Permissions.Has(PermissionFilesystem) {
		L.SetGlobal(CapabilityReadFile, L.NewFunction(s.luaReadFile))
	}
}

// ModuleID implements Sandbox.
func (s *LuaSandbox) ModuleID() string { return s.host.moduleID }

// Capabilities implements Sandbox.
func (s *LuaSandbox) Capabilities() []string { return s.host.capabilities() }

// Fetch implements Sandbox.
func (s *LuaSandbox) Fetch(ctx context.Context, target string) (*FetchResponse, error) {
	return s.host.fetch(ctx, target)
}

// ReadFile implements Sandbox.
func (s *LuaSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return s.host.readFile(ctx, path)
}

// SetTimeout implements Sandbox.
func (s *LuaSandbox) SetTimeout(delay time.Duration, fn func()) (TimerID, error) {
	return s.host.setTimeout(delay, fn)
}

// SetInterval implements Sandbox.
func (s *LuaSandbox) SetInterval(interval time.Duration, fn func()) (TimerID, error) {
	return s.host.setInterval(interval, fn)
}

// ClearTimer implements Sandbox.
func (s *LuaSandbox) ClearTimer(id TimerID) { s.host.clearTimer(id) }

// Run implements Sandbox.
func (s *LuaSandbox) Run(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewSandboxTerminatedError(s.host.moduleID)
	}

	s.state.SetContext(ctx)
	defer s.state.RemoveContext()

	if err := s.state.DoString(code); err != nil {
		return NewSandboxExecutionError(s.host.moduleID, err)
	}
	return nil
}

// Call implements Sandbox.
func (s *LuaSandbox) Call(ctx context.Context, name string, args ...any) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, NewSandboxTerminatedError(s.host.moduleID)
	}

	fn := s.state.GetGlobal(name)
	if fn.Type() == lua.LTNil {
		return nil, false, nil
	}
	if fn.Type() != lua.LTFunction {
		return nil, true, NewSandboxExecutionError(s.host.moduleID, fmt.Errorf("global %s is a %s, not a function", name, fn.Type()))
	}

	s.state.SetContext(ctx)
	defer s.state.RemoveContext()

	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = toLuaValue(s.state, arg)
	}
	if err := s.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...); err != nil {
		return nil, true, NewSandboxExecutionError(s.host.moduleID, err)
	}
	ret := s.state.Get(-1)
	s.state.Pop(1)
	return fromLuaValue(ret), true, nil
}

// Terminate implements Sandbox.
func (s *LuaSandbox) Terminate() error {
	s.host.stopTimers()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.state.Close()
	s.logger.Debug("Sandbox terminated")
	return nil
}

// Terminated implements Sandbox.
func (s *LuaSandbox) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// invokeCallback runs a Lua timer callback under the state lock.
func (s *LuaSandbox) invokeCallback(fn *lua.LFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		s.logger.Warn("Sandbox timer callback failed", "error", err)
	}
}

func (s *LuaSandbox) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.OptString(2, "")
	switch level {
	case "debug":
		s.logger.Debug(msg, "source", "sandbox")
	case "warn":
		s.logger.Warn(msg, "source", "sandbox")
	case "error":
		s.logger.Error(msg, "source", "sandbox")
	default:
		s.logger.Info(msg, "source", "sandbox")
	}
	return 0
}

func (s *LuaSandbox) luaSetTimer(repeat bool) lua.LGFunction {
	return func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		delay := time.Duration(L.CheckNumber(2) * lua.LNumber(time.Millisecond))

		callback := func() { s.invokeCallback(fn) }
		var (
			id  TimerID
			err error
		)
		if repeat {
			id, err = s.host.setInterval(delay, callback)
		} else {
			id, err = s.host.setTimeout(delay, callback)
		}
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LNumber(id))
		return 1
	}
}

func (s *LuaSandbox) luaClearTimer(L *lua.LState) int {
	s.host.clearTimer(TimerID(L.CheckInt64(1)))
	return 0
}

func (s *LuaSandbox) luaFetch(L *lua.LState) int {
	target := L.CheckString(1)
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := s.host.fetch(ctx, target)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	t := L.NewTable()
	L.SetField(t, "status", lua.LNumber(resp.Status))
	L.SetField(t, "body", lua.LString(resp.Body))
	headers := L.NewTable()
	for k, v := range resp.Headers {
		L.SetField(headers, k, lua.LString(v))
	}
	L.SetField(t, "headers", headers)
	L.Push(t)
	return 1
}

func (s *LuaSandbox) luaReadFile(L *lua.LState) int {
	path := L.CheckString(1)
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := s.host.readFile(ctx, path)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

// toLuaValue converts JSON-like Go values to Lua values.
func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLuaValue(L, item))
		}
		return t
	case []string:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLuaValue(L, val[k]))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// fromLuaValue converts Lua values to JSON-like Go values. Tables with only
// consecutive integer keys from 1 become slices; other tables become maps.
func fromLuaValue(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.MaxN()
		isArray := n > 0
		if isArray {
			count := 0
			val.ForEach(func(_, _ lua.LValue) { count++ })
			isArray = count == n
		}
		if isArray {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLuaValue(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLuaValue(item)
		})
		return out
	default:
		return val.String()
	}
}
