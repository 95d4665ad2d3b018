// script_module.go: Lua script modules
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Lua globals a script module may define.
const (
	scriptInit        = "init"
	scriptCleanup     = "cleanup"
	scriptHealth      = "health"
	scriptExportState = "export_state"
	scriptImportState = "import_state"
	scriptOnMessage   = "on_message"
	scriptPause       = "pause"
	scriptResume      = "resume"
	scriptChannels    = "channels"
)

// ScriptModule is a module whose body is Lua code run in its sandbox.
//
// The body may define any of these global functions:
//
//	init()                 called once after load
//	cleanup()              called on unload
//	health()               "healthy" | "degraded" | "unhealthy", or {status=..., message=...}
//	export_state()         returns a table captured before a hot swap
//	import_state(state)    receives the captured (and migrated) state
//	on_message(msg)        receives bridge messages; a non-nil return answers a request
//	pause(), resume()
//	channels()             returns the channel names to subscribe to after init
//
// Missing functions are no-ops, so every capability is always present.
type ScriptModule struct {
	mc           *ModuleContext
	sandbox      Sandbox
	ownedSandbox bool
}

var (
	_ Initializable   = (*ScriptModule)(nil)
	_ Disposable      = (*ScriptModule)(nil)
	_ StateExportable = (*ScriptModule)(nil)
	_ StateImportable = (*ScriptModule)(nil)
	_ HealthCheckable = (*ScriptModule)(nil)
	_ Pausable        = (*ScriptModule)(nil)
	_ MessageHandler  = (*ScriptModule)(nil)
)

// ScriptModuleFactory returns a factory that runs code as a script module.
// With sandboxing disabled the module gets a private Lua sandbox granted all
// of its declared permissions.
func ScriptModuleFactory(code string) ModuleFactory {
	return func(ctx context.Context, mc *ModuleContext) (Module, error) {
		m := &ScriptModule{mc: mc, sandbox: mc.Sandbox}
		if m.sandbox == nil {
			var perms PermissionSet
			if mc.Security != nil {
				perms = mc.Security.Permissions
			}
			sb, err := NewLuaSandbox(mc.ModuleID, SandboxPolicy{Permissions: perms}, mc.Logger)
			if err != nil {
				return nil, err
			}
			m.sandbox = sb
			m.ownedSandbox = true
		}

		if err := m.sandbox.Run(ctx, code); err != nil {
			if m.ownedSandbox {
				_ = m.sandbox.Terminate()
			}
			return nil, err
		}
		return m, nil
	}
}

// Initialize implements Initializable and subscribes to the channels the
// script lists.
func (m *ScriptModule) Initialize(ctx context.Context) error {
	if _, _, err := m.sandbox.Call(ctx, scriptInit); err != nil {
		return err
	}

	result, found, err := m.sandbox.Call(ctx, scriptChannels)
	if err != nil || !found || m.mc.Bridge == nil {
		return err
	}
	for _, channel := range toStringList(result) {
		if _, err := m.mc.Bridge.Subscribe(ctx, channel, m.HandleMessage); err != nil && !HasErrorCode(err, ErrCodeAlreadySubscribed) {
			return err
		}
	}
	return nil
}

// Dispose implements Disposable.
func (m *ScriptModule) Dispose(ctx context.Context) error {
	_, _, err := m.sandbox.Call(ctx, scriptCleanup)
	if m.ownedSandbox {
		if termErr := m.sandbox.Terminate(); termErr != nil {
			err = errors.Join(err, termErr)
		}
	}
	return err
}

// Health implements HealthCheckable.
func (m *ScriptModule) Health(ctx context.Context) HealthStatus {
	result, found, err := m.sandbox.Call(ctx, scriptHealth)
	if err != nil {
		return HealthStatus{Status: StatusUnhealthy, Message: err.Error()}
	}
	if !found {
		return HealthStatus{Status: StatusHealthy, Message: "script has no health function"}
	}

	status := HealthStatus{Status: StatusUnknown}
	var state string
	switch v := result.(type) {
	case string:
		state = v
	case map[string]any:
		state, _ = v["status"].(string)
		status.Message, _ = v["message"].(string)
	}
	switch state {
	case "healthy":
		status.Status = StatusHealthy
	case "degraded":
		status.Status = StatusDegraded
	case "unhealthy":
		status.Status = StatusUnhealthy
	default:
		status.Status = StatusUnhealthy
		if status.Message == "" {
			status.Message = fmt.Sprintf("unrecognized health result %v", result)
		}
	}
	return status
}

// ExportState implements StateExportable.
func (m *ScriptModule) ExportState(ctx context.Context) (map[string]any, error) {
	result, found, err := m.sandbox.Call(ctx, scriptExportState)
	if err != nil || !found || result == nil {
		return nil, err
	}
	state, ok := result.(map[string]any)
	if !ok {
		return nil, NewSandboxExecutionError(m.mc.ModuleID, fmt.Errorf("export_state returned %T, want a table with string keys", result))
	}
	return state, nil
}

// ImportState implements StateImportable.
func (m *ScriptModule) ImportState(ctx context.Context, state map[string]any) error {
	_, _, err := m.sandbox.Call(ctx, scriptImportState, state)
	return err
}

// Pause implements Pausable.
func (m *ScriptModule) Pause(ctx context.Context) error {
	_, _, err := m.sandbox.Call(ctx, scriptPause)
	return err
}

// Resume implements Pausable.
func (m *ScriptModule) Resume(ctx context.Context) error {
	_, _, err := m.sandbox.Call(ctx, scriptResume)
	return err
}

// HandleMessage implements MessageHandler. For a REQUEST, a non-nil return
// value of on_message (or its error) is sent back as the response.
func (m *ScriptModule) HandleMessage(ctx context.Context, msg Message) error {
	result, found, err := m.sandbox.Call(ctx, scriptOnMessage, messageToMap(msg))
	if !found {
		return nil
	}
	if msg.Type == MessageRequest && msg.RequestID != "" && m.mc.Bridge != nil {
		if err != nil {
			return m.mc.Bridge.Respond(ctx, msg.RequestID, nil, err)
		}
		if result != nil {
			return m.mc.Bridge.Respond(ctx, msg.RequestID, result, nil)
		}
	}
	return err
}

func messageToMap(msg Message) map[string]any {
	out := map[string]any{
		"id":      msg.ID,
		"from":    msg.From,
		"channel": msg.Channel,
		"type":    string(msg.Type),
		"payload": msg.Payload,
	}
	if msg.To != "" {
		out["to"] = msg.To
	}
	if msg.RequestID != "" {
		out["request_id"] = msg.RequestID
	}
	return out
}

func toStringList(v any) []string {
	var out []string
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		if list != "" {
			out = append(out, list)
		}
	case map[string]any:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		sort.Strings(out)
	}
	return out
}
