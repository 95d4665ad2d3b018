// script_module_test.go: Lua script module hooks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScriptModule(t *testing.T, code string) *ScriptModule {
	t.Helper()
	mc := &ModuleContext{ModuleID: "script", Logger: NewTestLogger()}
	m, err := ScriptModuleFactory(code)(context.Background(), mc)
	require.NoError(t, err)
	sm, ok := m.(*ScriptModule)
	require.True(t, ok)
	t.Cleanup(func() { _ = sm.Dispose(context.Background()) })
	return sm
}

func TestScriptModule_MissingHooksAreNoOps(t *testing.T) {
	ctx := context.Background()
	m := newScriptModule(t, `x = 1`)

	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Pause(ctx))
	require.NoError(t, m.Resume(ctx))

	state, err := m.ExportState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.NoError(t, m.ImportState(ctx, map[string]any{"a": 1}))
	assert.Equal(t, StatusHealthy, m.Health(ctx).Status)
	assert.NoError(t, m.HandleMessage(ctx, Message{Type: MessageBroadcast, Payload: "p"}))
}

func TestScriptModule_HealthResults(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		code    string
		want    HealthState
		message string
	}{
		{"string healthy", `function health() return "healthy" end`, StatusHealthy, ""},
		{"string degraded", `function health() return "degraded" end`, StatusDegraded, ""},
		{"table", `function health() return {status = "unhealthy", message = "db down"} end`, StatusUnhealthy, "db down"},
		{"unknown word", `function health() return "fine" end`, StatusUnhealthy, "unrecognized health result fine"},
		{"runtime error", `function health() error("boom") end`, StatusUnhealthy, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := newScriptModule(t, tt.code).Health(ctx)
			assert.Equal(t, tt.want, status.Status)
			if tt.message != "" {
				assert.Equal(t, tt.message, status.Message)
			}
		})
	}
}

func TestScriptModule_StateRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newScriptModule(t, `
		counter = 0
		function export_state() return {counter = counter, tags = {"a", "b"}} end
		function import_state(s) counter = s.counter + 10 end
	`)

	require.NoError(t, m.ImportState(ctx, map[string]any{"counter": 5}))
	state, err := m.ExportState(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(15), state["counter"])
	assert.Equal(t, []any{"a", "b"}, state["tags"])
}

func TestScriptModule_ExportStateMustBeTable(t *testing.T) {
	m := newScriptModule(t, `function export_state() return 42 end`)
	_, err := m.ExportState(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodeSandboxExecution))
}

func TestScriptModule_InitFailure(t *testing.T) {
	m := newScriptModule(t, `function init() error("not ready") end`)
	assert.Error(t, m.Initialize(context.Background()))
}

func TestScriptModule_SyntaxErrorFailsFactory(t *testing.T) {
	mc := &ModuleContext{ModuleID: "broken", Logger: NewTestLogger()}
	_, err := ScriptModuleFactory(`function (`)(context.Background(), mc)
	assert.Error(t, err)
}

func TestToStringList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, toStringList([]any{"a", "", 3.0, "b"}))
	assert.Equal(t, []string{"solo"}, toStringList("solo"))
	assert.Equal(t, []string{"x", "y"}, toStringList(map[string]any{"2": "y", "1": "x"}))
	assert.Nil(t, toStringList(nil))
}
