// Package hotmod provides a modular plugin runtime for Go applications. It
// discovers, loads, wires, isolates, monitors and hot-swaps independently
// versioned modules at run time without restarting the host process.
//
// The runtime is built from five cooperating engines composed by a single
// façade, the ModularEngine:
//   - Container: dependency injection with singleton, transient and scoped
//     lifetimes, child containers and registration-time cycle detection
//   - PluginEngine: module lifecycle state machine and dependency resolution
//   - ModuleSecurity: validation pipeline, trust and ban lists, permission
//     gated sandboxes and runtime resource monitoring
//   - Bridge: inter-module channels with broadcast, direct messaging and
//     request/response with timeouts
//   - HotSwapManager: checkpointed hot-swap with automatic rollback
//
// Basic Usage:
//
//	engine, err := hotmod.NewModularEngine(hotmod.DefaultEngineConfig(),
//		hotmod.WithLogger(hotmod.NewZapLogger(zapLogger)))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Shutdown(ctx)
//
//	result := engine.LoadModule(ctx, hotmod.ModuleSpec{
//		ID:      "greeter",
//		Name:    "Greeter",
//		Version: "1.0.0",
//		Factory: newGreeter,
//	})
//	if !result.Success {
//		log.Printf("load failed: %s (%s)", result.Error, result.Code)
//	}
//
// Modules expose optional behaviour through capability interfaces
// (Initializable, Disposable, StateExportable, StateImportable,
// HealthCheckable, Pausable, MessageHandler) which are detected once at load
// time. A spec that carries Lua source instead of a Factory runs as a
// ScriptModule inside its sandbox.
//
// Operations:
// Module health is mirrored into a standard gRPC health service
// (HealthServer), metrics go through a MetricsCollector (in memory or
// prometheus), and WatchConfig reloads the security configuration from a
// JSON, YAML or TOML file while the engine runs.
//
// Security:
// Sandboxes created by ModuleSecurity are a policy enforcement layer for
// well-behaved code, not a hard isolation boundary. Hosts that need process
// or OS level isolation plug their own SandboxFactory into the engine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package hotmod
