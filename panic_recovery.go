// panic_recovery.go: panic recovery for module hooks, handlers and goroutines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"fmt"
	"runtime"
)

// RecoveryHandler defines the signature for panic recovery handlers.
type RecoveryHandler func(recovered interface{}, stack []byte)

// withStackRecover returns a panic recovery function that logs the panic
// together with the goroutine stack.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)

			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// recoverInto converts a panic raised by module code into an error stored in
// *errp. Module hooks, message handlers and factories run under it so a
// misbehaving module cannot take the host down.
//
//	func call() (err error) {
//	    defer recoverInto(logger, "init hook", &err)
//	    return module.Initialize(ctx)
//	}
func recoverInto(logger Logger, what string, errp *error) {
	if r := recover(); r != nil {
		buf := make([]byte, 64<<10)
		n := runtime.Stack(buf, false)

		logger.Error("Panic recovered in module code",
			"site", what,
			"panic", r,
			"stack", string(buf[:n]))

		*errp = NewInternalError(what+" panicked", fmt.Errorf("panic: %v", r))
	}
}

// SafeGo executes a function in a new goroutine with automatic panic recovery.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// SafeGoWithHandler executes a function in a new goroutine and hands any
// panic to handler instead of the logger.
func SafeGoWithHandler(handler RecoveryHandler, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 64<<10)
				n := runtime.Stack(buf, false)
				handler(r, buf[:n])
			}
		}()
		fn()
	}()
}
