// errors.go: structured error definitions for the hotmod runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	stderrors "errors"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the hotmod runtime
const (
	// Validation errors (2000-2099)
	ErrCodeValidation        = "VALIDATION_2001"
	ErrCodeInvalidScope      = "VALIDATION_2002"
	ErrCodeInvalidManifest   = "VALIDATION_2003"
	ErrCodeInvalidModuleID   = "VALIDATION_2004"
	ErrCodeUnknownPermission = "VALIDATION_2005"

	// Service container errors (2100-2199)
	ErrCodeCircularDependency   = "CONTAINER_2101"
	ErrCodeServiceNotFound      = "CONTAINER_2102"
	ErrCodeDuplicateService     = "CONTAINER_2103"
	ErrCodeScopeNotActive       = "CONTAINER_2104"
	ErrCodeResolutionReentrancy = "CONTAINER_2105"
	ErrCodeServiceConstruction  = "CONTAINER_2106"
	ErrCodeContainerDisposed    = "CONTAINER_2107"
	ErrCodeDisposalFailed       = "CONTAINER_2108"
	ErrCodeScopeAlreadyActive   = "CONTAINER_2109"

	// Module lifecycle errors (2200-2299)
	ErrCodeModuleNotFound            = "MODULE_2201"
	ErrCodeDependencyNotFound        = "MODULE_2202"
	ErrCodeAlreadyLoading            = "MODULE_2203"
	ErrCodeAlreadyLoaded             = "MODULE_2204"
	ErrCodeHasDependents             = "MODULE_2205"
	ErrCodeInvalidTransition         = "MODULE_2206"
	ErrCodeModuleInitFailed          = "MODULE_2207"
	ErrCodeModuleFactoryFailed       = "MODULE_2208"
	ErrCodeOperationInProgress       = "MODULE_2209"
	ErrCodeDependencyVersionMismatch = "MODULE_2210"
	ErrCodeModuleCleanupFailed       = "MODULE_2211"
	ErrCodeDiscoveryFailed           = "MODULE_2212"

	// Security errors (2300-2399)
	ErrCodeSecurityViolation = "SECURITY_2301"
	ErrCodeModuleBanned      = "SECURITY_2302"
	ErrCodeUntrustedSource   = "SECURITY_2303"
	ErrCodeDangerousPattern  = "SECURITY_2304"
	ErrCodeSignatureMissing  = "SECURITY_2305"
	ErrCodeSignatureMismatch = "SECURITY_2306"
	ErrCodeSandboxCreation   = "SECURITY_2307"
	ErrCodePermissionDenied  = "SECURITY_2308"
	ErrCodeSandboxTerminated = "SECURITY_2309"
	ErrCodeSandboxExecution  = "SECURITY_2310"
	ErrCodeAuditFailed       = "SECURITY_2311"

	// Bridge errors (2400-2499)
	ErrCodeRequestTimeout    = "BRIDGE_2401"
	ErrCodeDeliveryDenied    = "BRIDGE_2402"
	ErrCodeBridgeClosed      = "BRIDGE_2403"
	ErrCodeUnknownRequest    = "BRIDGE_2404"
	ErrCodeInvalidMessage    = "BRIDGE_2405"
	ErrCodeAlreadySubscribed = "BRIDGE_2406"
	ErrCodeRequestFailed     = "BRIDGE_2407"

	// Hot-swap errors (2500-2599)
	ErrCodeSwapValidationFailed = "SWAP_2501"
	ErrCodeHealthCheckFailed    = "SWAP_2502"
	ErrCodeRollbackFailed       = "SWAP_2503"
	ErrCodeCheckpointNotFound   = "SWAP_2504"
	ErrCodeStateMigrationFailed = "SWAP_2505"
	ErrCodeStateSnapshotFailed  = "SWAP_2506"
	ErrCodeDrainTimeout         = "SWAP_2507"

	// Configuration errors (2600-2699)
	ErrCodeConfigNotFound   = "CONFIG_2601"
	ErrCodeConfigParse      = "CONFIG_2602"
	ErrCodeConfigValidation = "CONFIG_2603"
	ErrCodeConfigWatcher    = "CONFIG_2604"

	// Internal errors (2900-2999)
	ErrCodeInternal     = "INTERNAL_2901"
	ErrCodeEngineClosed = "INTERNAL_2902"
)

// Validation errors

// NewValidationError reports a definition or module spec that failed a structural check.
func NewValidationError(subject, reason string) *errors.Error {
	return errors.New(ErrCodeValidation, "Validation failed").
		WithUserMessage("Validation failed for "+subject+": "+reason).
		WithContext("subject", subject).
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewInvalidScopeError(token string, scope ServiceScope) *errors.Error {
	return errors.New(ErrCodeInvalidScope, "Invalid service scope").
		WithUserMessage("Service scope is not valid").
		WithContext("token", token).
		WithContext("scope", string(scope)).
		WithSeverity("error")
}

func NewInvalidManifestError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInvalidManifest, "Invalid module manifest").
		WithUserMessage("The module manifest could not be parsed or is incomplete").
		WithContext("manifest_path", path).
		WithSeverity("error")
}

func NewInvalidModuleIDError(id, reason string) *errors.Error {
	return errors.New(ErrCodeInvalidModuleID, "Invalid module identifier").
		WithUserMessage("Module identifier is not valid: "+reason).
		WithContext("module_id", id).
		WithSeverity("error")
}

func NewUnknownPermissionError(moduleID, permission string) *errors.Error {
	return errors.New(ErrCodeUnknownPermission, "Unknown permission requested").
		WithUserMessage("Module requested a permission that does not exist: "+permission).
		WithContext("module_id", moduleID).
		WithContext("permission", permission).
		WithSeverity("error")
}

// Service container errors

// NewCircularDependencyError carries the full cycle path, e.g. "A -> B -> A".
func NewCircularDependencyError(path []string) *errors.Error {
	cycle := strings.Join(path, " -> ")
	return errors.New(ErrCodeCircularDependency, "Circular dependency detected: "+cycle).
		WithUserMessage("Service registration would create a dependency cycle").
		WithContext("cycle", cycle).
		WithContext("cycle_length", len(path)-1).
		WithSeverity("error")
}

func NewServiceNotFoundError(token string) *errors.Error {
	return errors.New(ErrCodeServiceNotFound, "Service not found").
		WithUserMessage("No service is registered for token "+token).
		WithContext("token", token).
		WithSeverity("error")
}

func NewDuplicateServiceError(token string) *errors.Error {
	return errors.New(ErrCodeDuplicateService, "Service already registered").
		WithUserMessage("A service with this token is already registered in this container").
		WithContext("token", token).
		WithSeverity("error")
}

func NewScopeNotActiveError(token, scopeID string) *errors.Error {
	return errors.New(ErrCodeScopeNotActive, "No active scope for scoped service").
		WithUserMessage("Scoped services require an active scope").
		WithContext("token", token).
		WithContext("scope_id", scopeID).
		WithSeverity("error")
}

func NewScopeAlreadyActiveError(scopeID string) *errors.Error {
	return errors.New(ErrCodeScopeAlreadyActive, "Scope already active").
		WithContext("scope_id", scopeID).
		WithSeverity("warning")
}

func NewResolutionReentrancyError(token string, path []string) *errors.Error {
	return errors.New(ErrCodeResolutionReentrancy, "Reentrant service resolution").
		WithUserMessage("Service is already being resolved on this resolution path").
		WithContext("token", token).
		WithContext("resolution_path", strings.Join(path, " -> ")).
		WithSeverity("error")
}

func NewServiceConstructionError(token string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeServiceConstruction, "Service construction failed").
		WithUserMessage("Failed to construct service "+token).
		WithContext("token", token).
		WithSeverity("error").
		AsRetryable()
}

func NewContainerDisposedError() *errors.Error {
	return errors.New(ErrCodeContainerDisposed, "Container has been disposed").
		WithUserMessage("The service container is no longer usable").
		WithSeverity("error")
}

func NewDisposalFailedError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDisposalFailed, "One or more services failed to dispose").
		WithSeverity("warning")
}

// Module lifecycle errors

func NewModuleNotFoundError(id string) *errors.Error {
	return errors.New(ErrCodeModuleNotFound, "Module not found").
		WithUserMessage("No module is registered with id "+id).
		WithContext("module_id", id).
		WithSeverity("error")
}

// NewDependencyNotFoundError reports a dependency that is not loaded. The
// engine never loads dependencies on its own.
func NewDependencyNotFoundError(moduleID, dependency string) *errors.Error {
	return errors.New(ErrCodeDependencyNotFound, "Dependency not loaded").
		WithUserMessage("Module "+moduleID+" depends on "+dependency+" which is not loaded").
		WithContext("module_id", moduleID).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

func NewDependencyVersionMismatchError(moduleID, dependency, constraint, actual string) *errors.Error {
	return errors.New(ErrCodeDependencyVersionMismatch, "Dependency version mismatch").
		WithUserMessage("Loaded version of "+dependency+" does not satisfy "+constraint).
		WithContext("module_id", moduleID).
		WithContext("dependency", dependency).
		WithContext("constraint", constraint).
		WithContext("actual_version", actual).
		WithSeverity("error")
}

func NewAlreadyLoadingError(id, path string) *errors.Error {
	return errors.New(ErrCodeAlreadyLoading, "Module is already loading").
		WithUserMessage("A load for this module is already in progress").
		WithContext("module_id", id).
		WithContext("path", path).
		WithSeverity("warning")
}

func NewAlreadyLoadedError(id string) *errors.Error {
	return errors.New(ErrCodeAlreadyLoaded, "Module is already loaded").
		WithContext("module_id", id).
		WithSeverity("warning")
}

func NewHasDependentsError(id string, dependents []string) *errors.Error {
	return errors.New(ErrCodeHasDependents, "Module has loaded dependents").
		WithUserMessage("Unload dependents first: "+strings.Join(dependents, ", ")).
		WithContext("module_id", id).
		WithContext("dependents", dependents).
		WithSeverity("error")
}

func NewInvalidTransitionError(id string, from, to ModuleState) *errors.Error {
	return errors.New(ErrCodeInvalidTransition, "Invalid module state transition").
		WithContext("module_id", id).
		WithContext("from", from.String()).
		WithContext("to", to.String()).
		WithSeverity("error")
}

func NewModuleInitFailedError(id string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeModuleInitFailed, "Module initialization failed").
		WithUserMessage("Init hook of module "+id+" returned an error").
		WithContext("module_id", id).
		WithSeverity("error")
}

func NewModuleFactoryFailedError(id string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeModuleFactoryFailed, "Module factory failed").
		WithContext("module_id", id).
		WithSeverity("error")
}

func NewModuleCleanupFailedError(id string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeModuleCleanupFailed, "Module cleanup failed").
		WithContext("module_id", id).
		WithSeverity("warning")
}

func NewOperationInProgressError(id, operation string) *errors.Error {
	return errors.New(ErrCodeOperationInProgress, "Another lifecycle operation is in progress").
		WithUserMessage("Module "+id+" is busy with "+operation).
		WithContext("module_id", id).
		WithContext("operation", operation).
		WithSeverity("warning").
		AsRetryable()
}

func NewDiscoveryError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDiscoveryFailed, message).
		WithSeverity("warning")
}

// Security errors

// NewSecurityViolationError is the validation-time violation returned before
// any sandbox exists.
func NewSecurityViolationError(moduleID, reason string) *errors.Error {
	return errors.New(ErrCodeSecurityViolation, "Security violation").
		WithUserMessage("Module "+moduleID+" rejected: "+reason).
		WithContext("module_id", moduleID).
		WithContext("reason", reason).
		WithSeverity("critical")
}

func NewModuleBannedError(moduleID, reason string) *errors.Error {
	return errors.New(ErrCodeModuleBanned, "Module is banned").
		WithUserMessage("Module "+moduleID+" is banned: "+reason).
		WithContext("module_id", moduleID).
		WithContext("ban_reason", reason).
		WithSeverity("critical")
}

func NewUntrustedSourceError(moduleID, source string) *errors.Error {
	return errors.New(ErrCodeUntrustedSource, "Module source is not allowed").
		WithContext("module_id", moduleID).
		WithContext("source", source).
		WithSeverity("critical")
}

func NewDangerousPatternError(moduleID, pattern string) *errors.Error {
	return errors.New(ErrCodeDangerousPattern, "Dangerous code pattern detected").
		WithUserMessage("Module code matches denied pattern "+pattern).
		WithContext("module_id", moduleID).
		WithContext("pattern", pattern).
		WithSeverity("critical")
}

func NewSignatureMissingError(moduleID string) *errors.Error {
	return errors.New(ErrCodeSignatureMissing, "Module signature missing").
		WithContext("module_id", moduleID).
		WithSeverity("critical")
}

func NewSignatureMismatchError(moduleID string) *errors.Error {
	return errors.New(ErrCodeSignatureMismatch, "Module signature does not match").
		WithContext("module_id", moduleID).
		WithSeverity("critical")
}

func NewSandboxCreationError(moduleID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeSandboxCreation, "Sandbox creation failed").
		WithContext("module_id", moduleID).
		WithSeverity("error")
}

func NewPermissionDeniedError(moduleID string, capability string) *errors.Error {
	return errors.New(ErrCodePermissionDenied, "Capability denied by sandbox").
		WithUserMessage("Module "+moduleID+" may not use "+capability).
		WithContext("module_id", moduleID).
		WithContext("capability", capability).
		WithSeverity("error")
}

func NewSandboxTerminatedError(moduleID string) *errors.Error {
	return errors.New(ErrCodeSandboxTerminated, "Sandbox has been terminated").
		WithContext("module_id", moduleID).
		WithSeverity("error")
}

func NewSandboxExecutionError(moduleID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeSandboxExecution, "Sandboxed code failed").
		WithContext("module_id", moduleID).
		WithSeverity("error")
}

func NewAuditError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeAuditFailed, message).
		WithSeverity("warning")
}

// Bridge errors

func NewRequestTimeoutError(requestID, channel string, timeout interface{}) *errors.Error {
	return errors.New(ErrCodeRequestTimeout, "Request timed out").
		WithUserMessage("No response received on channel "+channel).
		WithContext("request_id", requestID).
		WithContext("channel", channel).
		WithContext("timeout", timeout).
		WithSeverity("warning").
		AsRetryable()
}

func NewDeliveryDeniedError(from, to string) *errors.Error {
	return errors.New(ErrCodeDeliveryDenied, "Message delivery not permitted").
		WithContext("from", from).
		WithContext("to", to).
		WithSeverity("warning")
}

func NewBridgeClosedError() *errors.Error {
	return errors.New(ErrCodeBridgeClosed, "Bridge is closed").
		WithSeverity("error")
}

func NewUnknownRequestError(requestID string) *errors.Error {
	return errors.New(ErrCodeUnknownRequest, "No pending request with this id").
		WithContext("request_id", requestID).
		WithSeverity("warning")
}

func NewInvalidMessageError(reason string) *errors.Error {
	return errors.New(ErrCodeInvalidMessage, "Invalid message").
		WithUserMessage(reason).
		WithSeverity("error")
}

func NewAlreadySubscribedError(moduleID, channel string) *errors.Error {
	return errors.New(ErrCodeAlreadySubscribed, "Module already subscribed to channel").
		WithContext("module_id", moduleID).
		WithContext("channel", channel).
		WithSeverity("warning")
}

func NewRequestFailedError(requestID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRequestFailed, "Responder reported an error").
		WithContext("request_id", requestID).
		WithSeverity("error")
}

// Hot-swap errors

func NewSwapValidationFailedError(moduleID string, reasons []string) *errors.Error {
	return errors.New(ErrCodeSwapValidationFailed, "Swap validation failed").
		WithUserMessage("New version is not compatible: "+strings.Join(reasons, "; ")).
		WithContext("module_id", moduleID).
		WithContext("reasons", reasons).
		WithSeverity("error")
}

func NewHealthCheckFailedError(moduleID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeHealthCheckFailed, "Health check failed").
		WithContext("module_id", moduleID).
		WithSeverity("error")
}

func NewRollbackFailedError(moduleID, checkpointID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRollbackFailed, "Rollback failed").
		WithUserMessage("Rollback of module "+moduleID+" failed, manual intervention required").
		WithContext("module_id", moduleID).
		WithContext("checkpoint_id", checkpointID).
		WithSeverity("critical")
}

func NewCheckpointNotFoundError(moduleID, checkpointID string) *errors.Error {
	return errors.New(ErrCodeCheckpointNotFound, "Checkpoint not found").
		WithContext("module_id", moduleID).
		WithContext("checkpoint_id", checkpointID).
		WithSeverity("error")
}

func NewStateMigrationFailedError(moduleID, fromVersion string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeStateMigrationFailed, "State migration failed").
		WithContext("module_id", moduleID).
		WithContext("from_version", fromVersion).
		WithSeverity("error")
}

func NewStateSnapshotError(moduleID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeStateSnapshotFailed, "State snapshot failed").
		WithContext("module_id", moduleID).
		WithSeverity("error")
}

func NewDrainTimeoutError(moduleID string, remaining int64, timeout interface{}) *errors.Error {
	return errors.New(ErrCodeDrainTimeout, "Drain timed out").
		WithContext("module_id", moduleID).
		WithContext("remaining_requests", remaining).
		WithContext("timeout", timeout).
		WithSeverity("warning")
}

// Configuration errors

func NewConfigNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The specified configuration file does not exist").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParse, "Failed to parse configuration file").
		WithUserMessage("The configuration file format is invalid").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeConfigValidation, message).
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeConfigValidation, message).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeConfigWatcher, message).
			WithSeverity("warning")
	}
	return errors.Wrap(cause, ErrCodeConfigWatcher, message).
		WithSeverity("warning")
}

func NewInternalError(message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeInternal, message).
			WithSeverity("critical")
	}
	return errors.Wrap(cause, ErrCodeInternal, message).
		WithSeverity("critical")
}

// NewEngineClosedError reports an operation on a shut down engine.
func NewEngineClosedError() *errors.Error {
	return errors.New(ErrCodeEngineClosed, "modular engine is shut down").
		WithUserMessage("The module runtime has been shut down.").
		WithSeverity("error")
}

// ErrorCode extracts the structured error code from err, searching the wrap
// chain. Errors that carry no code report ErrCodeInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return string(coded.Code)
	}
	return ErrCodeInternal
}

// HasErrorCode reports whether err carries the given code.
func HasErrorCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
