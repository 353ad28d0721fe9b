// Package errors provides structured error types for terragrid.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeParse                   ErrorCode = "PARSE_ERROR"
	ErrCodeMerge                   ErrorCode = "MERGE_ERROR"
	ErrCodeCycle                   ErrorCode = "CYCLE_ERROR"
	ErrCodeDiscovery               ErrorCode = "DISCOVERY_ERROR"
	ErrCodeMissingDependencyOutput ErrorCode = "MISSING_DEPENDENCY_OUTPUT"
	ErrCodeBackendPrecondition     ErrorCode = "BACKEND_PRECONDITION"
	ErrCodeBackend                 ErrorCode = "BACKEND_ERROR"
	ErrCodeTaskExecution           ErrorCode = "TASK_EXECUTION_ERROR"
	ErrCodeAggregation             ErrorCode = "AGGREGATION_ERROR"
	ErrCodeCredential              ErrorCode = "CREDENTIAL_ERROR"
	ErrCodeNotFound                ErrorCode = "NOT_FOUND"
	ErrCodeInternal                ErrorCode = "INTERNAL_ERROR"
)

// Error is the base error type for terragrid
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ParseError creates a parse error for a configuration file
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// MergeError creates an include/merge resolution error
func MergeError(childPath string, message string) *Error {
	return &Error{
		Code:    ErrCodeMerge,
		Message: message,
		Details: map[string]interface{}{
			"file": childPath,
		},
	}
}

// CycleError creates an error describing a dependency cycle. The path
// lists the units participating in the cycle in walk order.
func CycleError(cyclePath []string) *Error {
	return &Error{
		Code:    ErrCodeCycle,
		Message: fmt.Sprintf("dependency cycle detected: %s", strings.Join(cyclePath, " -> ")),
		Details: map[string]interface{}{
			"cycle": cyclePath,
		},
	}
}

// DiscoveryError creates a unit discovery error
func DiscoveryError(rootDir string, err error) *Error {
	return &Error{
		Code:    ErrCodeDiscovery,
		Message: fmt.Sprintf("failed to discover units under %s", rootDir),
		Cause:   err,
		Details: map[string]interface{}{
			"root": rootDir,
		},
	}
}

// MissingDependencyOutputError reports that a dependency's outputs could not
// be fetched and mock outputs are not permitted for the requested command.
func MissingDependencyOutputError(dependencyPath, command string) *Error {
	return &Error{
		Code: ErrCodeMissingDependencyOutput,
		Message: fmt.Sprintf("dependency %s has no outputs and mock outputs are not allowed for %q",
			dependencyPath, command),
		Details: map[string]interface{}{
			"dependency": dependencyPath,
			"command":    command,
		},
	}
}

// BackendPreconditionError reports a refused backend lifecycle operation
func BackendPreconditionError(backend string, message string) *Error {
	return &Error{
		Code:    ErrCodeBackendPrecondition,
		Message: message,
		Details: map[string]interface{}{
			"backend": backend,
		},
	}
}

// BackendError creates a backend error
func BackendError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeBackend,
		Message: fmt.Sprintf("backend %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// TaskExecutionError reports a nonzero exit from the wrapped tool for a unit
func TaskExecutionError(unitPath, command string, exitCode int, err error) *Error {
	return &Error{
		Code:    ErrCodeTaskExecution,
		Message: fmt.Sprintf("%s failed in %s (exit %d)", command, unitPath, exitCode),
		Cause:   err,
		Details: map[string]interface{}{
			"unit":      unitPath,
			"command":   command,
			"exit_code": exitCode,
		},
	}
}

// AggregationError wraps the combined failures of a run
func AggregationError(failedCount int, cause error) *Error {
	return &Error{
		Code:    ErrCodeAggregation,
		Message: fmt.Sprintf("%d unit(s) failed", failedCount),
		Cause:   cause,
		Details: map[string]interface{}{
			"failed_count": failedCount,
		},
	}
}

// CredentialError reports a failed credential provider invocation
func CredentialError(command string, err error) *Error {
	return &Error{
		Code:    ErrCodeCredential,
		Message: fmt.Sprintf("auth provider command %q failed", command),
		Cause:   err,
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// Is checks if any error in the chain matches the given code
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// ExitCode maps an error to the process exit severity used when the run
// aborts before any task produced its own exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
