package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Capability errors (CAP-001 to CAP-099)
	ErrCodeCapabilityNotFound    ErrorCode = "CAP-001"
	ErrCodeCapabilityUnavailable ErrorCode = "CAP-002"

	// Argument errors (ARG-001 to ARG-099)
	ErrCodeArgumentInvalid  ErrorCode = "ARG-001"
	ErrCodeReferenceMissing ErrorCode = "ARG-002"
	ErrCodeSchemaUnreadable ErrorCode = "ARG-003"

	// Plan errors (PLAN-001 to PLAN-099)
	ErrCodePlanNotFound  ErrorCode = "PLAN-001"
	ErrCodePlanInvalid   ErrorCode = "PLAN-002"
	ErrCodePlanCyclicDep ErrorCode = "PLAN-005"

	// Execution errors (EXEC-001 to EXEC-099)
	ErrCodeExecDockerNotAvailable ErrorCode = "EXEC-001"
	ErrCodeExecTimeout            ErrorCode = "EXEC-004"
	ErrCodeExecTransient          ErrorCode = "EXEC-006"
	ErrCodeExecCancelled          ErrorCode = "EXEC-007"

	// Dependency errors (DEP-001 to DEP-099)
	ErrCodeDependencyFailed ErrorCode = "DEP-001"

	// Resource errors (RES-001 to RES-099)
	ErrCodeResourceRelease ErrorCode = "RES-001"

	// Session errors (SESSION-001 to SESSION-099)
	ErrCodeSessionClosed            ErrorCode = "SESSION-001"
	ErrCodeSessionUnknown           ErrorCode = "SESSION-002"
	ErrCodeSessionInvalidTransition ErrorCode = "SESSION-003"

	// Store errors (STORE-001 to STORE-099)
	ErrCodeStoreOpen     ErrorCode = "STORE-001"
	ErrCodeStoreWrite    ErrorCode = "STORE-002"
	ErrCodeStoreRead     ErrorCode = "STORE-003"
	ErrCodeStoreNotFound ErrorCode = "STORE-004"

	// Config errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigInvalid ErrorCode = "CONFIG-001"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound   ErrorCode = "IO-001"
	ErrCodeFileReadFailed ErrorCode = "IO-002"
	ErrCodeFileUnmarshal  ErrorCode = "IO-005"
)

// retryableCodes lists the codes a call adapter may retry.
var retryableCodes = map[ErrorCode]bool{
	ErrCodeExecTimeout:   true,
	ErrCodeExecTransient: true,
}

// SentinelError represents an error with code, suggestions, and documentation
type SentinelError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *SentinelError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *SentinelError) Unwrap() error {
	return e.Cause
}

// Is matches another SentinelError carrying the same code, so sentinel
// values built with New can be used as errors.Is targets.
func (e *SentinelError) Is(target error) bool {
	t, ok := target.(*SentinelError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Cause == nil
}

// Retryable reports whether the failure is worth another attempt.
func (e *SentinelError) Retryable() bool {
	return retryableCodes[e.Code]
}

// New creates a new SentinelError
func New(code ErrorCode, message string) *SentinelError {
	return &SentinelError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new SentinelError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *SentinelError {
	return &SentinelError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *SentinelError) WithSuggestion(suggestion string) *SentinelError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *SentinelError) WithSuggestions(suggestions ...string) *SentinelError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *SentinelError) WithDocs(url string) *SentinelError {
	e.DocsURL = url
	return e
}

// Code markers usable with errors.Is.
var (
	ErrCapabilityNotFound = New(ErrCodeCapabilityNotFound, "")
	ErrArgumentInvalid    = New(ErrCodeArgumentInvalid, "")
	ErrTimeout            = New(ErrCodeExecTimeout, "")
	ErrTransient          = New(ErrCodeExecTransient, "")
	ErrDependencyFailed   = New(ErrCodeDependencyFailed, "")
	ErrCycleDetected      = New(ErrCodePlanCyclicDep, "")
	ErrResourceRelease    = New(ErrCodeResourceRelease, "")
	ErrCancelled          = New(ErrCodeExecCancelled, "")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// CodeOf returns the code of the first SentinelError in err's chain, or
// an empty code when there is none.
func CodeOf(err error) ErrorCode {
	var se *SentinelError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	var se *SentinelError
	if stderrors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// Common error constructors for frequently used errors

// NewCapabilityNotFoundError reports a tool name absent from the registry
func NewCapabilityNotFoundError(name string) *SentinelError {
	return New(ErrCodeCapabilityNotFound, fmt.Sprintf("capability not found: %s", name)).
		WithSuggestion("Run 'sentinel tools list' to see registered capabilities")
}

// NewCapabilityUnavailableError reports a registered tool that cannot run right now
func NewCapabilityUnavailableError(name string) *SentinelError {
	return New(ErrCodeCapabilityUnavailable, fmt.Sprintf("capability unavailable: %s", name)).
		WithSuggestion("Check that the tool's backing binary or service is reachable")
}

// NewArgumentError reports arguments that do not satisfy a capability schema
func NewArgumentError(tool string, cause error) *SentinelError {
	return Wrap(ErrCodeArgumentInvalid, fmt.Sprintf("invalid arguments for %s", tool), cause).
		WithSuggestion(fmt.Sprintf("Run 'sentinel tools describe %s' to see the argument schema", tool))
}

// NewReferenceError reports a reference that could not be resolved
func NewReferenceError(stepID, ref string) *SentinelError {
	return New(ErrCodeReferenceMissing, fmt.Sprintf("step %s: reference %s cannot be resolved", stepID, ref))
}

// NewTimeoutError reports a call that exceeded its deadline
func NewTimeoutError(tool string, timeout fmt.Stringer) *SentinelError {
	return New(ErrCodeExecTimeout, fmt.Sprintf("%s timed out after %s", tool, timeout))
}

// NewTransientError wraps a failure that may succeed on another attempt
func NewTransientError(tool string, cause error) *SentinelError {
	return Wrap(ErrCodeExecTransient, fmt.Sprintf("%s failed", tool), cause)
}

// NewDependencyFailedError reports a step skipped because a predecessor did not complete
func NewDependencyFailedError(stepID, dependency string) *SentinelError {
	return New(ErrCodeDependencyFailed, fmt.Sprintf("step %s skipped: dependency %s did not complete", stepID, dependency))
}

// NewCycleError reports a dependency cycle; path lists the cycle in order
func NewCycleError(path []string) *SentinelError {
	return New(ErrCodePlanCyclicDep, fmt.Sprintf("circular dependency detected: %s", strings.Join(path, " -> "))).
		WithSuggestion("Remove one of the depends_on edges along the cycle")
}

// NewPlanInvalidError reports a structurally invalid plan
func NewPlanInvalidError(details string) *SentinelError {
	return New(ErrCodePlanInvalid, fmt.Sprintf("invalid plan: %s", details)).
		WithSuggestion("Run 'sentinel plan validate --plan <file>' to see validation errors")
}

// NewResourceReleaseWarning reports a resource that could not be released
func NewResourceReleaseWarning(resourceID string, cause error) *SentinelError {
	return Wrap(ErrCodeResourceRelease, fmt.Sprintf("failed to release resource %s", resourceID), cause)
}

// NewSessionClosedError reports a write to a terminal session
func NewSessionClosedError(sessionID string) *SentinelError {
	return New(ErrCodeSessionClosed, fmt.Sprintf("session %s is closed", sessionID))
}

// NewInvalidTransitionError reports a step state change the state machine forbids
func NewInvalidTransitionError(stepID, from, to string) *SentinelError {
	return New(ErrCodeSessionInvalidTransition, fmt.Sprintf("step %s: invalid transition %s -> %s", stepID, from, to))
}

// NewDockerNotAvailableError creates a Docker not available error
func NewDockerNotAvailableError() *SentinelError {
	return New(ErrCodeExecDockerNotAvailable, "Docker is not available").
		WithSuggestion("Install Docker Desktop or Docker Engine").
		WithSuggestion("Run 'docker version' to verify Docker installation").
		WithDocs("https://docs.docker.com/get-docker/")
}

// NewFileNotFoundError creates a file not found error
func NewFileNotFoundError(path string) *SentinelError {
	return New(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", path)).
		WithSuggestion("Check if the file path is correct")
}

// NewFileUnmarshalError creates an unmarshal error
func NewFileUnmarshalError(path string, format string, cause error) *SentinelError {
	return Wrap(ErrCodeFileUnmarshal, fmt.Sprintf("failed to parse %s file: %s", format, path), cause).
		WithSuggestion(fmt.Sprintf("Ensure the file is valid %s", format))
}
