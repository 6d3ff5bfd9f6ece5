package exitcode

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// PlanInvalid indicates a plan that failed to parse, validate or compile
	PlanInvalid = 3

	// SessionFailed indicates a run whose outcome was failed
	SessionFailed = 4

	// ConfigError indicates an unreadable or invalid configuration
	ConfigError = 5

	// CapabilityError indicates an unknown or unavailable tool
	CapabilityError = 6

	// Interrupted indicates the run was cancelled by a signal
	Interrupted = 130
)

// Error carries an explicit exit code through cobra's error return.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns an error that exits with code.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an error that exits with code and keeps cause in its chain.
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

var codeByErrorCode = map[errors.ErrorCode]int{
	errors.ErrCodePlanInvalid:           PlanInvalid,
	errors.ErrCodePlanNotFound:          PlanInvalid,
	errors.ErrCodePlanCyclicDep:         PlanInvalid,
	errors.ErrCodeReferenceMissing:      PlanInvalid,
	errors.ErrCodeFileUnmarshal:         PlanInvalid,
	errors.ErrCodeConfigInvalid:         ConfigError,
	errors.ErrCodeCapabilityNotFound:    CapabilityError,
	errors.ErrCodeCapabilityUnavailable: CapabilityError,
	errors.ErrCodeExecCancelled:         Interrupted,
}

// DetermineExitCode analyzes an error and returns the appropriate exit code
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *Error
	if stderrors.As(err, &exitErr) {
		return exitErr.Code
	}

	if stderrors.Is(err, context.Canceled) {
		return Interrupted
	}

	if code, ok := codeByErrorCode[errors.CodeOf(err)]; ok {
		return code
	}

	// cobra reports usage problems as plain errors
	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"invalid argument",
		"required flag",
		"accepts ",
		"requires at least",
		"flag needs an argument",
	} {
		if strings.Contains(errMsg, marker) {
			return UsageError
		}
	}

	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case PlanInvalid:
		return "Invalid plan"
	case SessionFailed:
		return "Session failed"
	case ConfigError:
		return "Configuration error"
	case CapabilityError:
		return "Capability not found or unavailable"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
