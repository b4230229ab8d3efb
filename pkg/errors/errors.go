// Package errors defines Pocketwalk's error taxonomy: a small set of
// kinds the supervisor branches on, independent of which collaborator
// raised the error.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies one of the kinds from the error handling design.
type ErrorCode string

const (
	// CodeTransientFile is a target/trigger file momentarily absent
	// during hashing, after retries are exhausted.
	CodeTransientFile ErrorCode = "TRANSIENT_FILE"
	// CodeToolNotLaunchable means the tool's executable could not be
	// started (not found, not executable).
	CodeToolNotLaunchable ErrorCode = "TOOL_NOT_LAUNCHABLE"
	// CodeCancelled is cooperative cancellation; always re-raised after
	// local cleanup so termination reaches the supervisor.
	CodeCancelled ErrorCode = "CANCELLED"
	// CodeTickFailure is any other error during a tick, after the
	// retry decorator is exhausted.
	CodeTickFailure ErrorCode = "TICK_FAILURE"
	// CodeCallback is an error raised from a completion callback.
	CodeCallback ErrorCode = "CALLBACK_ERROR"
	// CodeUnkillable is a subprocess that would not die even after the
	// hard-kill escalation; fatal to the supervisor.
	CodeUnkillable ErrorCode = "UNKILLABLE_SUBPROCESS"
)

// AppError is the concrete error type carried through the supervisor.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewTransientFileError(message string, cause error) *AppError {
	return &AppError{Code: CodeTransientFile, Message: message, Err: cause}
}

func NewToolNotLaunchableError(tool string, cause error) *AppError {
	return &AppError{
		Code:    CodeToolNotLaunchable,
		Message: fmt.Sprintf("cannot run command (%s) - no such executable found", tool),
		Err:     cause,
	}
}

func NewCancelledError(cause error) *AppError {
	return &AppError{Code: CodeCancelled, Message: "cancelled", Err: cause}
}

func NewTickFailureError(message string, cause error) *AppError {
	return &AppError{Code: CodeTickFailure, Message: message, Err: cause}
}

func NewCallbackError(message string, cause error) *AppError {
	return &AppError{Code: CodeCallback, Message: message, Err: cause}
}

func NewUnkillableError(tool string) *AppError {
	return &AppError{Code: CodeUnkillable, Message: fmt.Sprintf("subprocess for %q would not terminate", tool)}
}

func codeOf(err error) (ErrorCode, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	return "", false
}

func IsTransientFile(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeTransientFile
}

func IsToolNotLaunchable(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeToolNotLaunchable
}

func IsCancelled(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeCancelled
}

func IsTickFailure(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeTickFailure
}

func IsUnkillable(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeUnkillable
}
