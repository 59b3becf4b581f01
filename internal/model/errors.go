package model

import (
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindInvalidCommand       ErrorKind = "invalid_command"
	KindPathEscapesWorkspace ErrorKind = "path_escapes_workspace"
	KindServiceUnavailable   ErrorKind = "service_unavailable"
	KindUnknownJob           ErrorKind = "unknown_job"
	KindStaleRun             ErrorKind = "stale_run"
	KindRunnerFailure        ErrorKind = "runner_failure"
)

// Error is the structured failure returned by policy, store and manager
// operations. Match it with errors.Is against the Err* sentinels.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

var (
	ErrInvalidCommand       = &Error{Kind: KindInvalidCommand, Message: "invalid command"}
	ErrPathEscapesWorkspace = &Error{Kind: KindPathEscapesWorkspace, Message: "path escapes workspace"}
	ErrServiceUnavailable   = &Error{Kind: KindServiceUnavailable, Message: "service unavailable"}
	ErrUnknownJob           = &Error{Kind: KindUnknownJob, Message: "unknown job"}
	ErrStaleRun             = &Error{Kind: KindStaleRun, Message: "stale run"}
	ErrRunnerFailure        = &Error{Kind: KindRunnerFailure, Message: "runner failure"}
)

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	message := strings.TrimSpace(e.Message)
	if message == "" {
		message = string(e.Kind)
	}
	if e.Err != nil {
		return message + ": " + e.Err.Error()
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by kind. A path escape is also an invalid command.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == KindPathEscapesWorkspace && t.Kind == KindInvalidCommand
}

// Retryable reports whether a client may resubmit the same request later.
func (e *Error) Retryable() bool {
	return e.Kind == KindServiceUnavailable
}
