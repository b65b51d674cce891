package control

import (
	"errors"
	"fmt"
)

// Kind classifies an expected failure of a control operation.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidTransition
	KindRelayUnreachable
	KindRelayRejected
	KindConflict
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindRelayUnreachable:
		return "relay_unreachable"
	case KindRelayRejected:
		return "relay_rejected"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Machine-readable error codes returned to API callers.
const (
	CodeTaskNotFound         = "TASK_NOT_FOUND"
	CodeAccountNotFound      = "ACCOUNT_NOT_FOUND"
	CodeLogNotFound          = "LOG_NOT_FOUND"
	CodeTaskAlreadyRunning   = "TASK_ALREADY_RUNNING"
	CodeTaskNotRunning       = "TASK_NOT_RUNNING"
	CodeControlRequestFailed = "CONTROL_REQUEST_FAILED"
	CodeAccountConflict      = "ACCOUNT_CONFLICT"
	CodeInvalidRequest       = "INVALID_REQUEST"
)

// Error is the typed failure of a control operation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or zero when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func notFound(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}
