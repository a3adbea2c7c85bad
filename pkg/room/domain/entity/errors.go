package entity

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantClosed   = errors.New("participant closed")
	ErrPipelineUnavailable = errors.New("room has no media pipeline")
)

// Protocol error codes sent to browser peers.
const (
	CodeUserExists        = 104
	CodeTargetUnavailable = 105
	CodeNegotiationFailed = 106
	CodeInvalidState      = 107
	CodeUnauthorized      = 108
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
)

// Error is a failure that is reported to the requesting peer as a JSON-RPC
// error object. It terminates the request, never the connection.
type Error struct {
	Code    int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Cause() error { return e.cause }

func (e *Error) Unwrap() error { return e.cause }

func NewError(code int, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func ErrUserExists(userID, roomName string) *Error {
	return NewError(CodeUserExists, nil, "User %s already exists in room %s", userID, roomName)
}

func ErrTargetUnavailable(targetID string) *Error {
	return NewError(CodeTargetUnavailable, nil, "participant %s is not available", targetID)
}

func ErrNegotiation(step string, cause error) *Error {
	return NewError(CodeNegotiationFailed, cause, "%s failed", step)
}

func ErrInvalidState(method string, state ParticipantState) *Error {
	return NewError(CodeInvalidState, nil, "%s is not allowed in state %s", method, state)
}

func ErrInvalidParams(cause error) *Error {
	return NewError(CodeInvalidParams, cause, "invalid params")
}

// AsError maps any error to a protocol error, defaulting to an internal one.
func AsError(err error) *Error {
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr
	}
	return NewError(CodeInternal, err, "internal error")
}
