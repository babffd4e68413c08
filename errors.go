package peerrpc

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPeerClosed is returned to every caller still waiting when a peer is
	// closed, and by operations attempted afterwards.
	ErrPeerClosed = errors.New("peer closed")
	// ErrStreamCancelled is reported by a stream whose consumer stopped it.
	ErrStreamCancelled = errors.New("stream cancelled")
	// ErrStreamFinished is returned when a stream is used after its terminal
	// event.
	ErrStreamFinished = errors.New("stream finished")
)

// Error codes used in ErrorData.Code.
const (
	CodeInternal = "INTERNAL_SERVER_ERROR"
	CodeNotFound = "NOT_FOUND"
	CodeBadInput = "BAD_REQUEST"
)

// DecodeError reports a malformed or truncated wire message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// HandlerError is a failure produced by a remote handler or stream producer.
// Handlers may return a *HandlerError to control the status and code sent to
// the caller.
type HandlerError struct {
	Code    string
	Status  int
	Message string
	Data    []byte
}

// NewHandlerError creates a HandlerError with the given status and message.
// The code is derived from the status.
func NewHandlerError(status int, msg string) *HandlerError {
	code := CodeInternal
	switch status {
	case http.StatusNotFound:
		code = CodeNotFound
	case http.StatusBadRequest:
		code = CodeBadInput
	}
	return &HandlerError{Code: code, Status: status, Message: msg}
}

func (e *HandlerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ChannelSendError reports that the underlying channel rejected a message of
// one exchange.
type ChannelSendError struct {
	ID  string
	Err error
}

func (e *ChannelSendError) Error() string {
	return fmt.Sprintf("failed sending message %s: %v", e.ID, e.Err)
}

func (e *ChannelSendError) Unwrap() error { return e.Err }

func errorData(err error) *ErrorData {
	var he *HandlerError
	if errors.As(err, &he) {
		return &ErrorData{Code: he.Code, Status: he.Status, Message: he.Message, Data: he.Data}
	}
	return &ErrorData{Code: CodeInternal, Status: http.StatusInternalServerError, Message: err.Error()}
}

func (d *ErrorData) handlerError() *HandlerError {
	if d == nil {
		return NewHandlerError(http.StatusInternalServerError, "stream failed")
	}
	return &HandlerError{Code: d.Code, Status: d.Status, Message: d.Message, Data: d.Data}
}

func streamCancelled(reason error) error {
	switch {
	case reason == nil:
		return ErrStreamCancelled
	case errors.Is(reason, ErrStreamCancelled):
		return reason
	default:
		return fmt.Errorf("%w: %w", ErrStreamCancelled, reason)
	}
}
