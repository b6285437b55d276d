package transport

import (
	"errors"
	"fmt"
)

var (
	ErrIncompleteMessage = errors.New("transport: cannot send an incomplete message")
	ErrFrameSyntax       = errors.New("transport: frame is not valid JSON")
	ErrFrameTimeout      = errors.New("transport: frame assembly timed out")
	ErrMessageTooLarge   = errors.New("transport: message too large")
	ErrFramerClosed      = errors.New("transport: framer closed")
	ErrWriteTimeout      = errors.New("transport: write timed out")

	ErrRequestTimeout   = errors.New("transport: request timed out")
	ErrConnectionClosed = errors.New("transport: connection closed")
	ErrUnroutable       = errors.New("transport: unroutable message")
)

// ErrorReason classifies framer error events.
type ErrorReason string

const (
	ReasonSyntax   ErrorReason = "syntax"
	ReasonTimeout  ErrorReason = "timeout"
	ReasonOverflow ErrorReason = "overflow"
	ReasonSocket   ErrorReason = "socket"
)

// FrameError is carried by the framer's "error" event. None of them are fatal
// to the stream except ReasonSocket, which is followed by a close.
type FrameError struct {
	Reason  ErrorReason
	Err     error
	Message Message // offending or partial message, if any
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error (%s): %v", e.Reason, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
