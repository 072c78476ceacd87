package chatsocket

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected is reported when the relay refuses the session for an
	// authorization or policy reason. The manager does not retry.
	ErrAuthRejected = errors.New("chat session rejected: please sign in again")

	// ErrRetriesExhausted is reported once every reconnect attempt has failed.
	ErrRetriesExhausted = errors.New("chat connection lost: please refresh")

	// ErrNotConnected is returned by Send when there is no live socket.
	ErrNotConnected = errors.New("chat socket not connected")
)

// CloseError is reported for a close code that is neither transient nor an
// authorization failure.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("chat connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("chat connection closed (code %d): %s", e.Code, e.Reason)
}
