package chatsocket

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

// CloseAuthRejected is the application close code the relay uses for an
// invalid or expired credential.
const CloseAuthRejected = 4401

// CloseClass groups close codes by how the manager reacts to them.
type CloseClass int

const (
	ClassTransient CloseClass = iota
	ClassAuth
	ClassFatal
)

func (c CloseClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	default:
		return "fatal"
	}
}

// Classify maps a close code to its class. Zero means no code was received.
func Classify(code int) CloseClass {
	switch code {
	case CloseAuthRejected, websocket.ClosePolicyViolation, websocket.CloseUnsupportedData:
		return ClassAuth
	case 0,
		websocket.CloseAbnormalClosure,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// readCloseCode extracts the close code from a read error. Anything other than
// a close frame is an abnormal closure.
func readCloseCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

// dialCloseCode maps a failed handshake onto a close code so both paths share
// one classification.
func dialCloseCode(resp *http.Response) int {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return CloseAuthRejected
	}
	return websocket.CloseAbnormalClosure
}
