package chatsocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a socket.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, *http.Response, error)
}

// GorillaDialer adapts a *websocket.Dialer to Dialer.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

// NewGorillaDialer returns a dialer with the given handshake timeout.
func NewGorillaDialer(handshakeTimeout time.Duration) GorillaDialer {
	return GorillaDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d GorillaDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, *http.Response, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. The production scheduler is time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

// SystemScheduler returns the Scheduler backed by time.AfterFunc.
func SystemScheduler() Scheduler { return realScheduler{} }

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
