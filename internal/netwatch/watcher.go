// Package netwatch reports network reachability of the relay host. It stands
// in for the browser online/offline events: a TCP dial every interval, with
// transitions delivered to a callback.
package netwatch

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// DialFunc opens a probe connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Watcher struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	onChange func(online bool)
	logger   zerolog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithInterval(d time.Duration) Option { return func(w *Watcher) { w.interval = d } }
func WithTimeout(d time.Duration) Option  { return func(w *Watcher) { w.timeout = d } }
func WithDialFunc(fn DialFunc) Option     { return func(w *Watcher) { w.dial = fn } }

// New creates a watcher probing address (host:port).
func New(address string, onChange func(online bool), logger zerolog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		address:  address,
		interval: 5 * time.Second,
		timeout:  3 * time.Second,
		dial:     (&net.Dialer{}).DialContext,
		onChange: onChange,
		logger:   logger.With().Str("component", "netwatch").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AddressFromURL derives a host:port probe target from an http(s) or ws(s)
// URL, filling in the scheme's default port.
func AddressFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" || u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Run probes until ctx is done. The host is assumed online at start, so only
// a failed first probe produces a callback.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	online := true
	for {
		reachable := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if reachable != online {
			online = reachable
			w.logger.Info().Bool("online", online).Str("address", w.address).Msg("network state changed")
			if w.onChange != nil {
				w.onChange(online)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	conn, err := w.dial(ctx, "tcp", w.address)
	if err != nil {
		w.logger.Debug().Err(err).Msg("probe failed")
		return false
	}
	conn.Close()
	return true
}
