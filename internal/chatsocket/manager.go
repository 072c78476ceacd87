// Package chatsocket owns the client side of the per-thread chat socket. A
// Manager keeps at most one authoritative connection open, classifies and
// deduplicates inbound frames, and reconnects with backoff after transient
// failures.
package chatsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"souk-chat/internal/backoff"
	"souk-chat/internal/dedupe"
	"souk-chat/internal/models"
)

// Status is the link state reported to OnStatus.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Handlers receive events from the current session. Any field may be nil.
// Handlers run one at a time and may call back into the Manager.
type Handlers struct {
	OnMessage func(models.Frame)
	OnStatus  func(Status)
	OnError   func(error)
	OnTyping  func(bool)
}

// TokenSource supplies the bearer credential for each connection attempt.
type TokenSource interface {
	Fresh(ctx context.Context) string
}

// Options configures a Manager. BaseURL is the socket origin, for example
// ws://localhost:8080.
type Options struct {
	BaseURL      string
	Production   bool
	Tokens       TokenSource
	Policy       backoff.Policy
	Dialer       Dialer
	Scheduler    Scheduler
	DedupeSize   int
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	opts   Options
	logger zerolog.Logger
	seen   *dedupe.Cache

	mu       sync.Mutex
	handlers Handlers
	threadID string
	cid      string
	seq      uint64
	conn     Conn
	cancel   context.CancelFunc
	timer    Timer
	attempts int
	manual   bool
	online   bool
	status   Status

	emitMu  sync.Mutex // serialises handler delivery
	writeMu sync.Mutex
}

// NewManager creates an idle manager.
func NewManager(opts Options, handlers Handlers) *Manager {
	if opts.Policy.Initial <= 0 {
		opts.Policy = backoff.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = NewGorillaDialer(10 * time.Second)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = dedupe.DefaultSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	return &Manager{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "chatsocket").Logger(),
		seen:     dedupe.New(opts.DedupeSize),
		handlers: handlers,
		online:   true,
		status:   StatusIdle,
	}
}

// SetHandlers swaps the callbacks. The connection is left untouched.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// Status returns the current link state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ThreadID returns the thread the manager is bound to, or "".
func (m *Manager) ThreadID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadID
}

// Connect binds the manager to a thread and correlation id. Calling it again
// with the same pair is a no-op; a different pair replaces the session. An
// empty thread id only tears the current session down.
func (m *Manager) Connect(threadID, correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if threadID != "" && threadID == m.threadID && correlationID == m.cid && !m.manual {
		return
	}

	closing := m.teardownLocked()
	if closing != nil {
		go m.closeConn(closing)
	}
	if threadID == "" {
		m.manual = true
		m.setStatusLocked(StatusIdle)
		return
	}

	m.threadID = threadID
	m.cid = correlationID
	m.manual = false
	m.attempts = 0
	m.startLocked()
}

// Reconnect drops the current socket and opens a fresh session for the bound
// thread, with the attempt counter reset.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.threadID == "" {
		return
	}
	threadID, cid := m.threadID, m.cid
	if closing := m.teardownLocked(); closing != nil {
		go m.closeConn(closing)
	}
	m.threadID, m.cid = threadID, cid
	m.manual = false
	m.attempts = 0
	m.startLocked()
}

// SetOnline reports a network transition. Going online resets the
// attempt counter and retries immediately when no socket is live, or reports
// connected again when the socket survived. Going offline
// reports disconnected and holds reconnects until the next online call.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	if !online {
		m.stopTimerLocked()
		m.setStatusLocked(StatusDisconnected)
		return
	}

	m.attempts = 0
	if m.threadID == "" || m.manual {
		return
	}
	if m.conn != nil {
		// The socket outlived the outage.
		m.setStatusLocked(StatusConnected)
		return
	}
	m.logger.Info().Str("thread_id", m.threadID).Msg("network back online, reconnecting")
	m.startLocked()
}

// Close ends the session. No reconnect follows until Connect or Reconnect.
func (m *Manager) Close() {
	m.mu.Lock()
	closing := m.teardownLocked()
	m.manual = true
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if closing != nil {
		m.closeConn(closing)
	}
}

// Send writes v as a JSON text frame on the live socket.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, v)
}

func (m *Manager) write(conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// teardownLocked invalidates the current session and returns its socket, if
// any, for the caller to close outside the lock.
func (m *Manager) teardownLocked() Conn {
	m.seq++
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.threadID = ""
	m.cid = ""
	return conn
}

func (m *Manager) closeConn(conn Conn) {
	m.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.opts.WriteTimeout))
	m.writeMu.Unlock()
	_ = conn.Close()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// startLocked opens a new session tagged with the next sequence number.
func (m *Manager) startLocked() {
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
	}
	m.seq++
	seq := m.seq
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.status = StatusConnecting

	go m.run(ctx, seq, m.threadID, m.cid)
}

// setStatusLocked records st and reports it asynchronously for the current
// session, so callers holding mu (possibly inside a handler) never wait on
// delivery.
func (m *Manager) setStatusLocked(st Status) {
	m.status = st
	seq := m.seq
	go m.emit(seq, func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(st)
		}
	})
}

// emit delivers an event for session seq if it is still the latest one.
func (m *Manager) emit(seq uint64, fn func(Handlers)) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if seq != m.seq {
		m.mu.Unlock()
		return
	}
	h := m.handlers
	m.mu.Unlock()

	fn(h)
}

func (m *Manager) run(ctx context.Context, seq uint64, threadID, cid string) {
	m.emit(seq, func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(StatusConnecting)
		}
	})

	token := ""
	if m.opts.Tokens != nil {
		token = m.opts.Tokens.Fresh(ctx)
	}

	endpoint, header := m.endpoint(threadID, cid, token)
	conn, resp, err := m.opts.Dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Str("thread_id", threadID).Msg("chat socket dial failed")
		m.handleClose(seq, dialCloseCode(resp), "")
		return
	}

	m.mu.Lock()
	if seq != m.seq {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.status = StatusConnected
	m.mu.Unlock()

	m.logger.Info().Str("thread_id", threadID).Uint64("session", seq).Msg("chat socket connected")
	m.emit(seq, func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(StatusConnected)
		}
	})

	if err := m.write(conn, models.NewClientHello(threadID)); err != nil {
		m.logger.Warn().Err(err).Msg("failed to send client hello")
	}

	m.readLoop(seq, conn)
}

func (m *Manager) readLoop(seq uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := readCloseCode(err)
			m.handleClose(seq, code, reason)
			return
		}
		m.handleFrame(seq, data)
	}
}

func (m *Manager) handleFrame(seq uint64, data []byte) {
	frame, err := models.ParseFrame(data)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping malformed frame")
		m.emit(seq, func(h Handlers) {
			if h.OnError != nil {
				h.OnError(err)
			}
		})
		return
	}

	m.emit(seq, func(h Handlers) {
		switch f := frame.(type) {
		case *models.TypingFrame:
			if h.OnTyping != nil {
				h.OnTyping(f.Value)
			}
		case *models.AssistantMessageFrame:
			if m.seen.CheckAndMark(f.Fingerprint()) {
				m.logger.Debug().Str("fingerprint", f.Fingerprint()).Msg("duplicate assistant frame dropped")
				return
			}
		}
		if h.OnMessage != nil {
			h.OnMessage(frame)
		}
	})
}

func (m *Manager) handleClose(seq uint64, code int, reason string) {
	m.mu.Lock()
	if seq != m.seq {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.status = StatusDisconnected

	var (
		report error
		delay  time.Duration
	)
	switch {
	case m.manual || !m.online:
	default:
		switch Classify(code) {
		case ClassAuth:
			report = ErrAuthRejected
		case ClassFatal:
			report = &CloseError{Code: code, Reason: reason}
		case ClassTransient:
			m.attempts++
			if m.opts.Policy.Exhausted(m.attempts) {
				report = ErrRetriesExhausted
				break
			}
			delay = m.opts.Policy.Delay(m.attempts)
			attempt := m.attempts
			m.timer = m.opts.Scheduler.AfterFunc(delay, func() { m.retry(seq) })
			m.logger.Info().
				Int("code", code).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("chat socket closed, reconnect scheduled")
		}
	}
	if report != nil {
		m.status = StatusError
		m.logger.Error().Err(report).Int("code", code).Msg("chat socket closed")
	}
	m.mu.Unlock()

	m.emit(seq, func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(StatusDisconnected)
		}
		if report == nil {
			return
		}
		if h.OnStatus != nil {
			h.OnStatus(StatusError)
		}
		if h.OnError != nil {
			h.OnError(report)
		}
	})
}

func (m *Manager) retry(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.seq || m.manual || !m.online {
		return
	}
	m.timer = nil
	m.startLocked()
}

func (m *Manager) endpoint(threadID, cid, token string) (string, http.Header) {
	q := url.Values{}
	if cid != "" {
		q.Set("cid", cid)
	}
	header := http.Header{}
	if token != "" {
		if m.opts.Production {
			header.Set("Cookie", (&http.Cookie{Name: "access_token", Value: token}).String())
		} else {
			q.Set("token", token)
		}
	}

	u := strings.TrimRight(m.opts.BaseURL, "/") + "/ws/chat/" + url.PathEscape(threadID) + "/"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u, header
}
