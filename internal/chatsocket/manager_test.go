package chatsocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"souk-chat/internal/backoff"
	"souk-chat/internal/models"
)

const (
	assistantFrame = `{"type":"chat_message","event":"assistant_message","thread_id":"t1",` +
		`"payload":{"text":"Hi from server"},"meta":{"in_reply_to":"c1"}}`
	malformedFrame = `{"type":"chat_message","event":"assistant_message","thread_id":"t1",` +
		`"payload":{"text":"no correlation"},"meta":{}}`
	typingFrame = `{"type":"chat_status","event":"typing","value":true}`
	rawFrame    = `{"type":"listing_update","id":3}`
)

// --- fakes ---

type staticTokens string

func (s staticTokens) Fresh(ctx context.Context) string { return string(s) }

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	reads     chan readResult
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	controls []int
	closed   bool
}

func newFakeConn(t *testing.T) *fakeConn {
	c := &fakeConn{reads: make(chan readResult)}
	t.Cleanup(func() { c.closeOnce.Do(func() { close(c.reads) }) })
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	r, ok := <-c.reads
	if !ok {
		return 0, nil, io.EOF
	}
	if r.err != nil {
		return 0, nil, r.err
	}
	return websocket.TextMessage, r.data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.controls = append(c.controls, int(data[0])<<8|int(data[1]))
	}
	return nil
}

// Close does not unblock pending reads, which models a socket that is slow to
// finish closing.
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) deliver(t *testing.T, r readResult) {
	t.Helper()
	select {
	case c.reads <- r:
	case <-time.After(time.Second):
		t.Fatal("socket is not being read")
	}
}

func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	c.deliver(t, readResult{data: []byte(frame)})
}

func (c *fakeConn) fail(t *testing.T, code int) {
	t.Helper()
	c.deliver(t, readResult{err: &websocket.CloseError{Code: code}})
}

type fakeDialer struct {
	mu      sync.Mutex
	urls    []string
	headers []http.Header
	dial    func(n int) (Conn, *http.Response, error)
}

func (d *fakeDialer) DialContext(ctx context.Context, u string, h http.Header) (Conn, *http.Response, error) {
	d.mu.Lock()
	d.urls = append(d.urls, u)
	d.headers = append(d.headers, h)
	n := len(d.urls)
	fn := d.dial
	d.mu.Unlock()
	return fn(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func connsDialer(conns ...*fakeConn) *fakeDialer {
	return &fakeDialer{dial: func(n int) (Conn, *http.Response, error) {
		if n > len(conns) {
			return nil, nil, errors.New("no more sockets")
		}
		return conns[n-1], nil, nil
	}}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}

type fakeScheduler struct {
	scheduled chan *fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(chan *fakeTimer, 64)}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{d: d, f: f}
	s.scheduled <- t
	return t
}

func (s *fakeScheduler) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-s.scheduled:
		return timer
	case <-time.After(time.Second):
		t.Fatal("expected a reconnect to be scheduled")
		return nil
	}
}

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	frames   []models.Frame
	errs     []error
	typing   []bool
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(f models.Frame) { r.mu.Lock(); r.frames = append(r.frames, f); r.mu.Unlock() },
		OnStatus:  func(s Status) { r.mu.Lock(); r.statuses = append(r.statuses, s); r.mu.Unlock() },
		OnError:   func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() },
		OnTyping:  func(v bool) { r.mu.Lock(); r.typing = append(r.typing, v); r.mu.Unlock() },
	}
}

func (r *recorder) countStatus(s Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.statuses {
		if got == s {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() (frames, errs, statuses, typing int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.errs), len(r.statuses), len(r.typing)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) messages() []models.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Frame(nil), r.frames...)
}

func fixedPolicy() backoff.Policy {
	p := backoff.Default()
	p.Rand = func() float64 { return 0.5 }
	return p
}

func newTestManager(d Dialer, s Scheduler, rec *recorder) *Manager {
	return NewManager(Options{
		BaseURL:   "ws://relay.test",
		Tokens:    staticTokens("tok"),
		Policy:    fixedPolicy(),
		Dialer:    d,
		Scheduler: s,
		Logger:    zerolog.Nop(),
	}, rec.handlers())
}

func waitConnected(t *testing.T, rec *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.countStatus(StatusConnected) >= n },
		time.Second, 5*time.Millisecond)
}

// --- tests ---

func TestManager_EndToEndWithRelay(t *testing.T) {
	requests := make(chan *http.Request, 1)
	hellos := make(chan models.ClientHello, 1)
	done := make(chan struct{})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var hello models.ClientHello
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		hellos <- hello

		for _, f := range []string{typingFrame, assistantFrame, assistantFrame, malformedFrame, rawFrame} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		<-done
	}))
	defer srv.Close()
	defer close(done)

	rec := &recorder{}
	m := NewManager(Options{
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Tokens:  staticTokens("tok"),
		Logger:  zerolog.Nop(),
	}, rec.handlers())
	defer m.Close()

	m.Connect("t1", "c1")

	req := <-requests
	assert.Equal(t, "/ws/chat/t1/", req.URL.Path)
	assert.Equal(t, "tok", req.URL.Query().Get("token"))
	assert.Equal(t, "c1", req.URL.Query().Get("cid"))

	select {
	case hello := <-hellos:
		assert.Equal(t, models.NewClientHello("t1"), hello)
	case <-time.After(2 * time.Second):
		t.Fatal("client hello not received")
	}

	require.Eventually(t, func() bool {
		frames := rec.messages()
		return len(frames) > 0 && frames[len(frames)-1].Kind() == models.KindRaw
	}, 2*time.Second, 5*time.Millisecond)

	frames := rec.messages()
	require.Len(t, frames, 3, "typing, one assistant message, raw")
	assert.Equal(t, models.KindTyping, frames[0].Kind())
	assert.Equal(t, models.KindAssistantMessage, frames[1].Kind())
	assert.Equal(t, "Hi from server", frames[1].(*models.AssistantMessageFrame).Text)

	rec.mu.Lock()
	assert.Equal(t, []bool{true}, rec.typing)
	rec.mu.Unlock()

	errs := rec.errors()
	require.Len(t, errs, 1)
	var verr *models.ValidationError
	assert.True(t, errors.As(errs[0], &verr))
	assert.Equal(t, StatusConnected, m.Status())
}

func TestManager_HelloAndDedup(t *testing.T) {
	conn := newFakeConn(t)
	rec := &recorder{}
	m := newTestManager(connsDialer(conn), newFakeScheduler(), rec)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)

	require.Eventually(t, func() bool { return len(conn.writtenFrames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"type":"client_hello","thread_id":"t1"}`, string(conn.writtenFrames()[0]))

	conn.push(t, assistantFrame)
	conn.push(t, assistantFrame)
	conn.push(t, rawFrame)

	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.KindAssistantMessage, rec.messages()[0].Kind())
	assert.Equal(t, models.KindRaw, rec.messages()[1].Kind())
	assert.Empty(t, rec.errors())
}

func TestManager_MalformedFrameOnlyReportsError(t *testing.T) {
	conn := newFakeConn(t)
	rec := &recorder{}
	m := newTestManager(connsDialer(conn), newFakeScheduler(), rec)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)

	conn.push(t, malformedFrame)
	conn.push(t, `not json`)

	require.Eventually(t, func() bool { return len(rec.errors()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.messages())
}

func TestManager_StaleSocketIsSilent(t *testing.T) {
	conn1, conn2 := newFakeConn(t), newFakeConn(t)
	rec := &recorder{}
	sched := newFakeScheduler()
	dialer := connsDialer(conn1, conn2)
	m := newTestManager(dialer, sched, rec)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)

	m.Reconnect()
	waitConnected(t, rec, 2)
	require.Eventually(t, conn1.isClosed, time.Second, 5*time.Millisecond)

	frames, errs, statuses, typing := rec.snapshot()

	conn1.push(t, assistantFrame)
	conn1.push(t, typingFrame)
	conn1.push(t, malformedFrame)
	conn1.fail(t, websocket.CloseAbnormalClosure)

	assert.Never(t, func() bool {
		f, e, s, ty := rec.snapshot()
		return f != frames || e != errs || s != statuses || ty != typing
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, sched.scheduled)
	assert.Equal(t, 2, dialer.count())
	assert.Equal(t, StatusConnected, m.Status())

	// The frame the stale socket carried was never marked as seen, so the
	// live socket still delivers it.
	conn2.push(t, assistantFrame)
	require.Eventually(t, func() bool { return len(rec.messages()) == frames+1 }, time.Second, 5*time.Millisecond)
}

func TestManager_LateOpenOfSupersededSocketIsClosed(t *testing.T) {
	slow, fresh := newFakeConn(t), newFakeConn(t)
	release := make(chan struct{})
	dialer := &fakeDialer{dial: func(n int) (Conn, *http.Response, error) {
		if n == 1 {
			<-release
			return slow, nil, nil
		}
		return fresh, nil, nil
	}}
	rec := &recorder{}
	m := newTestManager(dialer, newFakeScheduler(), rec)

	m.Connect("t1", "c1")
	require.Eventually(t, func() bool { return dialer.count() == 1 }, time.Second, 5*time.Millisecond)

	m.Reconnect()
	waitConnected(t, rec, 1)

	close(release)
	require.Eventually(t, slow.isClosed, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return rec.countStatus(StatusConnected) > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, slow.writtenFrames(), "superseded socket must not receive a hello")
}

func TestManager_BackoffScheduleAndExhaustion(t *testing.T) {
	dialer := &fakeDialer{dial: func(n int) (Conn, *http.Response, error) {
		return nil, nil, errors.New("connection refused")
	}}
	sched := newFakeScheduler()
	rec := &recorder{}
	m := newTestManager(dialer, sched, rec)

	m.Connect("t1", "c1")

	want := []time.Duration{1, 2, 4, 8, 16, 16, 16, 16, 16, 16}
	var prev time.Duration
	for i, secs := range want {
		timer := sched.next(t)
		assert.Equal(t, secs*time.Second, timer.d, "attempt %d", i+1)
		assert.GreaterOrEqual(t, timer.d, prev)
		assert.LessOrEqual(t, timer.d, 16*time.Second)
		prev = timer.d
		timer.f()
	}

	require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.errors()[0], ErrRetriesExhausted)
	assert.Empty(t, sched.scheduled)
	assert.Equal(t, 11, dialer.count())
	assert.Equal(t, StatusError, m.Status())
}

func TestManager_AttemptsResetAfterOpen(t *testing.T) {
	conn1, conn2 := newFakeConn(t), newFakeConn(t)
	dialer := &fakeDialer{dial: func(n int) (Conn, *http.Response, error) {
		switch n {
		case 1:
			return conn1, nil, nil
		case 2:
			return nil, nil, errors.New("refused")
		default:
			return conn2, nil, nil
		}
	}}
	sched := newFakeScheduler()
	rec := &recorder{}
	m := newTestManager(dialer, sched, rec)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)

	conn1.fail(t, websocket.CloseServiceRestart)
	first := sched.next(t)
	assert.Equal(t, time.Second, first.d)
	first.f()

	second := sched.next(t)
	assert.Equal(t, 2*time.Second, second.d)
	second.f()
	waitConnected(t, rec, 2)

	conn2.fail(t, websocket.CloseGoingAway)
	assert.Equal(t, time.Second, sched.next(t).d)
}

func TestManager_CloseClassification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantErr   error
		reconnect bool
	}{
		{"auth", CloseAuthRejected, ErrAuthRejected, false},
		{"policy", websocket.ClosePolicyViolation, ErrAuthRejected, false},
		{"unsupported", websocket.CloseUnsupportedData, ErrAuthRejected, false},
		{"abnormal", websocket.CloseAbnormalClosure, nil, true},
		{"restart", websocket.CloseServiceRestart, nil, true},
		{"try later", websocket.CloseTryAgainLater, nil, true},
		{"going away", websocket.CloseGoingAway, nil, true},
		{"no status", websocket.CloseNoStatusReceived, nil, true},
		{"internal", websocket.CloseInternalServerErr, &CloseError{Code: websocket.CloseInternalServerErr}, false},
		{"app code", 4000, &CloseError{Code: 4000}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := newFakeConn(t)
			sched := newFakeScheduler()
			rec := &recorder{}
			m := newTestManager(connsDialer(conn), sched, rec)

			m.Connect("t1", "c1")
			waitConnected(t, rec, 1)
			conn.fail(t, tc.code)

			require.Eventually(t, func() bool { return rec.countStatus(StatusDisconnected) == 1 },
				time.Second, 5*time.Millisecond)

			if tc.reconnect {
				sched.next(t)
				assert.Empty(t, rec.errors())
				return
			}

			require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, tc.wantErr, rec.errors()[0])
			assert.Empty(t, sched.scheduled)
			assert.Equal(t, StatusError, m.Status())
		})
	}
}

func TestManager_HandshakeRejected(t *testing.T) {
	dialer := &fakeDialer{dial: func(n int) (Conn, *http.Response, error) {
		return nil, &http.Response{StatusCode: http.StatusUnauthorized}, websocket.ErrBadHandshake
	}}
	sched := newFakeScheduler()
	rec := &recorder{}
	m := newTestManager(dialer, sched, rec)

	m.Connect("t1", "c1")

	require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.errors()[0], ErrAuthRejected)
	assert.Empty(t, sched.scheduled)
}

func TestManager_ProductionUsesCookie(t *testing.T) {
	dialer := &fakeDialer{dial: func(n int) (Conn, *http.Response, error) {
		return nil, nil, errors.New("refused")
	}}
	m := NewManager(Options{
		BaseURL:    "wss://relay.test/",
		Production: true,
		Tokens:     staticTokens("tok"),
		Dialer:     dialer,
		Scheduler:  newFakeScheduler(),
		Logger:     zerolog.Nop(),
	}, Handlers{})

	m.Connect("thread 1", "c1")
	require.Eventually(t, func() bool { return dialer.count() == 1 }, time.Second, 5*time.Millisecond)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Equal(t, "wss://relay.test/ws/chat/thread%201/?cid=c1", dialer.urls[0])
	assert.Equal(t, "access_token=tok", dialer.headers[0].Get("Cookie"))
}

func TestManager_NoCredentialStillDials(t *testing.T) {
	dialer := &fakeDialer{dial: func(n int) (Conn, *http.Response, error) {
		return nil, nil, errors.New("refused")
	}}
	m := NewManager(Options{
		BaseURL:   "ws://relay.test",
		Dialer:    dialer,
		Scheduler: newFakeScheduler(),
		Logger:    zerolog.Nop(),
	}, Handlers{})

	m.Connect("t1", "")
	require.Eventually(t, func() bool { return dialer.count() == 1 }, time.Second, 5*time.Millisecond)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Equal(t, "ws://relay.test/ws/chat/t1/", dialer.urls[0])
}

func TestManager_OfflineHoldsReconnect(t *testing.T) {
	conn1, conn2 := newFakeConn(t), newFakeConn(t)
	dialer := connsDialer(conn1, conn2)
	sched := newFakeScheduler()
	rec := &recorder{}
	m := newTestManager(dialer, sched, rec)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)

	m.SetOnline(false)
	require.Eventually(t, func() bool { return rec.countStatus(StatusDisconnected) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusDisconnected, m.Status())

	conn1.fail(t, websocket.CloseAbnormalClosure)
	assert.Never(t, func() bool { return dialer.count() > 1 || len(sched.scheduled) > 0 },
		100*time.Millisecond, 5*time.Millisecond)

	m.SetOnline(true)
	waitConnected(t, rec, 2)
	assert.Equal(t, 2, dialer.count())
	assert.Empty(t, rec.errors())
}

func TestManager_OnlineRestoresSurvivingSocket(t *testing.T) {
	conn1 := newFakeConn(t)
	dialer := connsDialer(conn1)
	sched := newFakeScheduler()
	rec := &recorder{}
	m := newTestManager(dialer, sched, rec)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)

	m.SetOnline(false)
	require.Eventually(t, func() bool { return rec.countStatus(StatusDisconnected) == 1 }, time.Second, 5*time.Millisecond)

	m.SetOnline(true)
	waitConnected(t, rec, 2)
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, 1, dialer.count(), "the live socket is reused")

	conn1.push(t, assistantFrame)
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.errors())
}

func TestManager_CloseIsFinal(t *testing.T) {
	conn := newFakeConn(t)
	sched := newFakeScheduler()
	rec := &recorder{}
	dialer := connsDialer(conn)
	m := newTestManager(dialer, sched, rec)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)

	m.Close()
	assert.True(t, conn.isClosed())
	conn.mu.Lock()
	assert.Equal(t, []int{websocket.CloseNormalClosure}, conn.controls)
	conn.mu.Unlock()
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.ErrorIs(t, m.Send(models.NewClientHello("t1")), ErrNotConnected)

	conn.fail(t, websocket.CloseAbnormalClosure)
	assert.Never(t, func() bool { return len(sched.scheduled) > 0 || dialer.count() > 1 },
		100*time.Millisecond, 5*time.Millisecond)
}

func TestManager_ConnectIdentity(t *testing.T) {
	conn1, conn2 := newFakeConn(t), newFakeConn(t)
	dialer := connsDialer(conn1, conn2)
	rec := &recorder{}
	m := newTestManager(dialer, newFakeScheduler(), rec)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)

	m.Connect("t1", "c1")
	m.SetHandlers(rec.handlers())
	assert.Never(t, func() bool { return dialer.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	m.Connect("t2", "c1")
	waitConnected(t, rec, 2)
	require.Eventually(t, conn1.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, "t2", m.ThreadID())

	m.Connect("", "")
	require.Eventually(t, func() bool { return m.Status() == StatusIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "", m.ThreadID())
	require.Eventually(t, conn2.isClosed, time.Second, 5*time.Millisecond)
}

func TestManager_SetHandlersSwapsDelivery(t *testing.T) {
	conn := newFakeConn(t)
	dialer := connsDialer(conn)
	first := &recorder{}
	m := newTestManager(dialer, newFakeScheduler(), first)

	m.Connect("t1", "c1")
	waitConnected(t, first, 1)

	second := &recorder{}
	m.SetHandlers(second.handlers())
	conn.push(t, rawFrame)

	require.Eventually(t, func() bool { return len(second.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, first.messages())
	assert.Equal(t, 1, dialer.count())
}

func TestManager_SendWritesJSON(t *testing.T) {
	conn := newFakeConn(t)
	rec := &recorder{}
	m := newTestManager(connsDialer(conn), newFakeScheduler(), rec)

	assert.ErrorIs(t, m.Send(map[string]string{"type": "ping"}), ErrNotConnected)

	m.Connect("t1", "c1")
	waitConnected(t, rec, 1)
	require.Eventually(t, func() bool { return len(conn.writtenFrames()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Send(map[string]string{"type": "ping"}))
	frames := conn.writtenFrames()
	require.Len(t, frames, 2)

	var got map[string]string
	require.NoError(t, json.Unmarshal(frames[1], &got))
	assert.Equal(t, "ping", got["type"])
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(0))
	assert.Equal(t, ClassAuth, Classify(4401))
	assert.Equal(t, ClassFatal, Classify(websocket.CloseNormalClosure))
	assert.Equal(t, "transient", ClassTransient.String())
}
