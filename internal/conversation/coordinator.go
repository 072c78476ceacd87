// Package conversation owns the message list of the active thread. It adds
// optimistic placeholders on send and reconciles each one with exactly one
// resolution, whichever of the HTTP response, a pushed reply or a pushed
// error gets there first.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"souk-chat/internal/chatapi"
	"souk-chat/internal/chatsocket"
	"souk-chat/internal/models"
)

const (
	// DefaultReplyTimeout bounds how long a placeholder may stay pending.
	DefaultReplyTimeout = 90 * time.Second

	// DefaultMaxReplayAttempts bounds outbox replays per message.
	DefaultMaxReplayAttempts = 3
)

// Sender issues the HTTP leg of a send.
type Sender interface {
	SendMessage(ctx context.Context, correlationID string, req models.SendRequest) (*models.SendResponse, error)
}

// Link reports the state of the push channel.
type Link interface {
	Status() chatsocket.Status
}

// Viewport is told about every change to the message list so it can keep the
// newest entry in view.
type Viewport interface {
	ScrollToLatest(messages []models.Message)
}

// Options configures a Coordinator.
type Options struct {
	Sender   Sender
	Link     Link
	Language string
	ThreadID string

	// ReplyTimeout resolves a placeholder to an error once it has been
	// pending this long. Zero disables the timeout.
	ReplyTimeout time.Duration

	// MaxReplayAttempts is how many times a message parked by an expired
	// credential is replayed before it is given up on.
	MaxReplayAttempts int

	Scheduler chatsocket.Scheduler
	NewID     func() string
	Now       func() time.Time
	Logger    zerolog.Logger

	OnThreadID  func(threadID string)
	OnTyping    func(bool)
	OnRehydrate func(*models.RehydrationFrame)
}

type pendingEntry struct {
	placeholderID string
	queuedID      string
	timer         chatsocket.Timer
}

type outboxEntry struct {
	clientID string
	text     string
	attempts int
	inFlight bool
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	messages    []models.Message
	pending     map[string]*pendingEntry
	outbox      []*outboxEntry
	threadID    string
	input       string
	typing      bool
	rehydration *models.RehydrationFrame
	viewports   []Viewport
	version     uint64

	notifyMu  sync.Mutex
	published uint64
}

// New creates a coordinator with an empty message list.
func New(opts Options) *Coordinator {
	if opts.MaxReplayAttempts <= 0 {
		opts.MaxReplayAttempts = DefaultMaxReplayAttempts
	}
	if opts.Scheduler == nil {
		opts.Scheduler = chatsocket.SystemScheduler()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "conversation").Logger(),
		pending:  make(map[string]*pendingEntry),
		threadID: opts.ThreadID,
	}
}

// AddViewport registers v for change notifications.
func (c *Coordinator) AddViewport(v Viewport) {
	c.mu.Lock()
	c.viewports = append(c.viewports, v)
	c.mu.Unlock()
}

// Messages returns a copy of the message list.
func (c *Coordinator) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ThreadID returns the last thread id the relay assigned.
func (c *Coordinator) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// SetThreadID switches the thread used for subsequent sends.
func (c *Coordinator) SetThreadID(threadID string) {
	c.mu.Lock()
	changed := threadID != c.threadID
	c.threadID = threadID
	c.mu.Unlock()

	if changed && c.opts.OnThreadID != nil {
		c.opts.OnThreadID(threadID)
	}
}

// Typing reports whether the assistant is currently typing.
func (c *Coordinator) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Rehydration returns the last recovery snapshot pushed by the relay.
func (c *Coordinator) Rehydration() *models.RehydrationFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rehydration
}

// PendingCount returns the number of unresolved sends.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// OutboxLen returns the number of sends waiting for a fresh credential.
func (c *Coordinator) OutboxLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Send posts text as a new user turn. Blank text is ignored. The returned
// error is informational: the outcome is already reflected in the message
// list.
func (c *Coordinator) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	clientID := c.opts.NewID()
	correlationID := c.opts.NewID()
	now := c.opts.Now().UnixMilli()

	c.mu.Lock()
	c.input = ""
	placeholderID := "pending-" + clientID
	c.messages = append(c.messages,
		models.Message{ID: clientID, Role: models.RoleUser, Text: text, Timestamp: now},
		models.Message{
			ID:        placeholderID,
			Role:      models.RoleAgent,
			Text:      models.PlaceholderText,
			Timestamp: now,
			Pending:   true,
			InReplyTo: clientID,
		},
	)
	entry := &pendingEntry{placeholderID: placeholderID}
	c.pending[clientID] = entry
	if c.opts.ReplyTimeout > 0 {
		entry.timer = c.opts.Scheduler.AfterFunc(c.opts.ReplyTimeout, func() { c.expire(clientID) })
	}
	threadID := c.threadID
	c.mu.Unlock()
	c.changed()

	resp, err := c.opts.Sender.SendMessage(ctx, correlationID, c.request(text, threadID, clientID))
	if err != nil {
		return c.sendFailed(clientID, text, err)
	}
	c.sendSucceeded(clientID, resp)
	return nil
}

func (c *Coordinator) request(text, threadID, clientID string) models.SendRequest {
	return models.SendRequest{
		Message:        text,
		Language:       c.opts.Language,
		ConversationID: threadID,
		ThreadID:       threadID,
		ClientMsgID:    clientID,
	}
}

func (c *Coordinator) sendFailed(clientID, text string, err error) error {
	if chatapi.IsAuthExpired(err) {
		c.mu.Lock()
		if _, ok := c.pending[clientID]; ok && c.outboxIndexLocked(clientID) < 0 {
			c.outbox = append(c.outbox, &outboxEntry{clientID: clientID, text: text})
		}
		c.mu.Unlock()
		c.logger.Info().Str("client_msg_id", clientID).Msg("credential expired, message parked for replay")
		return err
	}

	c.logger.Warn().Err(err).Str("client_msg_id", clientID).Msg("chat send failed")
	c.mu.Lock()
	resolved := c.resolveLocked(clientID, failWith(models.SendFailedText, c.opts.Now()))
	c.mu.Unlock()
	if resolved {
		c.changed()
	}
	return err
}

func (c *Coordinator) sendSucceeded(clientID string, resp *models.SendResponse) {
	if resp == nil {
		return
	}

	degraded := c.linkDown()

	c.mu.Lock()
	threadChanged := resp.ThreadID != "" && resp.ThreadID != c.threadID
	if threadChanged {
		c.threadID = resp.ThreadID
	}
	if entry, ok := c.pending[clientID]; ok && resp.QueuedMessageID != "" {
		entry.queuedID = resp.QueuedMessageID
	}

	resolved := false
	if degraded {
		if text, rich, ok := resp.Reply(); ok {
			now := c.opts.Now().UnixMilli()
			resolved = c.resolveLocked(clientID, func(m *models.Message) {
				m.Text = text
				m.Rich = rich
				m.Timestamp = now
				m.Error = false
			})
		}
	}
	threadID := c.threadID
	c.mu.Unlock()

	if threadChanged && c.opts.OnThreadID != nil {
		c.opts.OnThreadID(threadID)
	}
	if resolved {
		c.logger.Debug().Str("client_msg_id", clientID).Msg("reply taken from HTTP response, push channel down")
		c.changed()
	}
}

func (c *Coordinator) linkDown() bool {
	if c.opts.Link == nil {
		return true
	}
	switch c.opts.Link.Status() {
	case chatsocket.StatusDisconnected, chatsocket.StatusError:
		return true
	default:
		return false
	}
}

// PushAssistantMessage applies a pushed assistant reply. It resolves the
// placeholder waiting on meta.in_reply_to, or failing that the one whose send
// was queued as meta.queued_message_id. Relays that only know the job id put
// it in in_reply_to, so that id is also tried as a queued id. A reply
// matching none of these is appended as a new message.
func (c *Coordinator) PushAssistantMessage(f *models.AssistantMessageFrame) {
	ts := f.Timestamp
	if ts == 0 {
		ts = c.opts.Now().UnixMilli()
	}

	c.mu.Lock()
	apply := func(m *models.Message) {
		if f.PayloadID != "" && c.indexLocked(f.PayloadID) < 0 {
			m.ID = f.PayloadID
		}
		m.Text = f.Text
		m.Rich = f.Rich
		m.Timestamp = ts
		m.Error = false
	}

	matched := c.resolveLocked(f.InReplyTo, apply) ||
		c.resolveLocked(c.clientIDForQueuedLocked(f.QueuedMessageID), apply) ||
		c.resolveLocked(c.clientIDForQueuedLocked(f.InReplyTo), apply)
	if !matched {
		c.messages = append(c.messages, models.Message{
			ID:        c.freshIDLocked(f.PayloadID),
			Role:      models.RoleAgent,
			Text:      f.Text,
			Timestamp: ts,
			Rich:      f.Rich,
		})
	}
	c.mu.Unlock()

	if !matched {
		c.logger.Debug().Str("in_reply_to", f.InReplyTo).Msg("assistant reply matched no placeholder, appended")
	}
	c.changed()
}

// HandleAssistantError applies a pushed chat_error the same way
// PushAssistantMessage applies a reply, resolving the target to an error
// message or appending a standalone one.
func (c *Coordinator) HandleAssistantError(f *models.ChatErrorFrame) {
	now := c.opts.Now()

	c.mu.Lock()
	apply := failWith(models.AssistantErrorText, now)
	matched := c.resolveLocked(f.InReplyTo, apply) ||
		c.resolveLocked(f.ClientMsgID, apply) ||
		c.resolveLocked(c.clientIDForQueuedLocked(f.QueuedMessageID), apply) ||
		c.resolveLocked(c.clientIDForQueuedLocked(f.InReplyTo), apply)
	if !matched {
		c.messages = append(c.messages, models.Message{
			ID:        c.freshIDLocked(""),
			Role:      models.RoleAgent,
			Text:      models.AssistantErrorText,
			Timestamp: now.UnixMilli(),
			Error:     true,
		})
	}
	c.mu.Unlock()

	if f.Error != "" {
		c.logger.Warn().Str("reason", f.Error).Str("in_reply_to", f.InReplyTo).Msg("assistant reported an error")
	}
	c.changed()
}

// HandleFrame routes a frame from the socket manager.
func (c *Coordinator) HandleFrame(frame models.Frame) {
	switch f := frame.(type) {
	case *models.AssistantMessageFrame:
		c.PushAssistantMessage(f)
	case *models.ChatErrorFrame:
		c.HandleAssistantError(f)
	case *models.RehydrationFrame:
		c.mu.Lock()
		c.rehydration = f
		c.mu.Unlock()
		c.logger.Debug().Bool("rehydrated", f.Rehydrated).Int("turn_count", f.TurnCount).Msg("rehydration received")
		if c.opts.OnRehydrate != nil {
			c.opts.OnRehydrate(f)
		}
	case *models.TypingFrame:
		c.mu.Lock()
		changed := c.typing != f.Value
		c.typing = f.Value
		c.mu.Unlock()
		if changed && c.opts.OnTyping != nil {
			c.opts.OnTyping(f.Value)
		}
	case *models.RawFrame:
		c.logger.Debug().Str("type", f.Type).Str("event", f.Event).Msg("unhandled frame")
	}
}

// ReplayOutbox re-sends every message parked by an expired credential. It is
// called once a fresh credential is available. A message that keeps failing
// is resolved to an error after MaxReplayAttempts.
func (c *Coordinator) ReplayOutbox(ctx context.Context) {
	c.mu.Lock()
	var batch []*outboxEntry
	for _, e := range c.outbox {
		if !e.inFlight {
			e.inFlight = true
			batch = append(batch, e)
		}
	}
	threadID := c.threadID
	c.mu.Unlock()

	for _, e := range batch {
		resp, err := c.opts.Sender.SendMessage(ctx, c.opts.NewID(), c.request(e.text, threadID, e.clientID))
		if err == nil {
			c.mu.Lock()
			c.removeOutboxLocked(e.clientID)
			c.mu.Unlock()
			c.sendSucceeded(e.clientID, resp)
			continue
		}

		c.mu.Lock()
		e.inFlight = false
		e.attempts++
		giveUp := e.attempts >= c.opts.MaxReplayAttempts
		resolved := false
		if giveUp {
			resolved = c.resolveLocked(e.clientID, failWith(models.UndeliveredText, c.opts.Now()))
			c.removeOutboxLocked(e.clientID)
		}
		c.mu.Unlock()

		c.logger.Warn().Err(err).
			Str("client_msg_id", e.clientID).
			Int("attempt", e.attempts).
			Bool("gave_up", giveUp).
			Msg("outbox replay failed")
		if resolved {
			c.changed()
		}
	}
}

// expire resolves a placeholder that has waited longer than ReplyTimeout.
func (c *Coordinator) expire(clientID string) {
	c.mu.Lock()
	resolved := c.resolveLocked(clientID, failWith(models.ReplyTimeoutText, c.opts.Now()))
	c.mu.Unlock()

	if resolved {
		c.logger.Warn().Str("client_msg_id", clientID).Dur("after", c.opts.ReplyTimeout).Msg("reply timed out")
		c.changed()
	}
}

// resolveLocked is the only path that clears a placeholder. It removes the
// registry entry first so a second resolution for the same send finds
// nothing.
func (c *Coordinator) resolveLocked(clientID string, apply func(*models.Message)) bool {
	if clientID == "" {
		return false
	}
	entry, ok := c.pending[clientID]
	if !ok {
		return false
	}
	delete(c.pending, clientID)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	c.removeOutboxLocked(clientID)

	idx := c.indexLocked(entry.placeholderID)
	if idx < 0 || !c.messages[idx].Pending {
		return false
	}
	msg := &c.messages[idx]
	apply(msg)
	msg.Pending = false
	return true
}

func failWith(text string, now time.Time) func(*models.Message) {
	return func(m *models.Message) {
		m.Text = text
		m.Rich = nil
		m.Error = true
		m.Timestamp = now.UnixMilli()
	}
}

func (c *Coordinator) clientIDForQueuedLocked(queuedID string) string {
	if queuedID == "" {
		return ""
	}
	for clientID, entry := range c.pending {
		if entry.queuedID == queuedID {
			return clientID
		}
	}
	return ""
}

func (c *Coordinator) indexLocked(id string) int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator) freshIDLocked(preferred string) string {
	if preferred != "" && c.indexLocked(preferred) < 0 {
		return preferred
	}
	return c.opts.NewID()
}

func (c *Coordinator) outboxIndexLocked(clientID string) int {
	for i, e := range c.outbox {
		if e.clientID == clientID {
			return i
		}
	}
	return -1
}

func (c *Coordinator) removeOutboxLocked(clientID string) {
	if i := c.outboxIndexLocked(clientID); i >= 0 {
		c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
	}
}

func (c *Coordinator) snapshotLocked() []models.Message {
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// changed hands the current message list to every viewport. Notifications
// never go backwards: a snapshot older than one already delivered is dropped.
func (c *Coordinator) changed() {
	c.mu.Lock()
	c.version++
	version := c.version
	snap := c.snapshotLocked()
	viewports := append([]Viewport(nil), c.viewports...)
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if version <= c.published {
		return
	}
	c.published = version
	for _, v := range viewports {
		v.ScrollToLatest(snap)
	}
}
