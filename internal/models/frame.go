package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Frame type and event discriminators used on /ws/chat/.
const (
	TypeClientHello = "client_hello"
	TypeRehydration = "rehydration"
	TypeChatStatus  = "chat_status"
	TypeChatMessage = "chat_message"
	TypeChatError   = "chat_error"
	EventTyping     = "typing"
	EventAssistant  = "assistant_message"
)

// FrameKind is the classification ParseFrame assigns to an inbound frame.
type FrameKind int

const (
	KindRaw FrameKind = iota
	KindRehydration
	KindTyping
	KindAssistantMessage
	KindChatError
)

func (k FrameKind) String() string {
	switch k {
	case KindRehydration:
		return "rehydration"
	case KindTyping:
		return "typing"
	case KindAssistantMessage:
		return "assistant_message"
	case KindChatError:
		return "chat_error"
	default:
		return "raw"
	}
}

// Frame is a parsed inbound envelope. The concrete type is one of
// *RehydrationFrame, *TypingFrame, *AssistantMessageFrame, *ChatErrorFrame or
// *RawFrame.
type Frame interface {
	Kind() FrameKind
	// Raw returns the frame exactly as it arrived.
	Raw() json.RawMessage
}

// ValidationError reports an inbound frame that does not match its declared
// shape.
type ValidationError struct {
	Kind   FrameKind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s frame: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s frame: %s %s", e.Kind, e.Field, e.Reason)
}

// RehydrationFrame is the relay's recovery snapshot. It is decoded best
// effort; fields with an unexpected shape are left zero and Raw keeps the
// frame as sent.
type RehydrationFrame struct {
	Rehydrated          bool
	ActiveDomain        json.RawMessage
	CurrentIntent       json.RawMessage
	ConversationSummary json.RawMessage
	TurnCount           int
	raw                 json.RawMessage
}

func (f *RehydrationFrame) Kind() FrameKind      { return KindRehydration }
func (f *RehydrationFrame) Raw() json.RawMessage { return f.raw }

type TypingFrame struct {
	Value bool
	raw   json.RawMessage
}

func (f *TypingFrame) Kind() FrameKind      { return KindTyping }
func (f *TypingFrame) Raw() json.RawMessage { return f.raw }

// AssistantMessageFrame is a validated assistant reply.
type AssistantMessageFrame struct {
	ThreadID        string
	Text            string
	Rich            map[string]any
	PayloadID       string
	InReplyTo       string
	QueuedMessageID string
	Trace           string
	Timestamp       int64
	raw             json.RawMessage
}

func (f *AssistantMessageFrame) Kind() FrameKind      { return KindAssistantMessage }
func (f *AssistantMessageFrame) Raw() json.RawMessage { return f.raw }

// Fingerprint identifies the logical reply for duplicate suppression.
func (f *AssistantMessageFrame) Fingerprint() string {
	key := f.Trace
	if key == "" {
		key = f.InReplyTo
	}
	if key == "" {
		key = f.PayloadID
	}
	return f.ThreadID + ":" + key
}

// ChatErrorFrame reports that the backend failed to produce a reply.
type ChatErrorFrame struct {
	InReplyTo       string
	ClientMsgID     string
	QueuedMessageID string
	Error           string
	raw             json.RawMessage
}

func (f *ChatErrorFrame) Kind() FrameKind      { return KindChatError }
func (f *ChatErrorFrame) Raw() json.RawMessage { return f.raw }

// RawFrame is any frame this client has no special handling for.
type RawFrame struct {
	Type  string
	Event string
	raw   json.RawMessage
}

func (f *RawFrame) Kind() FrameKind      { return KindRaw }
func (f *RawFrame) Raw() json.RawMessage { return f.raw }

// ParseFrame classifies and validates a single inbound text frame.
func ParseFrame(data []byte) (Frame, error) {
	raw := json.RawMessage(bytes.TrimSpace(data))

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, &ValidationError{Kind: KindRaw, Reason: "frame is not a JSON object"}
	}

	typ, _ := doc["type"].(string)
	event, _ := doc["event"].(string)

	switch {
	case typ == TypeRehydration:
		return parseRehydration(doc, raw), nil

	case typ == TypeChatStatus && event == EventTyping:
		return parseTyping(doc, raw), nil

	case typ == TypeChatMessage && event == EventAssistant:
		f, err := parseAssistant(doc, raw)
		if err != nil {
			return nil, err
		}
		return f, nil

	case typ == TypeChatError:
		return parseChatError(doc, raw), nil

	default:
		return &RawFrame{Type: typ, Event: event, raw: raw}, nil
	}
}

func parseRehydration(doc map[string]any, raw json.RawMessage) *RehydrationFrame {
	f := &RehydrationFrame{raw: raw}
	f.Rehydrated, _ = doc["rehydrated"].(bool)
	f.TurnCount = intField(doc["turn_count"])

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		f.ActiveDomain = fields["active_domain"]
		f.CurrentIntent = fields["current_intent"]
		f.ConversationSummary = fields["conversation_summary"]
	}
	return f
}

func parseTyping(doc map[string]any, raw json.RawMessage) *TypingFrame {
	if v, ok := doc["value"].(bool); ok {
		return &TypingFrame{Value: v, raw: raw}
	}
	if payload, ok := doc["payload"].(map[string]any); ok {
		if v, ok := payload["value"].(bool); ok {
			return &TypingFrame{Value: v, raw: raw}
		}
	}
	return &TypingFrame{raw: raw}
}

func parseAssistant(doc map[string]any, raw json.RawMessage) (*AssistantMessageFrame, error) {
	invalid := func(field, reason string) error {
		return &ValidationError{Kind: KindAssistantMessage, Field: field, Reason: reason}
	}

	threadID, ok := doc["thread_id"].(string)
	if !ok {
		return nil, invalid("thread_id", "must be a string")
	}

	payload, ok := doc["payload"].(map[string]any)
	if !ok {
		return nil, invalid("payload", "must be an object")
	}
	text, ok := payload["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return nil, invalid("payload.text", "must be a non-empty string")
	}
	rich, ok := payload["rich"].(map[string]any)
	if !ok || rich == nil {
		rich = map[string]any{}
	}

	meta, ok := doc["meta"].(map[string]any)
	if !ok {
		return nil, invalid("meta", "must be an object")
	}
	inReplyTo, ok := meta["in_reply_to"].(string)
	if !ok || strings.TrimSpace(inReplyTo) == "" {
		return nil, invalid("meta.in_reply_to", "must be a non-empty string")
	}

	f := &AssistantMessageFrame{
		ThreadID:        threadID,
		Text:            text,
		Rich:            rich,
		PayloadID:       stringField(payload["id"]),
		InReplyTo:       inReplyTo,
		QueuedMessageID: stringField(meta["queued_message_id"]),
		Trace:           stringField(meta["trace"]),
		raw:             raw,
	}
	if ts, ok := doc["timestamp"].(float64); ok {
		f.Timestamp = int64(ts)
	} else if ts, ok := payload["timestamp"].(float64); ok {
		f.Timestamp = int64(ts)
	}
	return f, nil
}

func parseChatError(doc map[string]any, raw json.RawMessage) *ChatErrorFrame {
	f := &ChatErrorFrame{raw: raw}
	if msg, ok := doc["message"].(map[string]any); ok {
		f.InReplyTo = stringField(msg["in_reply_to"])
		f.ClientMsgID = stringField(msg["client_msg_id"])
		f.QueuedMessageID = stringField(msg["queued_message_id"])
	}
	switch e := doc["error"].(type) {
	case string:
		f.Error = e
	case map[string]any:
		f.Error = stringField(e["message"])
	}
	return f
}

// stringField accepts ids sent either as strings or as JSON numbers.
func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// intField accepts counters sent as JSON numbers or numeric strings.
func intField(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// ClientHello is sent as soon as a socket opens so the relay can replay state.
type ClientHello struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

func NewClientHello(threadID string) ClientHello {
	return ClientHello{Type: TypeClientHello, ThreadID: threadID}
}

// Outbound envelopes written by the relay.

type AssistantPayload struct {
	ID   string         `json:"id,omitempty"`
	Text string         `json:"text"`
	Rich map[string]any `json:"rich"`
}

type AssistantMeta struct {
	InReplyTo       string `json:"in_reply_to"`
	QueuedMessageID string `json:"queued_message_id,omitempty"`
	Trace           string `json:"trace,omitempty"`
}

type AssistantMessageEnvelope struct {
	Type      string           `json:"type"`
	Event     string           `json:"event"`
	ThreadID  string           `json:"thread_id"`
	Payload   AssistantPayload `json:"payload"`
	Meta      AssistantMeta    `json:"meta"`
	Timestamp int64            `json:"timestamp,omitempty"`
}

func NewAssistantMessage(threadID string, payload AssistantPayload, meta AssistantMeta, ts int64) AssistantMessageEnvelope {
	if payload.Rich == nil {
		payload.Rich = map[string]any{}
	}
	return AssistantMessageEnvelope{
		Type:      TypeChatMessage,
		Event:     EventAssistant,
		ThreadID:  threadID,
		Payload:   payload,
		Meta:      meta,
		Timestamp: ts,
	}
}

type TypingEnvelope struct {
	Type     string `json:"type"`
	Event    string `json:"event"`
	ThreadID string `json:"thread_id,omitempty"`
	Value    bool   `json:"value"`
}

func NewTyping(threadID string, value bool) TypingEnvelope {
	return TypingEnvelope{Type: TypeChatStatus, Event: EventTyping, ThreadID: threadID, Value: value}
}

type RehydrationEnvelope struct {
	Type                string  `json:"type"`
	Rehydrated          bool    `json:"rehydrated"`
	ThreadID            string  `json:"thread_id"`
	ActiveDomain        *string `json:"active_domain"`
	CurrentIntent       *string `json:"current_intent"`
	ConversationSummary *string `json:"conversation_summary"`
	TurnCount           int     `json:"turn_count"`
}

func NewRehydration(t *Thread) RehydrationEnvelope {
	return RehydrationEnvelope{
		Type:                TypeRehydration,
		Rehydrated:          t.TurnCount > 0,
		ThreadID:            t.ID.String(),
		ActiveDomain:        t.ActiveDomain,
		CurrentIntent:       t.CurrentIntent,
		ConversationSummary: t.ConversationSummary,
		TurnCount:           t.TurnCount,
	}
}

type ChatErrorRef struct {
	InReplyTo       string `json:"in_reply_to,omitempty"`
	ClientMsgID     string `json:"client_msg_id,omitempty"`
	QueuedMessageID string `json:"queued_message_id,omitempty"`
}

type ChatErrorEnvelope struct {
	Type    string       `json:"type"`
	Message ChatErrorRef `json:"message"`
	Error   string       `json:"error,omitempty"`
}

func NewChatError(ref ChatErrorRef, reason string) ChatErrorEnvelope {
	return ChatErrorEnvelope{Type: TypeChatError, Message: ref, Error: reason}
}
