package models

import (
	"encoding/json"
	"strings"
)

// Role identifies who authored a chat turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message represents a single turn in a thread.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Text      string         `json:"text"`
	Timestamp int64          `json:"timestamp"` // epoch millis
	Pending   bool           `json:"pending"`
	InReplyTo string         `json:"in_reply_to,omitempty"`
	Error     bool           `json:"error,omitempty"`
	Rich      map[string]any `json:"rich,omitempty"`
}

// SendRequest is the payload sent to POST /api/chat/.
type SendRequest struct {
	Message        string `json:"message"`
	Language       string `json:"language,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	ClientMsgID    string `json:"client_msg_id"`
}

// SendResponse is the body returned by POST /api/chat/. A queued response
// carries no Response; the reply then only arrives over the socket.
type SendResponse struct {
	ThreadID        string          `json:"thread_id,omitempty"`
	QueuedMessageID string          `json:"queued_message_id,omitempty"`
	Response        json.RawMessage `json:"response,omitempty"`
}

// Reply extracts a synchronous reply from the response body. The relay sends
// either a bare string or an object with text/rich fields.
func (r *SendResponse) Reply() (text string, rich map[string]any, ok bool) {
	if r == nil || len(r.Response) == 0 || string(r.Response) == "null" {
		return "", nil, false
	}

	var s string
	if err := json.Unmarshal(r.Response, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", nil, false
		}
		return s, nil, true
	}

	var body struct {
		Text  string         `json:"text"`
		Reply string         `json:"reply"`
		Rich  map[string]any `json:"rich"`
	}
	if err := json.Unmarshal(r.Response, &body); err != nil {
		return "", nil, false
	}
	text = body.Text
	if text == "" {
		text = body.Reply
	}
	if strings.TrimSpace(text) == "" {
		return "", nil, false
	}
	return text, body.Rich, true
}

// Reply text shown when a turn fails.
const (
	SendFailedText     = "Sorry, something went wrong sending your message. Please try again."
	AssistantErrorText = "Sorry, I couldn't complete that request. Please try again."
	ReplyTimeoutText   = "This is taking longer than expected. Please try again."
	UndeliveredText    = "Your message could not be delivered. Please resend it."
	PlaceholderText    = "Working on it..."
)
