package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatJob is a queued request for an assistant reply.
type ChatJob struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	ThreadID    uuid.UUID `json:"thread_id"`
	ClientMsgID string    `json:"client_msg_id"`
	TraceID     string    `json:"trace_id,omitempty"`
	Message     string    `json:"message"`
	Language    string    `json:"language,omitempty"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reply is what a Responder produces for one job.
type Reply struct {
	ID            uuid.UUID      `json:"id"`
	Text          string         `json:"text"`
	Rich          map[string]any `json:"rich,omitempty"`
	ActiveDomain  *string        `json:"active_domain,omitempty"`
	CurrentIntent *string        `json:"current_intent,omitempty"`
	Summary       *string        `json:"conversation_summary,omitempty"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
