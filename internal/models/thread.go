package models

import (
	"time"

	"github.com/google/uuid"
)

// Thread is the relay's persisted conversation state, replayed to clients as
// a rehydration frame after they reconnect.
type Thread struct {
	ID                  uuid.UUID `json:"id"`
	UserID              string    `json:"user_id"`
	ActiveDomain        *string   `json:"active_domain"`
	CurrentIntent       *string   `json:"current_intent"`
	ConversationSummary *string   `json:"conversation_summary"`
	TurnCount           int       `json:"turn_count"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}
