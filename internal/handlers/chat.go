package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"souk-chat/internal/middleware"
	"souk-chat/internal/models"
)

// CorrelationHeader carries the client's per-request correlation id.
const CorrelationHeader = "X-Correlation-ID"

type chatSubmitter interface {
	Submit(ctx context.Context, userID, traceID string, req models.SendRequest, sync bool) (*models.SendResponse, error)
}

type ChatHandler struct {
	chat        chatSubmitter
	syncReplies bool
}

func NewChatHandler(chat chatSubmitter, syncReplies bool) *ChatHandler {
	return &ChatHandler{chat: chat, syncReplies: syncReplies}
}

// Send accepts a user turn. The reply is normally delivered over the thread's
// socket; ?sync=1 also returns it in the response body.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	sync := h.syncReplies
	switch r.URL.Query().Get("sync") {
	case "1", "true":
		sync = true
	case "0", "false":
		sync = false
	}

	userID := middleware.GetUserID(r.Context())
	resp, err := h.chat.Submit(r.Context(), userID, r.Header.Get(CorrelationHeader), req, sync)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}
