package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/DataInsightAutomation/trainingFramework/core/chat"

	"go.uber.org/zap"
)

const SessionIDHeader = "X-Session-ID"

// ChatService is what the chat endpoints need from the chat layer
type ChatService interface {
	Complete(ctx context.Context, req chat.Request) (string, string, error)
	Stream(ctx context.Context, req chat.Request) (string, <-chan chat.Delta, error)
}

// ChatHandler relays chat turns to the inference engine
type ChatHandler struct {
	chat ChatService
	log  *zap.SugaredLogger
}

func NewChatHandler(c ChatService) *ChatHandler {
	return &ChatHandler{
		chat: c,
		log:  zap.S().Named("chat_handler"),
	}
}

// ChatResponse is the body of POST /chat/notstream
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// Complete handles POST /chat/notstream
func (h *ChatHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	reply, sessionID, err := h.chat.Complete(r.Context(), req)
	if err != nil {
		h.log.Warnw("chat completion failed", "session_id", sessionID, "error", err)
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, ChatResponse{Response: reply, SessionID: sessionID})
}

// Stream handles POST /chat. The body is plain text written as the engine
// produces it; the session id travels in a response header.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sessionID, deltas, err := h.chat.Stream(r.Context(), req)
	if err != nil {
		h.log.Warnw("chat stream failed", "session_id", sessionID, "error", err)
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(SessionIDHeader, sessionID)
	w.Header().Set("Access-Control-Expose-Headers", SessionIDHeader)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for d := range deltas {
		if d.Err != nil {
			h.log.Warnw("chat stream interrupted", "session_id", sessionID, "error", d.Err)
			continue
		}
		if _, err := io.WriteString(w, d.Content); err != nil {
			continue
		}
		_ = rc.Flush()
	}
}
