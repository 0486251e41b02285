package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"notemind/internal/contextutil"
	"notemind/internal/service"
	"notemind/internal/sse"
)

// ChatHandler serves POST /api/chat in JSON or SSE form depending on
// the Accept header.
type ChatHandler struct {
	chat *service.ChatService
}

// NewChatHandler creates the chat handler.
func NewChatHandler(chat *service.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// Handle decodes the request and dispatches to the streaming or
// non-streaming path.
func (h *ChatHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req service.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, service.Validationf("invalid JSON body"))
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.stream(w, r, req)
		return
	}

	resp, err := h.chat.Chat(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, req service.ChatRequest) {
	logger := contextutil.LoggerFromContext(r.Context())

	if err := h.chat.Validate(&req); err != nil {
		writeError(w, r, err)
		return
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, r, err)
		return
	}

	requestID := middleware.GetReqID(r.Context())
	if err := h.chat.ChatStream(r.Context(), req, writer, requestID); err != nil {
		// Generation errors are reported in-band by the stream path;
		// retrieval errors arrive here before any event went out.
		logger.WarnContext(r.Context(), "chat stream ended with error", "error", err)
		_ = writer.Send(map[string]string{"type": "error", "error": "retrieval failed"})
		writer.Close()
	}
}
