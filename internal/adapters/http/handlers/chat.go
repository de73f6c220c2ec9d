package handlers

import (
	"net/http"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/adapters/http/middleware"
	"github.com/quarrylabs/quarry/internal/application/services"
)

// ChatHandler serves the non-streaming chat turn.
type ChatHandler struct {
	chat *services.ChatService
}

func NewChatHandler(chat *services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// Chat implements POST /api/chat/conversations/{id}/chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := urlParam(r, w, "id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.ChatRequest](r, w)
	if !ok {
		return
	}

	outcome, err := h.chat.Chat(r.Context(), principal.ID, id, services.ChatInput{
		Message:     req.Message,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   middleware.GetRequestID(r.Context()),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, dto.ChatResponse{
		UserMessage:      (&dto.MessageResponse{}).FromModel(outcome.UserMessage),
		AssistantMessage: (&dto.MessageResponse{}).FromModel(outcome.AssistantMessage),
		Usage:            dto.UsageFromPorts(outcome.Usage),
	}, http.StatusOK)
}
