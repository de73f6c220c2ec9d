package handlers

import (
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/application/services"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

// ConversationsHandler serves conversation CRUD and the message listing.
type ConversationsHandler struct {
	conversations *services.ConversationService
}

func NewConversationsHandler(conversations *services.ConversationService) *ConversationsHandler {
	return &ConversationsHandler{conversations: conversations}
}

// Create implements POST /api/chat/conversations.
func (h *ConversationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.CreateConversationRequest](r, w)
	if !ok {
		return
	}

	conversation, err := h.conversations.Create(r.Context(), principal.ID, services.CreateConversationInput{
		Title:        req.Title,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, (&dto.ConversationResponse{}).FromModel(conversation), http.StatusCreated)
}

// List implements GET /api/chat/conversations with status, q, from, to and
// paging filters.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	filter := ports.ConversationFilter{
		Search: r.URL.Query().Get("q"),
		Limit:  parseIntQuery(r, "limit", 20),
		Offset: parseIntQuery(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.ConversationStatus(raw)
		if !models.ValidConversationStatus(status) {
			respondError(w, r, domain.NewValidation("INVALID_INPUT", "unknown conversation status"))
			return
		}
		filter.Status = &status
	}
	if from, ok := parseTimeQuery(w, r, "from"); !ok {
		return
	} else if from != nil {
		filter.Since = from
	}
	if to, ok := parseTimeQuery(w, r, "to"); !ok {
		return
	} else if to != nil {
		filter.Until = to
	}

	conversations, err := h.conversations.List(r.Context(), principal.ID, filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, dto.ConversationListResponse{
		Conversations: dto.FromConversationModelList(conversations),
		Limit:         filter.Limit,
		Offset:        filter.Offset,
	}, http.StatusOK)
}

// Get implements GET /api/chat/conversations/{id}.
func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := urlParam(r, w, "id")
	if !ok {
		return
	}

	conversation, messages, err := h.conversations.GetWithMessages(r.Context(), principal.ID, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, dto.ConversationDetailResponse{
		ConversationResponse: *(&dto.ConversationResponse{}).FromModel(conversation),
		Messages:             dto.FromMessageModelList(messages),
	}, http.StatusOK)
}

// Patch implements PATCH /api/chat/conversations/{id}.
func (h *ConversationsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := urlParam(r, w, "id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.UpdateConversationRequest](r, w)
	if !ok {
		return
	}

	input := services.UpdateConversationInput{
		Title:        req.Title,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Metadata:     req.Metadata,
	}
	if req.Status != nil {
		status := models.ConversationStatus(*req.Status)
		input.Status = &status
	}

	conversation, err := h.conversations.Update(r.Context(), principal.ID, id, input)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, (&dto.ConversationResponse{}).FromModel(conversation), http.StatusOK)
}

// Delete implements DELETE /api/chat/conversations/{id}; ?hard=true removes
// the rows instead of soft-deleting.
func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := urlParam(r, w, "id")
	if !ok {
		return
	}

	hard := r.URL.Query().Get("hard") == "true"
	if err := h.conversations.Delete(r.Context(), principal.ID, id, hard); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages implements GET /api/chat/conversations/{id}/messages.
func (h *ConversationsHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := urlParam(r, w, "id")
	if !ok {
		return
	}

	filter := ports.MessageFilter{
		Limit:  parseIntQuery(r, "limit", 50),
		Offset: parseIntQuery(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("role"); raw != "" {
		role := models.MessageRole(raw)
		if !models.ValidMessageRole(role) {
			respondError(w, r, domain.NewValidation("INVALID_INPUT", "unknown message role"))
			return
		}
		filter.Role = &role
	}

	messages, err := h.conversations.ListMessages(r.Context(), principal.ID, id, filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, dto.MessageListResponse{
		Messages: dto.FromMessageModelList(messages),
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, http.StatusOK)
}

func parseTimeQuery(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(w, r, domain.NewValidation("INVALID_INPUT", name+" must be RFC3339"))
		return nil, false
	}
	return &t, true
}
