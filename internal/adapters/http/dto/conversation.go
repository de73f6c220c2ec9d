package dto

import (
	"time"

	"github.com/quarrylabs/quarry/internal/domain/models"
)

// CreateConversationRequest represents a request to create a new conversation
type CreateConversationRequest struct {
	Title        string         `json:"title"`
	Model        string         `json:"model,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UpdateConversationRequest represents a partial conversation update
type UpdateConversationRequest struct {
	Title        *string        `json:"title,omitempty"`
	Status       *string        `json:"status,omitempty"`
	Model        *string        `json:"model,omitempty"`
	SystemPrompt *string        `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ConversationResponse represents a conversation in API responses
type ConversationResponse struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Status       string         `json:"status"`
	Model        string         `json:"model,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	MessageCount int            `json:"message_count"`
	TotalTokens  int            `json:"total_tokens"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ConversationDetailResponse is the single-conversation payload: the
// conversation plus its message log in insertion order.
type ConversationDetailResponse struct {
	ConversationResponse
	Messages []*MessageResponse `json:"messages"`
}

// ConversationListResponse represents a page of conversations
type ConversationListResponse struct {
	Conversations []*ConversationResponse `json:"conversations"`
	Limit         int                     `json:"limit"`
	Offset        int                     `json:"offset"`
}

// FromModel converts a domain model to a response DTO
func (r *ConversationResponse) FromModel(conv *models.Conversation) *ConversationResponse {
	return &ConversationResponse{
		ID:           conv.ID,
		Title:        conv.Title,
		Status:       string(conv.Status),
		Model:        conv.Model,
		SystemPrompt: conv.SystemPrompt,
		Metadata:     conv.Metadata,
		MessageCount: conv.MessageCount,
		TotalTokens:  conv.TotalTokens,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
}

// FromConversationModelList converts a list of domain models to response DTOs
func FromConversationModelList(convs []*models.Conversation) []*ConversationResponse {
	responses := make([]*ConversationResponse, len(convs))
	for i, conv := range convs {
		responses[i] = (&ConversationResponse{}).FromModel(conv)
	}
	return responses
}
