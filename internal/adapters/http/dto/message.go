package dto

import (
	"time"

	"github.com/quarrylabs/quarry/internal/domain/models"
)

// MessageResponse represents a message in API responses
type MessageResponse struct {
	ID             string                  `json:"id"`
	ConversationID string                  `json:"conversation_id"`
	Seq            int                     `json:"seq"`
	Role           string                  `json:"role"`
	Content        string                  `json:"content"`
	Reasoning      string                  `json:"reasoning,omitempty"`
	TokenCount     int                     `json:"token_count"`
	Metadata       *models.MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// MessageListResponse represents a page of messages
type MessageListResponse struct {
	Messages []*MessageResponse `json:"messages"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// FromModel converts a domain model to a response DTO
func (r *MessageResponse) FromModel(msg *models.Message) *MessageResponse {
	return &MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Reasoning:      msg.Reasoning,
		TokenCount:     msg.TokenCount,
		Metadata:       msg.Metadata,
		CreatedAt:      msg.CreatedAt,
	}
}

// FromMessageModelList converts a list of domain models to response DTOs
func FromMessageModelList(msgs []*models.Message) []*MessageResponse {
	responses := make([]*MessageResponse, len(msgs))
	for i, msg := range msgs {
		responses[i] = (&MessageResponse{}).FromModel(msg)
	}
	return responses
}
