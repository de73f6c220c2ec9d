package models

import (
	"time"
)

type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
	ConversationStatusDeleted  ConversationStatus = "deleted"
)

const MaxConversationTitleLength = 500

// Conversation is a persistent chat session owned by exactly one principal.
// MessageCount and TotalTokens are cached aggregates maintained inside the
// same transaction as every message insert.
type Conversation struct {
	ID           string             `json:"id"`
	PrincipalID  int64              `json:"principal_id"`
	Title        string             `json:"title"`
	Status       ConversationStatus `json:"status"`
	Model        string             `json:"model,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	MessageCount int                `json:"message_count"`
	TotalTokens  int                `json:"total_tokens"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func NewConversation(id string, principalID int64, title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:          id,
		PrincipalID: principalID,
		Title:       title,
		Status:      ConversationStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (c *Conversation) IsActive() bool {
	return c.Status == ConversationStatusActive
}

func (c *Conversation) IsDeleted() bool {
	return c.Status == ConversationStatusDeleted
}

// Archive transitions the conversation to archived state with validation
func (c *Conversation) Archive() error {
	if err := ValidateTransition(c.Status, ConversationStatusArchived); err != nil {
		return err
	}
	c.Status = ConversationStatusArchived
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Unarchive transitions the conversation back to active state with validation
func (c *Conversation) Unarchive() error {
	if err := ValidateTransition(c.Status, ConversationStatusActive); err != nil {
		return err
	}
	c.Status = ConversationStatusActive
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkAsDeleted soft-deletes the conversation. Messages are retained until a
// hard delete removes the row and cascades.
func (c *Conversation) MarkAsDeleted() error {
	if err := ValidateTransition(c.Status, ConversationStatusDeleted); err != nil {
		return err
	}
	c.Status = ConversationStatusDeleted
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func ValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case ConversationStatusActive, ConversationStatusArchived, ConversationStatusDeleted:
		return true
	}
	return false
}
