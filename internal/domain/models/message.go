package models

import (
	"time"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// MessageMetadata carries provider-returned accounting for a single turn.
// UserMessageID links an assistant message back to the user message that
// triggered it, which is what the persistence worker keys idempotency on.
type MessageMetadata struct {
	Model         string `json:"model,omitempty"`
	InputTokens   int    `json:"input_tokens,omitempty"`
	OutputTokens  int    `json:"output_tokens,omitempty"`
	TotalTokens   int    `json:"total_tokens,omitempty"`
	ElapsedMS     int64  `json:"elapsed_ms,omitempty"`
	UserMessageID string `json:"user_message_id,omitempty"`
	FinishReason  string `json:"finish_reason,omitempty"`
	Interrupted   bool   `json:"interrupted,omitempty"`
}

// Message is a single utterance inside a conversation. Content holds the
// user-visible text; RawContent preserves the provider output before
// thinking tags were stripped out, and Reasoning what was inside them.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Seq            int              `json:"seq"`
	Role           MessageRole      `json:"role"`
	Content        string           `json:"content"`
	RawContent     string           `json:"raw_content,omitempty"`
	Reasoning      string           `json:"reasoning,omitempty"`
	TokenCount     int              `json:"token_count"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

func NewMessage(id, conversationID string, role MessageRole, content string) *Message {
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

func NewUserMessage(id, conversationID, content string) *Message {
	return NewMessage(id, conversationID, MessageRoleUser, content)
}

func NewAssistantMessage(id, conversationID, content string) *Message {
	return NewMessage(id, conversationID, MessageRoleAssistant, content)
}

func NewSystemMessage(id, conversationID, content string) *Message {
	return NewMessage(id, conversationID, MessageRoleSystem, content)
}

func (m *Message) IsFromUser() bool {
	return m.Role == MessageRoleUser
}

func (m *Message) IsFromAssistant() bool {
	return m.Role == MessageRoleAssistant
}

func ValidMessageRole(r MessageRole) bool {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem, MessageRoleTool:
		return true
	}
	return false
}
