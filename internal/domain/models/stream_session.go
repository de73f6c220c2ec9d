package models

import (
	"time"
)

// ChatTurn is one entry of the message history fed to a provider. It is a
// deliberately narrow projection of Message so stream sessions stay small
// enough to serialize into the KV store.
type ChatTurn struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// StreamSession is the transient handoff between prepare-stream and the
// stream endpoint. It lives only in the KV cache under its token and is
// destroyed on consumption or TTL expiry.
type StreamSession struct {
	Token              string     `json:"token"`
	ConversationID     string     `json:"conversation_id"`
	PrincipalID        int64      `json:"principal_id"`
	Model              string     `json:"model"`
	SystemPrompt       string     `json:"system_prompt,omitempty"`
	History            []ChatTurn `json:"history"`
	UserMessageID      string     `json:"user_message_id"`
	AssistantMessageID string     `json:"assistant_message_id"`
	Temperature        *float64   `json:"temperature,omitempty"`
	MaxTokens          int        `json:"max_tokens,omitempty"`
	RequestID          string     `json:"request_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	TTLSeconds         int        `json:"ttl_seconds"`
}

func NewStreamSession(token, conversationID string, principalID int64, model string, ttl time.Duration) *StreamSession {
	return &StreamSession{
		Token:          token,
		ConversationID: conversationID,
		PrincipalID:    principalID,
		Model:          model,
		CreatedAt:      time.Now().UTC(),
		TTLSeconds:     int(ttl.Seconds()),
	}
}

func (s *StreamSession) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.TTLSeconds) * time.Second)
}
