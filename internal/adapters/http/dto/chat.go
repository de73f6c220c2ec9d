package dto

import (
	"github.com/quarrylabs/quarry/internal/ports"
)

// ChatRequest is one non-streaming user turn.
type ChatRequest struct {
	Message     string   `json:"message"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// UsageResponse is the provider-attested token accounting for a turn.
type UsageResponse struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResponse returns both persisted messages plus usage.
type ChatResponse struct {
	UserMessage      *MessageResponse `json:"user_message"`
	AssistantMessage *MessageResponse `json:"assistant_message"`
	Usage            UsageResponse    `json:"usage"`
}

// UsageFromPorts converts the internal usage struct.
func UsageFromPorts(u ports.ChatUsage) UsageResponse {
	return UsageResponse{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// PrepareStreamRequest is the body of prepare-stream.
type PrepareStreamRequest struct {
	Message     string   `json:"message"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// PrepareStreamResponse hands the client its single-use stream URL.
type PrepareStreamResponse struct {
	StreamToken string `json:"stream_token"`
	StreamURL   string `json:"stream_url"`
	ExpiresIn   int    `json:"expires_in"`
}
