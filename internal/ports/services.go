package ports

import (
	"context"
	"time"

	"github.com/quarrylabs/quarry/internal/domain/models"
)

// ChatParams carries the per-request generation knobs forwarded to a provider.
type ChatParams struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
	RequestID     string   `json:"request_id,omitempty"`
}

// ChatUsage is the provider-attested token accounting for one call.
type ChatUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResult is the outcome of a non-streaming chat call.
type ChatResult struct {
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	Usage     ChatUsage      `json:"usage"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StreamEventType tags entries of the provider stream.
type StreamEventType string

const (
	StreamEventTokenDelta     StreamEventType = "token_delta"
	StreamEventReasoningDelta StreamEventType = "reasoning_delta"
	StreamEventToolCallStart  StreamEventType = "tool_call_start"
	StreamEventToolCallEnd    StreamEventType = "tool_call_end"
	StreamEventUsage          StreamEventType = "usage"
	StreamEventDone           StreamEventType = "done"
	StreamEventError          StreamEventType = "error"
)

// StreamEvent is one element of the lazy event sequence a provider yields
// while streaming. Exactly the fields relevant to Type are populated.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// token_delta / reasoning_delta
	Text string `json:"text,omitempty"`

	// tool_call_start / tool_call_end
	ToolCallID       string `json:"tool_call_id,omitempty"`
	ToolName         string `json:"tool_name,omitempty"`
	ArgumentsPartial string `json:"arguments_partial,omitempty"`
	ToolResult       string `json:"tool_result,omitempty"`
	ToolErr          string `json:"tool_err,omitempty"`
	ToolElapsedMS    int64  `json:"tool_elapsed_ms,omitempty"`

	// usage
	Usage *ChatUsage `json:"usage,omitempty"`

	// done
	FinishReason string `json:"finish_reason,omitempty"`

	// error
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HealthStatus reports a dependency check outcome.
type HealthStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Provider is the uniform adapter every model provider implements. Stream
// channels are closed by the adapter after the terminal done or error event.
type Provider interface {
	ID() string
	ListModels(ctx context.Context) ([]*models.ModelDescriptor, error)
	CountTokens(ctx context.Context, model, text string) (int, error)
	ContextLimit(model string) (int, error)
	ChatOnce(ctx context.Context, model string, messages []models.ChatTurn, params ChatParams) (*ChatResult, error)
	ChatStream(ctx context.Context, model string, messages []models.ChatTurn, params ChatParams) (<-chan StreamEvent, error)
	Health(ctx context.Context) HealthStatus
}

// ModelRouter resolves canonical model names to the adapter serving them.
type ModelRouter interface {
	Route(model string) (Provider, error)
	ListModels() []*models.ModelDescriptor
	GetModel(name string) (*models.ModelDescriptor, bool)
	Refresh(ctx context.Context)
	// MarkExhausted flags a model whose provider reported a capacity error;
	// the next successful refresh clears the flag.
	MarkExhausted(name string)
}

// SessionStore holds stream sessions in the KV cache between the prepare
// and stream steps.
type SessionStore interface {
	Put(ctx context.Context, session *models.StreamSession, ttl time.Duration) error
	// Claim atomically resolves and consumes the token. The first caller
	// gets the session; later callers get domain.ErrStreamConsumed, and an
	// unknown or expired token gets domain.ErrStreamTokenInvalid.
	Claim(ctx context.Context, token string) (*models.StreamSession, error)
	Delete(ctx context.Context, token string) error
	// SweepOrphans removes session keys that lost their TTL and are older
	// than the configured session lifetime.
	SweepOrphans(ctx context.Context, olderThan time.Duration) (int, error)
}

// PersistAssistantMessageJob asks the persistence worker to store a finished
// (or interrupted) assistant turn. UserMessageID keys idempotency: a second
// job naming the same user message is dropped.
type PersistAssistantMessageJob struct {
	ConversationID     string            `json:"conversation_id"`
	AssistantMessageID string            `json:"assistant_message_id"`
	UserMessageID      string            `json:"user_message_id"`
	Content            string            `json:"content"`
	RawContent         string            `json:"raw_content,omitempty"`
	Reasoning          string            `json:"reasoning,omitempty"`
	Model              string            `json:"model"`
	Usage              ChatUsage         `json:"usage"`
	FinishReason       string            `json:"finish_reason,omitempty"`
	Interrupted        bool              `json:"interrupted,omitempty"`
	ElapsedMS          int64             `json:"elapsed_ms,omitempty"`
	RequestID          string            `json:"request_id,omitempty"`
	EnqueuedAt         time.Time         `json:"enqueued_at"`
	Attempt            int               `json:"attempt,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// JobQueue hands persistence jobs from the gateway to the worker process.
type JobQueue interface {
	EnqueuePersistAssistantMessage(ctx context.Context, job *PersistAssistantMessageJob) error
}

// IDGenerator mints identifiers for the entities the gateway creates.
type IDGenerator interface {
	GenerateConversationID() string
	GenerateMessageID() string
	GenerateRequestID() string
	GenerateStreamToken() string
}
