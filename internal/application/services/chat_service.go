package services

import (
	"context"
	"time"

	"github.com/quarrylabs/quarry/internal/adapters/metrics"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

// ChatService runs a complete non-streaming turn: guard, provider call and
// persistence of both messages before the response is returned.
type ChatService struct {
	conversations *ConversationService
	router        ports.ModelRouter
	guard         *ContextGuard
	idGenerator   ports.IDGenerator
}

func NewChatService(
	conversations *ConversationService,
	router ports.ModelRouter,
	guard *ContextGuard,
	idGenerator ports.IDGenerator,
) *ChatService {
	return &ChatService{
		conversations: conversations,
		router:        router,
		guard:         guard,
		idGenerator:   idGenerator,
	}
}

// ChatInput is one user turn. Model falls back to the conversation's default
// model; there is no server-wide default.
type ChatInput struct {
	Message     string
	Model       string
	Temperature *float64
	MaxTokens   int
	RequestID   string
}

// ChatOutcome is what the non-streaming endpoint returns: both persisted
// messages plus the provider-attested usage.
type ChatOutcome struct {
	UserMessage      *models.Message
	AssistantMessage *models.Message
	Usage            ports.ChatUsage
}

func (s *ChatService) Chat(ctx context.Context, principalID int64, conversationID string, input ChatInput) (*ChatOutcome, error) {
	if err := ValidateRequired(input.Message, "message"); err != nil {
		return nil, err
	}

	conversation, err := s.conversations.Get(ctx, principalID, conversationID)
	if err != nil {
		return nil, err
	}

	model := input.Model
	if model == "" {
		model = conversation.Model
	}
	if model == "" {
		return nil, domain.NewValidation("INVALID_INPUT", "model is required")
	}

	provider, err := s.router.Route(model)
	if err != nil {
		return nil, err
	}

	incomingTokens, err := s.guard.Check(ctx, provider, model, conversation, input.Message, input.MaxTokens)
	if err != nil {
		return nil, err
	}

	userMessage := models.NewUserMessage(s.idGenerator.GenerateMessageID(), conversation.ID, input.Message)
	userMessage.TokenCount = incomingTokens
	if err := s.conversations.AppendMessage(ctx, userMessage); err != nil {
		return nil, err
	}

	// The user message is committed at this point, so history includes it
	// as the final turn.
	history, err := s.conversations.History(ctx, conversation)
	if err != nil {
		return nil, err
	}

	params := ports.ChatParams{
		Temperature: input.Temperature,
		MaxTokens:   input.MaxTokens,
		RequestID:   input.RequestID,
	}

	start := time.Now()
	result, err := provider.ChatOnce(ctx, model, history, params)
	metrics.LLMRequestDuration.WithLabelValues(provider.ID(), model).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(provider.ID(), model, "error").Inc()
		if e, ok := domain.AsError(err); ok && e.Code == domain.CodeCapacityExhausted {
			s.router.MarkExhausted(model)
		}
		return nil, err
	}
	metrics.LLMRequestsTotal.WithLabelValues(provider.ID(), model, "ok").Inc()
	metrics.LLMTokensTotal.WithLabelValues(model, "input").Add(float64(result.Usage.InputTokens))
	metrics.LLMTokensTotal.WithLabelValues(model, "output").Add(float64(result.Usage.OutputTokens))

	assistantMessage := models.NewAssistantMessage(s.idGenerator.GenerateMessageID(), conversation.ID, result.Content)
	assistantMessage.Reasoning = result.Reasoning
	assistantMessage.TokenCount = result.Usage.OutputTokens
	assistantMessage.Metadata = &models.MessageMetadata{
		Model:         model,
		InputTokens:   result.Usage.InputTokens,
		OutputTokens:  result.Usage.OutputTokens,
		TotalTokens:   result.Usage.TotalTokens,
		ElapsedMS:     time.Since(start).Milliseconds(),
		UserMessageID: userMessage.ID,
		FinishReason:  finishReason(result.Metadata),
	}
	if err := s.conversations.AppendMessage(ctx, assistantMessage); err != nil {
		return nil, err
	}

	return &ChatOutcome{
		UserMessage:      userMessage,
		AssistantMessage: assistantMessage,
		Usage:            result.Usage,
	}, nil
}

func finishReason(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if reason, ok := metadata["finish_reason"].(string); ok {
		return reason
	}
	return ""
}
