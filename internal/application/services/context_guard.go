package services

import (
	"context"
	"fmt"

	"github.com/quarrylabs/quarry/internal/adapters/metrics"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

// DefaultOutputHeadroomTokens is reserved for the model's reply when the
// request does not set max_tokens.
const DefaultOutputHeadroomTokens = 512

// ContextGuard rejects turns that would not fit in the model's context
// window before any provider call is made. The projection is conservative:
// it uses the conversation's cached total plus local counts of the incoming
// message and system prompt.
type ContextGuard struct {
	headroom int
}

func NewContextGuard(headroomTokens int) *ContextGuard {
	if headroomTokens <= 0 {
		headroomTokens = DefaultOutputHeadroomTokens
	}
	return &ContextGuard{headroom: headroomTokens}
}

// Check admits the turn and returns the token count of the incoming message
// so callers can reuse it when persisting. maxTokens widens the reserved
// output budget when it exceeds the configured headroom.
func (g *ContextGuard) Check(ctx context.Context, provider ports.Provider, model string, conversation *models.Conversation, incoming string, maxTokens int) (int, error) {
	limit, err := provider.ContextLimit(model)
	if err != nil {
		return 0, err
	}

	incomingTokens, err := provider.CountTokens(ctx, model, incoming)
	if err != nil {
		return 0, domain.NewUnavailable(domain.CodeProviderUnreachable, "failed to count tokens").Wrap(err)
	}
	systemTokens := 0
	if conversation.SystemPrompt != "" {
		systemTokens, err = provider.CountTokens(ctx, model, conversation.SystemPrompt)
		if err != nil {
			return 0, domain.NewUnavailable(domain.CodeProviderUnreachable, "failed to count tokens").Wrap(err)
		}
	}

	reserve := g.headroom
	if maxTokens > reserve {
		reserve = maxTokens
	}

	projected := conversation.TotalTokens + incomingTokens + systemTokens
	if projected > limit-reserve {
		metrics.ContextOverflowsTotal.Inc()
		return 0, domain.NewContextLimit("conversation would exceed the model's context window").
			WithDetails(map[string]any{
				"current_tokens":  conversation.TotalTokens,
				"incoming_tokens": incomingTokens + systemTokens,
				"projected_total": projected,
				"limit":           limit,
				"model":           model,
			}).
			WithSuggestions(
				"Start a new conversation",
				fmt.Sprintf("Use a model with a larger context window (current: %d)", limit),
				"Shorten your message",
			)
	}
	return incomingTokens, nil
}
