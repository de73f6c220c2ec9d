// Package anthropic adapts the Claude Messages API to the provider port.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/llm"
	"github.com/quarrylabs/quarry/internal/ports"
)

const (
	ProviderID = "anthropic"

	// defaultMaxTokens backs the Messages API's mandatory max_tokens when
	// a request does not set one.
	defaultMaxTokens = 4096

	healthTimeout = 5 * time.Second
)

type Provider struct {
	client    sdk.Client
	tokenizer *llm.Tokenizer
}

func New(apiKey string, requestTimeout time.Duration) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if requestTimeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(requestTimeout))
	}

	return &Provider{
		client:    sdk.NewClient(reqOpts...),
		tokenizer: llm.NewTokenizer(),
	}, nil
}

func (p *Provider) ID() string { return ProviderID }

// buildParams splits system turns into the System field and folds the
// rest into Messages; the API rejects system-role conversation entries.
func buildParams(model string, turns []models.ChatTurn, opts ports.ChatParams) (sdk.MessageNewParams, error) {
	msgs := make([]sdk.MessageParam, 0, len(turns))
	var system []sdk.TextBlockParam

	for _, t := range turns {
		switch t.Role {
		case models.MessageRoleSystem:
			if t.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: t.Content})
			}
		case models.MessageRoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(t.Content)))
		case models.MessageRoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(t.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported message role %q", t.Role)
		}
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one user/assistant message is required")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature != nil {
		params.Temperature = sdk.Float(*opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		params.StopSequences = opts.StopSequences
	}
	return params, nil
}

func (p *Provider) ChatOnce(ctx context.Context, model string, turns []models.ChatTurn, opts ports.ChatParams) (*ports.ChatResult, error) {
	params, err := buildParams(model, turns, opts)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}

	var content, reasoning strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		}
	}

	return &ports.ChatResult{
		Content:   content.String(),
		Reasoning: reasoning.String(),
		Usage: ports.ChatUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		Metadata: map[string]any{"finish_reason": string(msg.StopReason)},
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, model string, turns []models.ChatTurn, opts ports.ChatParams) (<-chan ports.StreamEvent, error) {
	params, err := buildParams(model, turns, opts)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, mapError(err)
	}

	events := make(chan ports.StreamEvent, 10)
	go func() {
		defer close(events)
		defer stream.Close()

		send := func(ev ports.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		inputTokens := 0
		stopReason := ""
		doneSent := false
		tools := make(map[int64]ports.StreamEvent)

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case sdk.MessageStartEvent:
				inputTokens = int(ev.Message.Usage.InputTokens)

			case sdk.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					start := ports.StreamEvent{
						Type:       ports.StreamEventToolCallStart,
						ToolCallID: tu.ID,
						ToolName:   tu.Name,
					}
					tools[ev.Index] = start
					if !send(start) {
						return
					}
				}

			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text == "" {
						continue
					}
					if !send(ports.StreamEvent{Type: ports.StreamEventTokenDelta, Text: delta.Text}) {
						return
					}
				case sdk.ThinkingDelta:
					if delta.Thinking == "" {
						continue
					}
					if !send(ports.StreamEvent{Type: ports.StreamEventReasoningDelta, Text: delta.Thinking}) {
						return
					}
				case sdk.InputJSONDelta:
					if tool, ok := tools[ev.Index]; ok && delta.PartialJSON != "" {
						ok := send(ports.StreamEvent{
							Type:             ports.StreamEventToolCallStart,
							ToolCallID:       tool.ToolCallID,
							ToolName:         tool.ToolName,
							ArgumentsPartial: delta.PartialJSON,
						})
						if !ok {
							return
						}
					}
				}

			case sdk.ContentBlockStopEvent:
				if tool, ok := tools[ev.Index]; ok {
					delete(tools, ev.Index)
					ok := send(ports.StreamEvent{
						Type:       ports.StreamEventToolCallEnd,
						ToolCallID: tool.ToolCallID,
						ToolName:   tool.ToolName,
					})
					if !ok {
						return
					}
				}

			case sdk.MessageDeltaEvent:
				stopReason = string(ev.Delta.StopReason)
				out := int(ev.Usage.OutputTokens)
				ok := send(ports.StreamEvent{
					Type: ports.StreamEventUsage,
					Usage: &ports.ChatUsage{
						InputTokens:  inputTokens,
						OutputTokens: out,
						TotalTokens:  inputTokens + out,
					},
				})
				if !ok {
					return
				}

			case sdk.MessageStopEvent:
				doneSent = true
				if !send(ports.StreamEvent{Type: ports.StreamEventDone, FinishReason: stopReason}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			ev := ports.StreamEvent{
				Type:      ports.StreamEventError,
				Code:      domain.CodeProviderUnreachable,
				Message:   "stream connection lost",
				Retryable: true,
			}
			if derr, ok := domain.AsError(mapError(err)); ok {
				ev.Code = derr.Code
				ev.Message = derr.Message
				ev.Retryable = derr.Retryable
			}
			send(ev)
			return
		}
		if !doneSent {
			send(ports.StreamEvent{Type: ports.StreamEventDone, FinishReason: stopReason})
		}
	}()

	return events, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]*models.ModelDescriptor, error) {
	page, err := p.client.Models.List(ctx, sdk.ModelListParams{})
	if err != nil {
		return nil, mapError(err)
	}

	descs := make([]*models.ModelDescriptor, 0, len(page.Data))
	for _, m := range page.Data {
		descs = append(descs, describe(string(m.ID)))
	}
	return descs, nil
}

func describe(id string) *models.ModelDescriptor {
	return &models.ModelDescriptor{
		Name:          id,
		Provider:      ProviderID,
		ContextWindow: contextWindow(id),
		Streaming:     true,
		Tools:         true,
		Reasoning:     supportsThinking(id),
		Status:        models.ModelStatusAvailable,
	}
}

func contextWindow(id string) int {
	if strings.HasPrefix(strings.ToLower(id), "claude-2") {
		return 100_000
	}
	return 200_000
}

// supportsThinking reports whether the model family accepts extended
// thinking blocks.
func supportsThinking(id string) bool {
	lower := strings.ToLower(id)
	switch {
	case strings.HasPrefix(lower, "claude-3-7"),
		strings.Contains(lower, "sonnet-4"),
		strings.Contains(lower, "opus-4"),
		strings.Contains(lower, "haiku-4"):
		return true
	default:
		return false
	}
}

// CountTokens asks the API for an attested count and falls back to the
// local estimator when the endpoint is unavailable.
func (p *Provider) CountTokens(ctx context.Context, model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	resp, err := p.client.Messages.CountTokens(ctx, sdk.MessageCountTokensParams{
		Model:    sdk.Model(model),
		Messages: []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(text))},
	})
	if err != nil {
		return p.tokenizer.Count(model, text), nil
	}
	return int(resp.InputTokens), nil
}

func (p *Provider) ContextLimit(model string) (int, error) {
	return contextWindow(model), nil
}

func (p *Provider) Health(ctx context.Context) ports.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if _, err := p.client.Models.List(ctx, sdk.ModelListParams{}); err != nil {
		return ports.HealthStatus{OK: false, Detail: mapError(err).Error()}
	}
	return ports.HealthStatus{OK: true}
}

func mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return llm.MapHTTPStatus(ProviderID, apiErr.StatusCode, apiErr.Error(), header)
	}
	return llm.MapTransportError(ProviderID, err)
}
