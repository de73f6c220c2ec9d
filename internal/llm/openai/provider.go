// Package openai adapts the hosted OpenAI API to the provider port.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/llm"
	"github.com/quarrylabs/quarry/internal/ports"
)

const (
	ProviderID = "openai"

	healthTimeout = 5 * time.Second
)

// chatModelPrefixes limits ListModels to conversational families; the
// account listing also carries embedding, audio and image models.
var chatModelPrefixes = []string{"gpt-", "chatgpt-", "o1", "o3", "o4"}

type Provider struct {
	client    oai.Client
	tokenizer *llm.Tokenizer
}

// New constructs the adapter. baseURL is optional and exists for
// API-compatible gateways; requestTimeout caps non-streaming calls.
func New(apiKey, baseURL string, requestTimeout time.Duration) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if requestTimeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(requestTimeout))
	}

	return &Provider{
		client:    oai.NewClient(reqOpts...),
		tokenizer: llm.NewTokenizer(),
	}, nil
}

func (p *Provider) ID() string { return ProviderID }

func buildParams(model string, turns []models.ChatTurn, opts ports.ChatParams) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case models.MessageRoleSystem:
			messages = append(messages, oai.SystemMessage(t.Content))
		case models.MessageRoleUser:
			messages = append(messages, oai.UserMessage(t.Content))
		case models.MessageRoleAssistant:
			asst := oai.ChatCompletionAssistantMessageParam{}
			asst.Content.OfString = oai.String(t.Content)
			messages = append(messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: unsupported message role %q", t.Role)
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if opts.Temperature != nil {
		params.Temperature = param.NewOpt(*opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	if len(opts.StopSequences) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.StopSequences}
	}
	return params, nil
}

func (p *Provider) ChatOnce(ctx context.Context, model string, turns []models.ChatTurn, opts ports.ChatParams) (*ports.ChatResult, error) {
	params, err := buildParams(model, turns, opts)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	return &ports.ChatResult{
		Content: choice.Message.Content,
		Usage: ports.ChatUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		Metadata: map[string]any{"finish_reason": choice.FinishReason},
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, model string, turns []models.ChatTurn, opts ports.ChatParams) (<-chan ports.StreamEvent, error) {
	params, err := buildParams(model, turns, opts)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
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

		finishReason := ""
		var openTool string

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				ok := send(ports.StreamEvent{
					Type: ports.StreamEventUsage,
					Usage: &ports.ChatUsage{
						InputTokens:  int(chunk.Usage.PromptTokens),
						OutputTokens: int(chunk.Usage.CompletionTokens),
						TotalTokens:  int(chunk.Usage.TotalTokens),
					},
				})
				if !ok {
					return
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			for _, tc := range choice.Delta.ToolCalls {
				if tc.ID != "" && tc.ID != openTool {
					if openTool != "" {
						if !send(ports.StreamEvent{Type: ports.StreamEventToolCallEnd, ToolCallID: openTool}) {
							return
						}
					}
					openTool = tc.ID
				}
				ok := send(ports.StreamEvent{
					Type:             ports.StreamEventToolCallStart,
					ToolCallID:       openTool,
					ToolName:         tc.Function.Name,
					ArgumentsPartial: tc.Function.Arguments,
				})
				if !ok {
					return
				}
			}

			if choice.Delta.Content != "" {
				if !send(ports.StreamEvent{Type: ports.StreamEventTokenDelta, Text: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
				if openTool != "" {
					if !send(ports.StreamEvent{Type: ports.StreamEventToolCallEnd, ToolCallID: openTool}) {
						return
					}
					openTool = ""
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

		send(ports.StreamEvent{Type: ports.StreamEventDone, FinishReason: finishReason})
	}()

	return events, nil
}

// ListModels filters the account catalog down to chat families.
func (p *Provider) ListModels(ctx context.Context) ([]*models.ModelDescriptor, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	var descs []*models.ModelDescriptor
	for _, m := range page.Data {
		if !isChatModel(m.ID) {
			continue
		}
		descs = append(descs, describe(m.ID))
	}
	return descs, nil
}

func isChatModel(id string) bool {
	lower := strings.ToLower(id)
	for _, prefix := range chatModelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// describe fills a descriptor from the published per-family limits.
func describe(id string) *models.ModelDescriptor {
	desc := &models.ModelDescriptor{
		Name:          id,
		Provider:      ProviderID,
		ContextWindow: 128_000,
		Streaming:     true,
		Tools:         true,
		Status:        models.ModelStatusAvailable,
	}

	lower := strings.ToLower(id)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "chatgpt-4o"):
		desc.ContextWindow = 128_000
	case strings.HasPrefix(lower, "gpt-4.1"):
		desc.ContextWindow = 1_047_576
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		desc.ContextWindow = 128_000
	case strings.HasPrefix(lower, "gpt-4"):
		desc.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		desc.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1-mini"):
		desc.ContextWindow = 128_000
		desc.Tools = false
		desc.Reasoning = true
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		desc.ContextWindow = 200_000
		desc.Reasoning = true
	}
	return desc
}

func (p *Provider) CountTokens(ctx context.Context, model, text string) (int, error) {
	return p.tokenizer.Count(model, text), nil
}

func (p *Provider) ContextLimit(model string) (int, error) {
	return describe(model).ContextWindow, nil
}

func (p *Provider) Health(ctx context.Context) ports.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if _, err := p.client.Models.List(ctx); err != nil {
		return ports.HealthStatus{OK: false, Detail: mapError(err).Error()}
	}
	return ports.HealthStatus{OK: true}
}

// mapError converts SDK failures into the gateway's error taxonomy.
func mapError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return llm.MapHTTPStatus(ProviderID, apiErr.StatusCode, apiErr.Error(), header)
	}
	return llm.MapTransportError(ProviderID, err)
}

