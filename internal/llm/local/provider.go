// Package local adapts an OpenAI-compatible self-hosted inference server
// (llama.cpp, vLLM, LM Studio) to the provider port.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/adapters/retry"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/llm"
	"github.com/quarrylabs/quarry/internal/ports"
)

const (
	ProviderID = "local"

	defaultContextWindow  = 8192
	defaultRequestTimeout = 180 * time.Second
	healthTimeout         = 5 * time.Second
)

// ModelConfig declares metadata the OpenAI-compatible listing endpoint
// does not carry for self-hosted models.
type ModelConfig struct {
	Name          string
	ContextWindow int
	Streaming     bool
	Tools         bool
	Reasoning     bool
}

// Provider speaks the OpenAI chat completions protocol against a
// self-hosted host over plain net/http.
type Provider struct {
	baseURL     string
	apiKey      string
	modelMeta   map[string]ModelConfig
	httpClient  *http.Client
	streamHTTP  *http.Client
	retryConfig retry.BackoffConfig
	tokenizer   *llm.Tokenizer
}

// New builds the adapter. requestTimeout caps non-streaming calls;
// streaming calls are governed by the caller's context instead.
func New(baseURL, apiKey string, requestTimeout time.Duration, modelCfg []ModelConfig) *Provider {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	meta := make(map[string]ModelConfig, len(modelCfg))
	for _, m := range modelCfg {
		meta[m.Name] = m
	}

	return &Provider{
		baseURL:     baseURL,
		apiKey:      apiKey,
		modelMeta:   meta,
		httpClient:  &http.Client{Timeout: requestTimeout},
		streamHTTP:  &http.Client{},
		retryConfig: retry.DefaultConfig(),
		tokenizer:   llm.NewTokenizer(),
	}
}

func (p *Provider) ID() string { return ProviderID }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (p *Provider) buildRequest(model string, turns []models.ChatTurn, params ports.ChatParams, stream bool) chatCompletionRequest {
	msgs := make([]chatMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, chatMessage{Role: string(t.Role), Content: t.Content})
	}

	req := chatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Stop:        params.StopSequences,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

func (p *Provider) newHTTPRequest(ctx context.Context, body []byte, requestID string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}
	return httpReq, nil
}

// ChatOnce sends a non-streaming completion request. Transient failures
// are retried before the error is mapped for the caller.
func (p *Provider) ChatOnce(ctx context.Context, model string, turns []models.ChatTurn, params ports.ChatParams) (*ports.ChatResult, error) {
	body, err := json.Marshal(p.buildRequest(model, turns, params, false))
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	var respBody []byte
	var statusCode int
	var respHeader http.Header

	err = retry.WithBackoffHTTP(ctx, p.retryConfig, func() (int, error) {
		httpReq, err := p.newHTTPRequest(ctx, body, params.RequestID)
		if err != nil {
			return 0, err
		}

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		statusCode = resp.StatusCode
		respHeader = resp.Header
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return statusCode, fmt.Errorf("reading response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return statusCode, fmt.Errorf("chat completions returned %s", resp.Status)
		}
		return statusCode, nil
	})
	if err != nil {
		if statusCode != 0 && statusCode != http.StatusOK {
			return nil, llm.MapHTTPStatus(ProviderID, statusCode, extractAPIError(respBody), respHeader)
		}
		return nil, llm.MapTransportError(ProviderID, err)
	}

	var response chatCompletionResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("chat response carried no choices")
	}

	choice := response.Choices[0]
	return &ports.ChatResult{
		Content:   choice.Message.Content,
		Reasoning: choice.Message.ReasoningContent,
		Usage: ports.ChatUsage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
			TotalTokens:  response.Usage.TotalTokens,
		},
		Metadata: map[string]any{"finish_reason": choice.FinishReason},
	}, nil
}

// ChatStream opens an SSE completion stream. The connection attempt is
// retried with backoff; an established stream reconnects at most once,
// and only if nothing was received yet.
func (p *Provider) ChatStream(ctx context.Context, model string, turns []models.ChatTurn, params ports.ChatParams) (<-chan ports.StreamEvent, error) {
	body, err := json.Marshal(p.buildRequest(model, turns, params, true))
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	resp, err := p.openStream(ctx, body, params.RequestID)
	if err != nil {
		return nil, err
	}

	events := make(chan ports.StreamEvent, 10)
	go p.consumeStream(ctx, resp, body, params.RequestID, events)
	return events, nil
}

// openStream issues the streaming POST, retrying the connection itself
// but never a stream that already produced data.
func (p *Provider) openStream(ctx context.Context, body []byte, requestID string) (*http.Response, error) {
	var resp *http.Response
	var statusCode int
	var errBody []byte
	var errHeader http.Header

	err := retry.WithBackoffHTTP(ctx, p.retryConfig, func() (int, error) {
		httpReq, err := p.newHTTPRequest(ctx, body, requestID)
		if err != nil {
			return 0, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err = p.streamHTTP.Do(httpReq)
		if err != nil {
			return 0, err
		}

		statusCode = resp.StatusCode
		if resp.StatusCode != http.StatusOK {
			errHeader = resp.Header
			errBody, _ = io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return statusCode, fmt.Errorf("chat completions returned %s", resp.Status)
		}
		return statusCode, nil
	})
	if err != nil {
		if statusCode != 0 && statusCode != http.StatusOK {
			return nil, llm.MapHTTPStatus(ProviderID, statusCode, extractAPIError(errBody), errHeader)
		}
		return nil, llm.MapTransportError(ProviderID, err)
	}
	return resp, nil
}

func (p *Provider) consumeStream(ctx context.Context, resp *http.Response, body []byte, requestID string, events chan<- ports.StreamEvent) {
	defer close(events)
	defer func() { resp.Body.Close() }()

	reader := bufio.NewReader(resp.Body)
	received := false
	reconnected := false
	finishReason := ""

	var currentTool *ports.StreamEvent

	flushTool := func() bool {
		if currentTool == nil {
			return true
		}
		end := ports.StreamEvent{
			Type:       ports.StreamEventToolCallEnd,
			ToolCallID: currentTool.ToolCallID,
			ToolName:   currentTool.ToolName,
		}
		currentTool = nil
		return p.send(ctx, events, end)
	}

	for {
		select {
		case <-ctx.Done():
			p.sendContextError(ctx, events)
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			// A drop before any data arrived gets one fresh connection.
			if !received && !reconnected && ctx.Err() == nil {
				reconnected = true
				if next, rerr := p.openStream(ctx, body, requestID); rerr == nil {
					resp.Body.Close()
					resp = next
					reader = bufio.NewReader(resp.Body)
					continue
				}
			}
			if ctx.Err() != nil {
				p.sendContextError(ctx, events)
				return
			}
			if err == io.EOF && finishReason != "" {
				// Host closed without the [DONE] sentinel after finishing.
				p.send(ctx, events, ports.StreamEvent{Type: ports.StreamEventDone, FinishReason: finishReason})
				return
			}
			p.send(ctx, events, ports.StreamEvent{
				Type:      ports.StreamEventError,
				Code:      domain.CodeProviderUnreachable,
				Message:   fmt.Sprintf("stream connection lost: %v", err),
				Retryable: true,
			})
			return
		}

		lineStr := strings.TrimSpace(string(line))
		if lineStr == "" || !strings.HasPrefix(lineStr, "data: ") {
			continue
		}
		received = true

		data := strings.TrimPrefix(lineStr, "data: ")
		if data == "[DONE]" {
			if !flushTool() {
				return
			}
			p.send(ctx, events, ports.StreamEvent{Type: ports.StreamEventDone, FinishReason: finishReason})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		// The usage-only frame arrives with an empty choices array.
		if chunk.Usage != nil {
			ok := p.send(ctx, events, ports.StreamEvent{
				Type: ports.StreamEventUsage,
				Usage: &ports.ChatUsage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
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

		if len(choice.Delta.ToolCalls) > 0 {
			tc := choice.Delta.ToolCalls[0]
			if tc.ID != "" {
				if !flushTool() {
					return
				}
				start := ports.StreamEvent{
					Type:             ports.StreamEventToolCallStart,
					ToolCallID:       tc.ID,
					ToolName:         tc.Function.Name,
					ArgumentsPartial: tc.Function.Arguments,
				}
				currentTool = &start
				if !p.send(ctx, events, start) {
					return
				}
			} else if currentTool != nil && tc.Function.Arguments != "" {
				ok := p.send(ctx, events, ports.StreamEvent{
					Type:             ports.StreamEventToolCallStart,
					ToolCallID:       currentTool.ToolCallID,
					ToolName:         currentTool.ToolName,
					ArgumentsPartial: tc.Function.Arguments,
				})
				if !ok {
					return
				}
			}
		}

		if choice.Delta.ReasoningContent != "" {
			if !p.send(ctx, events, ports.StreamEvent{Type: ports.StreamEventReasoningDelta, Text: choice.Delta.ReasoningContent}) {
				return
			}
		}
		if choice.Delta.Content != "" {
			if !p.send(ctx, events, ports.StreamEvent{Type: ports.StreamEventTokenDelta, Text: choice.Delta.Content}) {
				return
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
			if !flushTool() {
				return
			}
		}
	}
}

func (p *Provider) send(ctx context.Context, events chan<- ports.StreamEvent, ev ports.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Provider) sendContextError(ctx context.Context, events chan<- ports.StreamEvent) {
	if ctx.Err() == context.DeadlineExceeded {
		select {
		case events <- ports.StreamEvent{
			Type:      ports.StreamEventError,
			Code:      domain.CodeProviderTimeout,
			Message:   "stream exceeded its deadline",
			Retryable: true,
		}:
		default:
		}
	}
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels queries /v1/models and merges the configured metadata for
// each served id.
func (p *Provider) ListModels(ctx context.Context) ([]*models.ModelDescriptor, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.MapTransportError(ProviderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, llm.MapHTTPStatus(ProviderID, resp.StatusCode, string(body), resp.Header)
	}

	var list modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	descs := make([]*models.ModelDescriptor, 0, len(list.Data))
	for _, m := range list.Data {
		descs = append(descs, p.describe(m.ID))
	}
	return descs, nil
}

func (p *Provider) describe(name string) *models.ModelDescriptor {
	desc := &models.ModelDescriptor{
		Name:          name,
		Provider:      ProviderID,
		ContextWindow: defaultContextWindow,
		Streaming:     true,
		Status:        models.ModelStatusAvailable,
	}
	if meta, ok := p.modelMeta[name]; ok {
		if meta.ContextWindow > 0 {
			desc.ContextWindow = meta.ContextWindow
		}
		desc.Streaming = meta.Streaming
		desc.Tools = meta.Tools
		desc.Reasoning = meta.Reasoning
	}
	return desc
}

func (p *Provider) CountTokens(ctx context.Context, model, text string) (int, error) {
	return p.tokenizer.Count(model, text), nil
}

func (p *Provider) ContextLimit(model string) (int, error) {
	if meta, ok := p.modelMeta[model]; ok && meta.ContextWindow > 0 {
		return meta.ContextWindow, nil
	}
	return defaultContextWindow, nil
}

func (p *Provider) Health(ctx context.Context) ports.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if _, err := p.ListModels(ctx); err != nil {
		return ports.HealthStatus{OK: false, Detail: err.Error()}
	}
	return ports.HealthStatus{OK: true}
}

func extractAPIError(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(body)
}
