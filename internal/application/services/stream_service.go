package services

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/adapters/metrics"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
	"github.com/quarrylabs/quarry/internal/streamparse"
)

// StreamEmitter writes one SSE event to the client. A non-nil error means
// the client is gone and the stream is interrupted.
type StreamEmitter func(event map[string]any) error

// StreamService implements the two-phase streaming protocol: prepare commits
// the user message and mints a single-use token; the stream step redeems the
// token, relays provider events as SSE and hands persistence to the worker.
type StreamService struct {
	conversations *ConversationService
	router        ports.ModelRouter
	guard         *ContextGuard
	store         ports.SessionStore
	queue         ports.JobQueue
	idGenerator   ports.IDGenerator

	sessionTTL   time.Duration
	wallclockCap time.Duration
}

func NewStreamService(
	conversations *ConversationService,
	router ports.ModelRouter,
	guard *ContextGuard,
	store ports.SessionStore,
	queue ports.JobQueue,
	idGenerator ports.IDGenerator,
	sessionTTL time.Duration,
	wallclockCap time.Duration,
) *StreamService {
	if sessionTTL <= 0 {
		sessionTTL = 5 * time.Minute
	}
	if wallclockCap <= 0 {
		wallclockCap = 10 * time.Minute
	}
	return &StreamService{
		conversations: conversations,
		router:        router,
		guard:         guard,
		store:         store,
		queue:         queue,
		idGenerator:   idGenerator,
		sessionTTL:    sessionTTL,
		wallclockCap:  wallclockCap,
	}
}

// PrepareInput is the body of prepare-stream. Model is required; streaming
// has no server-side default model.
type PrepareInput struct {
	Message     string
	Model       string
	Temperature *float64
	MaxTokens   int
	RequestID   string
}

// PrepareOutcome is the prepare-stream response.
type PrepareOutcome struct {
	StreamToken string `json:"stream_token"`
	StreamURL   string `json:"stream_url"`
	ExpiresIn   int    `json:"expires_in"`
}

// Prepare validates the turn, commits the user message and parks everything
// the stream step needs in the session store. After Prepare returns, the
// user message exists regardless of whether the token is ever redeemed.
func (s *StreamService) Prepare(ctx context.Context, principalID int64, conversationID string, input PrepareInput) (*PrepareOutcome, error) {
	if err := ValidateRequired(input.Message, "message"); err != nil {
		return nil, err
	}
	if err := ValidateRequired(input.Model, "model"); err != nil {
		return nil, err
	}

	conversation, err := s.conversations.Get(ctx, principalID, conversationID)
	if err != nil {
		return nil, err
	}

	provider, err := s.router.Route(input.Model)
	if err != nil {
		return nil, err
	}

	incomingTokens, err := s.guard.Check(ctx, provider, input.Model, conversation, input.Message, input.MaxTokens)
	if err != nil {
		return nil, err
	}

	userMessage := models.NewUserMessage(s.idGenerator.GenerateMessageID(), conversation.ID, input.Message)
	userMessage.TokenCount = incomingTokens
	if err := s.conversations.AppendMessage(ctx, userMessage); err != nil {
		return nil, err
	}

	history, err := s.conversations.History(ctx, conversation)
	if err != nil {
		return nil, err
	}

	session := models.NewStreamSession(
		s.idGenerator.GenerateStreamToken(),
		conversation.ID,
		principalID,
		input.Model,
		s.sessionTTL,
	)
	session.SystemPrompt = conversation.SystemPrompt
	session.History = history
	session.UserMessageID = userMessage.ID
	session.AssistantMessageID = s.idGenerator.GenerateMessageID()
	session.Temperature = input.Temperature
	session.MaxTokens = input.MaxTokens
	session.RequestID = input.RequestID

	if err := s.store.Put(ctx, session, s.sessionTTL); err != nil {
		return nil, domain.NewUnavailable("SESSION_STORE_ERROR", "failed to create stream session").Wrap(err)
	}
	metrics.StreamTokensIssued.Inc()

	return &PrepareOutcome{
		StreamToken: session.Token,
		StreamURL:   "/stream/" + session.Token,
		ExpiresIn:   int(s.sessionTTL.Seconds()),
	}, nil
}

// Claim redeems a stream token exactly once. The second redemption of a
// token and an unknown token are different failures with different statuses,
// so callers can tell replay from expiry.
func (s *StreamService) Claim(ctx context.Context, token string) (*models.StreamSession, error) {
	session, err := s.store.Claim(ctx, token)
	if err != nil {
		switch {
		case err == domain.ErrStreamConsumed:
			return nil, domain.NewValidation(domain.CodeStreamConsumed, "stream token already consumed").Wrap(err)
		case err == domain.ErrStreamTokenInvalid:
			return nil, domain.NewAuth(domain.CodeStreamTokenInvalid, "stream token invalid or expired").Wrap(err)
		default:
			return nil, domain.NewUnavailable("SESSION_STORE_ERROR", "failed to claim stream token").Wrap(err)
		}
	}
	return session, nil
}

// Run relays the provider stream to the client and enqueues persistence of
// whatever was produced, complete or not. It must be called with a claimed
// session; by the time it returns the token is deleted.
func (s *StreamService) Run(ctx context.Context, session *models.StreamSession, emit StreamEmitter) {
	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	// Cleanup has to survive client cancellation.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := s.store.Delete(cleanupCtx, session.Token); err != nil {
			log.Printf("stream %s: session delete failed: %v", session.RequestID, err)
		}
	}()

	relay := newStreamRelay(session, emit)
	relay.start()

	provider, err := s.router.Route(session.Model)
	if err != nil {
		relay.fail(err)
		metrics.StreamsTotal.WithLabelValues("error").Inc()
		return
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.wallclockCap)
	defer cancel()

	params := ports.ChatParams{
		Temperature: session.Temperature,
		MaxTokens:   session.MaxTokens,
		RequestID:   session.RequestID,
	}

	started := time.Now()
	events, err := provider.ChatStream(streamCtx, session.Model, session.History, params)
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(provider.ID(), session.Model, "error").Inc()
		if e, ok := domain.AsError(err); ok && e.Code == domain.CodeCapacityExhausted {
			s.router.MarkExhausted(session.Model)
		}
		relay.fail(err)
		metrics.StreamsTotal.WithLabelValues("error").Inc()
		return
	}

	for event := range events {
		if !relay.handle(event) {
			// Client gone or terminal event; stop the provider and
			// drain so its goroutine can exit.
			cancel()
			for range events {
			}
			break
		}
	}
	relay.finish()

	elapsed := time.Since(started)
	metrics.LLMRequestDuration.WithLabelValues(provider.ID(), session.Model).Observe(elapsed.Seconds())

	outcome := "completed"
	if relay.interrupted {
		outcome = "interrupted"
	}
	metrics.StreamsTotal.WithLabelValues(outcome).Inc()
	metrics.LLMRequestsTotal.WithLabelValues(provider.ID(), session.Model, outcome).Inc()

	usage := relay.usage
	if usage.OutputTokens == 0 && relay.visible.Len() > 0 {
		// Provider never attested usage; fall back to a local count so the
		// conversation total keeps moving.
		if n, err := provider.CountTokens(cleanupCtx, session.Model, relay.visible.String()); err == nil {
			usage.OutputTokens = n
			usage.TotalTokens = usage.InputTokens + n
		}
	}
	metrics.LLMTokensTotal.WithLabelValues(session.Model, "input").Add(float64(usage.InputTokens))
	metrics.LLMTokensTotal.WithLabelValues(session.Model, "output").Add(float64(usage.OutputTokens))

	job := &ports.PersistAssistantMessageJob{
		ConversationID:     session.ConversationID,
		AssistantMessageID: session.AssistantMessageID,
		UserMessageID:      session.UserMessageID,
		Content:            relay.visible.String(),
		RawContent:         relay.raw.String(),
		Reasoning:          relay.reasoning.String(),
		Model:              session.Model,
		Usage:              usage,
		FinishReason:       relay.finishReason,
		Interrupted:        relay.interrupted,
		ElapsedMS:          elapsed.Milliseconds(),
		RequestID:          session.RequestID,
		EnqueuedAt:         time.Now().UTC(),
	}
	if err := s.queue.EnqueuePersistAssistantMessage(cleanupCtx, job); err != nil {
		log.Printf("stream %s: enqueue persistence job failed: %v", session.RequestID, err)
	}
}

// streamRelay accumulates the turn while translating provider events into
// the SSE vocabulary. It owns the thinking start/end bracketing around the
// reasoning channel.
type streamRelay struct {
	session *models.StreamSession
	emit    StreamEmitter
	parser  *streamparse.Parser

	visible   strings.Builder
	reasoning strings.Builder
	raw       strings.Builder

	usage        ports.ChatUsage
	finishReason string
	interrupted  bool
	done         bool
	thinking     bool
	disconnected bool
}

func newStreamRelay(session *models.StreamSession, emit StreamEmitter) *streamRelay {
	return &streamRelay{session: session, emit: emit, parser: streamparse.New()}
}

func (r *streamRelay) start() {
	r.send(map[string]any{
		"type":                             "conversation_start",
		"conversation_id":                  r.session.ConversationID,
		"assistant_message_placeholder_id": r.session.AssistantMessageID,
	})
}

// handle processes one provider event and reports whether the relay wants
// more. false means terminal event or disconnected client.
func (r *streamRelay) handle(event ports.StreamEvent) bool {
	switch event.Type {
	case ports.StreamEventTokenDelta:
		r.raw.WriteString(event.Text)
		for _, segment := range r.parser.Feed(event.Text) {
			r.sendSegment(segment)
		}
	case ports.StreamEventReasoningDelta:
		r.raw.WriteString(event.Text)
		r.sendSegment(streamparse.Segment{Kind: streamparse.Reasoning, Text: event.Text})
	case ports.StreamEventToolCallStart:
		r.send(map[string]any{
			"type":              "tool_call_start",
			"tool_call_id":      event.ToolCallID,
			"name":              event.ToolName,
			"arguments_partial": event.ArgumentsPartial,
		})
	case ports.StreamEventToolCallEnd:
		frame := map[string]any{
			"type":              "tool_call_end",
			"tool_call_id":      event.ToolCallID,
			"success":           event.ToolErr == "",
			"execution_time_ms": event.ToolElapsedMS,
		}
		if event.ToolErr != "" {
			frame["error"] = event.ToolErr
		} else {
			frame["result"] = event.ToolResult
		}
		r.send(frame)
	case ports.StreamEventUsage:
		if event.Usage != nil {
			r.usage = *event.Usage
			r.send(map[string]any{
				"type":          "usage",
				"input_tokens":  event.Usage.InputTokens,
				"output_tokens": event.Usage.OutputTokens,
				"total_tokens":  event.Usage.TotalTokens,
			})
		}
	case ports.StreamEventDone:
		r.finishReason = event.FinishReason
		r.done = true
		return false
	case ports.StreamEventError:
		r.interrupted = true
		r.send(map[string]any{
			"type":       "error",
			"error_type": string(domain.CategoryUnavailable),
			"code":       event.Code,
			"message":    event.Message,
			"retryable":  event.Retryable,
			"request_id": r.session.RequestID,
		})
		return false
	}
	return !r.disconnected
}

// finish flushes the parser tail and, for a completed turn, emits
// message_complete and done. Interrupted streams end without a done frame
// when the client is already gone.
func (r *streamRelay) finish() {
	for _, segment := range r.parser.Flush() {
		r.sendSegment(segment)
	}
	if r.thinking {
		r.send(map[string]any{"type": "thinking_end"})
		r.thinking = false
	}
	if !r.done {
		r.interrupted = true
	}

	if r.done && !r.disconnected {
		r.send(map[string]any{
			"type": "message_complete",
			"message": map[string]any{
				"id":              r.session.AssistantMessageID,
				"conversation_id": r.session.ConversationID,
				"role":            string(models.MessageRoleAssistant),
				"content":         r.visible.String(),
				"reasoning":       r.reasoning.String(),
				"metadata": map[string]any{
					"model":           r.session.Model,
					"input_tokens":    r.usage.InputTokens,
					"output_tokens":   r.usage.OutputTokens,
					"total_tokens":    r.usage.TotalTokens,
					"user_message_id": r.session.UserMessageID,
					"finish_reason":   r.finishReason,
				},
			},
		})
	}
	if !r.disconnected {
		r.send(map[string]any{"type": "done"})
	}
}

// fail reports an error that occurred after SSE was committed: an error
// frame followed by a terminal done.
func (r *streamRelay) fail(err error) {
	r.interrupted = true
	frame := map[string]any{
		"type":       "error",
		"request_id": r.session.RequestID,
	}
	if e, ok := domain.AsError(err); ok {
		frame["error_type"] = string(e.Category)
		frame["code"] = e.Code
		frame["message"] = e.Message
		frame["retryable"] = e.Retryable
		if len(e.Suggestions) > 0 {
			frame["suggestions"] = e.Suggestions
		}
	} else {
		frame["error_type"] = string(domain.CategoryUnavailable)
		frame["message"] = "stream failed"
	}
	r.send(frame)
	r.send(map[string]any{"type": "done"})
}

func (r *streamRelay) sendSegment(segment streamparse.Segment) {
	if segment.Text == "" {
		return
	}
	if segment.Kind == streamparse.Reasoning {
		if !r.thinking {
			r.send(map[string]any{"type": "thinking_start"})
			r.thinking = true
		}
		r.reasoning.WriteString(segment.Text)
		r.send(map[string]any{"type": "thinking_delta", "content": segment.Text})
		return
	}
	if r.thinking {
		r.send(map[string]any{"type": "thinking_end"})
		r.thinking = false
	}
	r.visible.WriteString(segment.Text)
	r.send(map[string]any{"type": "content_delta", "content": segment.Text})
}

func (r *streamRelay) send(frame map[string]any) {
	if r.disconnected {
		return
	}
	if err := r.emit(frame); err != nil {
		r.disconnected = true
		r.interrupted = true
	}
}
