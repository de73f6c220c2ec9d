package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/adapters/id"
	"github.com/quarrylabs/quarry/internal/application/services"
	"github.com/quarrylabs/quarry/internal/auth"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

// ---- fakes ----------------------------------------------------------------

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	switch token {
	case "good-user":
		return &auth.Claims{
			Email:             "user@example.com",
			PreferredUsername: "user",
			RealmAccess:       auth.RealmAccess{Roles: []string{"user"}},
			RegisteredClaims:  jwt.RegisteredClaims{Subject: "subject-user"},
		}, nil
	case "good-admin":
		return &auth.Claims{
			Email:             "admin@example.com",
			PreferredUsername: "admin",
			RealmAccess:       auth.RealmAccess{Roles: []string{"admin"}},
			RegisteredClaims:  jwt.RegisteredClaims{Subject: "subject-admin"},
		}, nil
	default:
		return nil, domain.NewAuth(domain.CodeCredentialRejected, "signature verification failed")
	}
}

type fakeIdp struct{}

func (fakeIdp) Login(_ context.Context, username, password string) (*auth.TokenPair, error) {
	if username == "user" && password == "secret" {
		return &auth.TokenPair{AccessToken: "good-user", TokenType: "Bearer", ExpiresIn: 300}, nil
	}
	return nil, domain.NewAuth(domain.CodeInvalidCredential, "username or password rejected")
}

type memPrincipalRepo struct {
	mu         sync.Mutex
	nextID     int64
	principals map[string]*models.Principal
}

func (r *memPrincipalRepo) Upsert(_ context.Context, p *models.Principal) (*models.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.principals == nil {
		r.principals = map[string]*models.Principal{}
	}
	if existing, ok := r.principals[p.Subject]; ok {
		existing.Email = p.Email
		existing.DisplayName = p.DisplayName
		existing.Role = p.Role
		cp := *existing
		return &cp, nil
	}
	r.nextID++
	cp := *p
	cp.ID = r.nextID
	cp.Active = true
	r.principals[p.Subject] = &cp
	out := cp
	return &out, nil
}

func (r *memPrincipalRepo) GetByID(_ context.Context, id int64) (*models.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.principals {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *memPrincipalRepo) GetBySubject(_ context.Context, subject string) (*models.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.principals[subject]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *memPrincipalRepo) List(_ context.Context, _, _ int) ([]*models.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Principal
	for _, p := range r.principals {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memPrincipalRepo) Deactivate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.principals {
		if p.ID == id {
			p.Active = false
			return nil
		}
	}
	return pgx.ErrNoRows
}

type memConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
}

func (r *memConversationRepo) Create(_ context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conversations == nil {
		r.conversations = map[string]*models.Conversation{}
	}
	cp := *c
	r.conversations[c.ID] = &cp
	return nil
}

func (r *memConversationRepo) GetByID(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *memConversationRepo) GetByIDAndPrincipal(_ context.Context, id string, principalID int64) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[id]; ok && c.PrincipalID == principalID {
		cp := *c
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *memConversationRepo) Update(_ context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[c.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *c
	r.conversations[c.ID] = &cp
	return nil
}

func (r *memConversationRepo) SoftDelete(_ context.Context, id string, principalID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[id]; ok && c.PrincipalID == principalID {
		c.Status = models.ConversationStatusDeleted
		return nil
	}
	return pgx.ErrNoRows
}

func (r *memConversationRepo) HardDelete(_ context.Context, id string, principalID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[id]; ok && c.PrincipalID == principalID {
		delete(r.conversations, id)
		return nil
	}
	return pgx.ErrNoRows
}

func (r *memConversationRepo) ListByPrincipal(_ context.Context, principalID int64, filter ports.ConversationFilter) ([]*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Conversation
	for _, c := range r.conversations {
		if c.PrincipalID != principalID {
			continue
		}
		if filter.Status != nil {
			if c.Status != *filter.Status {
				continue
			}
		} else if c.Status == models.ConversationStatusDeleted {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memConversationRepo) ApplyMessageInsert(_ context.Context, conversationID string, tokenCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return pgx.ErrNoRows
	}
	c.MessageCount++
	c.TotalTokens += tokenCount
	c.UpdatedAt = time.Now().UTC()
	return nil
}

type memMessageRepo struct {
	mu       sync.Mutex
	messages map[string][]*models.Message
}

func (r *memMessageRepo) Create(_ context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages == nil {
		r.messages = map[string][]*models.Message{}
	}
	cp := *m
	r.messages[m.ConversationID] = append(r.messages[m.ConversationID], &cp)
	return nil
}

func (r *memMessageRepo) GetByID(_ context.Context, id string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.messages {
		for _, m := range list {
			if m.ID == id {
				cp := *m
				return &cp, nil
			}
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *memMessageRepo) GetByConversation(_ context.Context, conversationID string, filter ports.MessageFilter) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Message
	for _, m := range r.messages[conversationID] {
		if filter.Role != nil && m.Role != *filter.Role {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *memMessageRepo) GetNextSequenceNumber(_ context.Context, conversationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[conversationID]) + 1, nil
}

func (r *memMessageRepo) ExistsForUserMessage(_ context.Context, conversationID, userMessageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages[conversationID] {
		if m.Metadata != nil && m.Metadata.UserMessageID == userMessageID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memMessageRepo) Delete(_ context.Context, _ string) error { return nil }

type noopTxManager struct{}

func (noopTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.StreamSession
	claimed  map[string]bool
}

func (s *memSessionStore) Put(_ context.Context, session *models.StreamSession, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = map[string]*models.StreamSession{}
		s.claimed = map[string]bool{}
	}
	cp := *session
	s.sessions[session.Token] = &cp
	return nil
}

func (s *memSessionStore) Claim(_ context.Context, token string) (*models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[token] {
		return nil, domain.ErrStreamConsumed
	}
	session, ok := s.sessions[token]
	if !ok {
		return nil, domain.ErrStreamTokenInvalid
	}
	if s.claimed == nil {
		s.claimed = map[string]bool{}
	}
	s.claimed[token] = true
	cp := *session
	return &cp, nil
}

func (s *memSessionStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *memSessionStore) SweepOrphans(context.Context, time.Duration) (int, error) { return 0, nil }

type memJobQueue struct {
	mu   sync.Mutex
	jobs []*ports.PersistAssistantMessageJob
}

func (q *memJobQueue) EnqueuePersistAssistantMessage(_ context.Context, job *ports.PersistAssistantMessageJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	q.jobs = append(q.jobs, &cp)
	return nil
}

type scriptedProvider struct {
	events []ports.StreamEvent
}

func (p *scriptedProvider) ID() string { return "local" }

func (p *scriptedProvider) ListModels(context.Context) ([]*models.ModelDescriptor, error) {
	return []*models.ModelDescriptor{{
		Name: "qwen3-30b", Provider: "local", ContextWindow: 8192,
		Streaming: true, Status: models.ModelStatusAvailable,
	}}, nil
}

func (p *scriptedProvider) CountTokens(_ context.Context, _, text string) (int, error) {
	return len(text) / 4, nil
}

func (p *scriptedProvider) ContextLimit(string) (int, error) { return 8192, nil }

func (p *scriptedProvider) ChatOnce(context.Context, string, []models.ChatTurn, ports.ChatParams) (*ports.ChatResult, error) {
	return &ports.ChatResult{
		Content: "The answer.",
		Usage:   ports.ChatUsage{InputTokens: 10, OutputTokens: 3, TotalTokens: 13},
	}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, _ string, _ []models.ChatTurn, _ ports.ChatParams) (<-chan ports.StreamEvent, error) {
	ch := make(chan ports.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range p.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Health(context.Context) ports.HealthStatus {
	return ports.HealthStatus{OK: true}
}

type staticRouter struct {
	provider ports.Provider
}

func (r *staticRouter) Route(model string) (ports.Provider, error) {
	if model != "qwen3-30b" {
		return nil, domain.NewModel(domain.CodeModelNotFound, "unknown model: "+model).
			WithSuggestions("qwen3-30b")
	}
	return r.provider, nil
}

func (r *staticRouter) ListModels() []*models.ModelDescriptor {
	descriptors, _ := r.provider.ListModels(context.Background())
	return descriptors
}

func (r *staticRouter) GetModel(string) (*models.ModelDescriptor, bool) { return nil, false }
func (r *staticRouter) Refresh(context.Context)                        {}
func (r *staticRouter) MarkExhausted(string)                           {}

// ---- fixture --------------------------------------------------------------

type serverFixture struct {
	server *Server
	queue  *memJobQueue
}

func newServerFixture(events []ports.StreamEvent) *serverFixture {
	cfg := config.DefaultConfig()

	principalRepo := &memPrincipalRepo{}
	convRepo := &memConversationRepo{}
	msgRepo := &memMessageRepo{}
	queue := &memJobQueue{}
	provider := &scriptedProvider{events: events}
	router := &staticRouter{provider: provider}
	idGen := id.New()

	principals := services.NewPrincipalService(principalRepo)
	conversations := services.NewConversationService(convRepo, msgRepo, noopTxManager{}, idGen)
	guard := services.NewContextGuard(cfg.Context.OutputHeadroomTokens)
	chat := services.NewChatService(conversations, router, guard, idGen)
	streams := services.NewStreamService(
		conversations, router, guard, &memSessionStore{}, queue, idGen,
		time.Duration(cfg.Stream.SessionTTLSeconds)*time.Second,
		time.Duration(cfg.Stream.WallclockCapSeconds)*time.Second,
	)

	server := NewServer(cfg, principals, conversations, chat, streams,
		router, fakeVerifier{}, fakeIdp{}, nil, "test")
	return &serverFixture{server: server, queue: queue}
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

type errorEnvelope struct {
	Error struct {
		Type        string   `json:"type"`
		Code        string   `json:"code"`
		Message     string   `json:"message"`
		Suggestions []string `json:"suggestions"`
		RequestID   string   `json:"request_id"`
		Timestamp   string   `json:"timestamp"`
	} `json:"error"`
}

// ---- tests ----------------------------------------------------------------

func TestMissingBearerTokenRejected(t *testing.T) {
	f := newServerFixture(nil)

	rec := f.do(t, http.MethodGet, "/api/chat/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	envelope := decodeBody[errorEnvelope](t, rec)
	assert.Equal(t, "auth_error", envelope.Error.Type)
	assert.NotEmpty(t, envelope.Error.RequestID)
	assert.NotEmpty(t, envelope.Error.Timestamp)
}

func TestHealthBypassesAuth(t *testing.T) {
	f := newServerFixture(nil)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHonoredWhenWellFormed(t *testing.T) {
	f := newServerFixture(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id_01")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, "client-supplied-id_01", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "not ok: spaces and punctuation!")
	rec = httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	generated := rec.Header().Get("X-Request-ID")
	assert.NotEmpty(t, generated)
	assert.True(t, strings.HasPrefix(generated, "req_"))
}

func TestLoginReturnsTokenAndUser(t *testing.T) {
	f := newServerFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "user", "password": "secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "good-user", body["access_token"])
	assert.Equal(t, "Bearer", body["token_type"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "subject-user", user["subject"])

	rec = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "user", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyAlwaysResponds200(t *testing.T) {
	f := newServerFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/auth/verify", "", map[string]string{"token": "good-user"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["valid"])

	rec = f.do(t, http.MethodPost, "/api/auth/verify", "", map[string]string{"token": "forged"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, body["valid"])
}

func TestConversationLifecycle(t *testing.T) {
	f := newServerFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/chat/conversations", "good-user", map[string]any{
		"title": "test conversation",
		"model": "qwen3-30b",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[map[string]any](t, rec)
	convID := created["id"].(string)
	require.NotEmpty(t, convID)

	rec = f.do(t, http.MethodGet, "/api/chat/conversations", "good-user", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/chat/conversations/"+convID, "good-user", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[map[string]any](t, rec)
	messages, ok := detail["messages"].([]any)
	require.True(t, ok, "conversation detail must carry a messages array")
	assert.Empty(t, messages)

	// Another user cannot see it.
	rec = f.do(t, http.MethodGet, "/api/chat/conversations/"+convID, "good-admin", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/chat/conversations/"+convID, "good-user", map[string]any{
		"title": "renamed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	patched := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "renamed", patched["title"])

	rec = f.do(t, http.MethodDelete, "/api/chat/conversations/"+convID, "good-user", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/chat/conversations/"+convID, "good-user", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	f := newServerFixture(nil)

	// Resolve both principals first.
	f.do(t, http.MethodGet, "/api/users/me", "good-user", nil)
	f.do(t, http.MethodGet, "/api/users/me", "good-admin", nil)

	rec := f.do(t, http.MethodGet, "/api/users", "good-user", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	envelope := decodeBody[errorEnvelope](t, rec)
	assert.Equal(t, "PERMISSION_DENIED", envelope.Error.Code)

	rec = f.do(t, http.MethodGet, "/api/users", "good-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChatReturnsBothMessages(t *testing.T) {
	f := newServerFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/chat/conversations", "good-user", map[string]any{"title": "chat"})
	require.Equal(t, http.StatusCreated, rec.Code)
	convID := decodeBody[map[string]any](t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/chat/conversations/"+convID+"/chat", "good-user", map[string]any{
		"message": "What is the answer?",
		"model":   "qwen3-30b",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	userMsg := body["user_message"].(map[string]any)
	assistantMsg := body["assistant_message"].(map[string]any)
	assert.Equal(t, "What is the answer?", userMsg["content"])
	assert.Equal(t, "The answer.", assistantMsg["content"])
	usage := body["usage"].(map[string]any)
	assert.Equal(t, float64(13), usage["total_tokens"])

	// The detail endpoint returns both turns in insertion order.
	rec = f.do(t, http.MethodGet, "/api/chat/conversations/"+convID, "good-user", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[map[string]any](t, rec)
	turns, ok := detail["messages"].([]any)
	require.True(t, ok, "conversation detail must carry a messages array")
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", turns[1].(map[string]any)["role"])
}

func TestUnknownModelReturns404WithSuggestions(t *testing.T) {
	f := newServerFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/chat/conversations", "good-user", map[string]any{"title": "typo"})
	convID := decodeBody[map[string]any](t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/chat/conversations/"+convID+"/prepare-stream", "good-user", map[string]any{
		"message": "hello",
		"model":   "qwen3-31b",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	envelope := decodeBody[errorEnvelope](t, rec)
	assert.Equal(t, "model_error", envelope.Error.Type)
	assert.Equal(t, "MODEL_NOT_FOUND", envelope.Error.Code)
	assert.NotEmpty(t, envelope.Error.Suggestions)
}

func TestStreamEndToEnd(t *testing.T) {
	f := newServerFixture([]ports.StreamEvent{
		{Type: ports.StreamEventTokenDelta, Text: "<thinking>easy</thinking>"},
		{Type: ports.StreamEventTokenDelta, Text: "Hello there."},
		{Type: ports.StreamEventUsage, Usage: &ports.ChatUsage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}},
		{Type: ports.StreamEventDone, FinishReason: "stop"},
	})

	rec := f.do(t, http.MethodPost, "/api/chat/conversations", "good-user", map[string]any{"title": "sse"})
	convID := decodeBody[map[string]any](t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/chat/conversations/"+convID+"/prepare-stream", "good-user", map[string]any{
		"message": "Say hello.",
		"model":   "qwen3-30b",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	prepared := decodeBody[map[string]any](t, rec)
	streamURL := prepared["stream_url"].(string)
	require.True(t, strings.HasPrefix(streamURL, "/stream/"))
	assert.Equal(t, float64(300), prepared["expires_in"])

	// No Authorization header on purpose: the token is the capability.
	rec = f.do(t, http.MethodGet, streamURL, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	frames := parseSSEFrames(t, rec.Body.String())
	var kinds []string
	for _, frame := range frames {
		kinds = append(kinds, frame["type"].(string))
	}
	assert.Equal(t, []string{
		"conversation_start",
		"thinking_start",
		"thinking_delta",
		"thinking_end",
		"content_delta",
		"usage",
		"message_complete",
		"done",
	}, kinds)

	// Replay is a 400, not a 401.
	rec = f.do(t, http.MethodGet, streamURL, "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeBody[errorEnvelope](t, rec)
	assert.Equal(t, "STREAM_CONSUMED", envelope.Error.Code)

	// Unknown token is a 401.
	rec = f.do(t, http.MethodGet, "/stream/never-issued-token", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	envelope = decodeBody[errorEnvelope](t, rec)
	assert.Equal(t, "STREAM_TOKEN_INVALID", envelope.Error.Code)

	// The persistence job carries what was streamed.
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, "Hello there.", job.Content)
	assert.Equal(t, "easy", job.Reasoning)
	assert.False(t, job.Interrupted)
	assert.Equal(t, 8, job.Usage.TotalTokens)
}

func parseSSEFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame),
			fmt.Sprintf("bad frame: %s", line))
		frames = append(frames, frame)
	}
	return frames
}
