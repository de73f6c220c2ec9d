package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

// Shared hand-written fakes for service tests.

type mockIDGenerator struct {
	conversationCounter int
	messageCounter      int
	requestCounter      int
	tokenCounter        int
}

func (m *mockIDGenerator) GenerateConversationID() string {
	m.conversationCounter++
	return fmt.Sprintf("conv-test-%d", m.conversationCounter)
}

func (m *mockIDGenerator) GenerateMessageID() string {
	m.messageCounter++
	return fmt.Sprintf("msg-test-%d", m.messageCounter)
}

func (m *mockIDGenerator) GenerateRequestID() string {
	m.requestCounter++
	return fmt.Sprintf("req_test%d", m.requestCounter)
}

func (m *mockIDGenerator) GenerateStreamToken() string {
	m.tokenCounter++
	return fmt.Sprintf("stk%029d", m.tokenCounter)
}

// noopTxManager runs the function without a real transaction; the in-memory
// repositories below are already atomic enough for unit tests.
type noopTxManager struct{}

func (noopTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{conversations: make(map[string]*models.Conversation)}
}

func (r *memConversationRepo) Create(_ context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.conversations[c.ID] = &cp
	return nil
}

func (r *memConversationRepo) GetByID(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (r *memConversationRepo) GetByIDAndPrincipal(_ context.Context, id string, principalID int64) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok || c.PrincipalID != principalID {
		return nil, pgx.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (r *memConversationRepo) Update(_ context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[c.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	r.conversations[c.ID] = &cp
	return nil
}

func (r *memConversationRepo) SoftDelete(_ context.Context, id string, principalID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok || c.PrincipalID != principalID {
		return pgx.ErrNoRows
	}
	c.Status = models.ConversationStatusDeleted
	return nil
}

func (r *memConversationRepo) HardDelete(_ context.Context, id string, principalID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok || c.PrincipalID != principalID {
		return pgx.ErrNoRows
	}
	delete(r.conversations, id)
	return nil
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
		if filter.Search != "" && !strings.Contains(strings.ToLower(c.Title), strings.ToLower(filter.Search)) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
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

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{messages: make(map[string][]*models.Message)}
}

func (r *memMessageRepo) Create(_ context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
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

func (r *memMessageRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for convID, list := range r.messages {
		for i, m := range list {
			if m.ID == id {
				r.messages[convID] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return pgx.ErrNoRows
}

type memPrincipalRepo struct {
	mu         sync.Mutex
	nextID     int64
	principals map[string]*models.Principal
}

func newMemPrincipalRepo() *memPrincipalRepo {
	return &memPrincipalRepo{principals: make(map[string]*models.Principal)}
}

func (r *memPrincipalRepo) Upsert(_ context.Context, p *models.Principal) (*models.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.principals[p.Subject]; ok {
		existing.Email = p.Email
		existing.DisplayName = p.DisplayName
		existing.Role = p.Role
		existing.UpdatedAt = time.Now().UTC()
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
	p, ok := r.principals[subject]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (r *memPrincipalRepo) List(_ context.Context, limit, offset int) ([]*models.Principal, error) {
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

// memSessionStore mimics the Redis session store, tombstones included.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.StreamSession
	claimed  map[string]bool
	swept    int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		sessions: make(map[string]*models.StreamSession),
		claimed:  make(map[string]bool),
	}
}

func (s *memSessionStore) Put(_ context.Context, session *models.StreamSession, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *memSessionStore) SweepOrphans(_ context.Context, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swept, nil
}

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

func (q *memJobQueue) enqueued() []*ports.PersistAssistantMessageJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*ports.PersistAssistantMessageJob(nil), q.jobs...)
}

// scriptedProvider plays back a fixed event sequence. Token counts are
// chars/4 like the real fallback so overflow tests can reason about sizes.
type scriptedProvider struct {
	id           string
	contextLimit int
	events       []ports.StreamEvent
	chatResult   *ports.ChatResult
	chatErr      error
	streamErr    error

	lastMessages []models.ChatTurn
}

func (p *scriptedProvider) ID() string { return p.id }

func (p *scriptedProvider) ListModels(context.Context) ([]*models.ModelDescriptor, error) {
	return nil, nil
}

func (p *scriptedProvider) CountTokens(_ context.Context, _, text string) (int, error) {
	return len(text) / 4, nil
}

func (p *scriptedProvider) ContextLimit(string) (int, error) {
	if p.contextLimit > 0 {
		return p.contextLimit, nil
	}
	return 8192, nil
}

func (p *scriptedProvider) ChatOnce(_ context.Context, _ string, messages []models.ChatTurn, _ ports.ChatParams) (*ports.ChatResult, error) {
	p.lastMessages = messages
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	return p.chatResult, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, _ string, messages []models.ChatTurn, _ ports.ChatParams) (<-chan ports.StreamEvent, error) {
	p.lastMessages = messages
	if p.streamErr != nil {
		return nil, p.streamErr
	}
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

// staticRouter resolves every known model to one provider.
type staticRouter struct {
	provider  ports.Provider
	known     map[string]bool
	exhausted []string
}

func newStaticRouter(p ports.Provider, names ...string) *staticRouter {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	return &staticRouter{provider: p, known: known}
}

func (r *staticRouter) Route(model string) (ports.Provider, error) {
	if !r.known[model] {
		return nil, domain.NewModel(domain.CodeModelNotFound, "unknown model: "+model).
			WithSuggestions("qwen3-30b")
	}
	return r.provider, nil
}

func (r *staticRouter) ListModels() []*models.ModelDescriptor          { return nil }
func (r *staticRouter) GetModel(string) (*models.ModelDescriptor, bool) { return nil, false }
func (r *staticRouter) Refresh(context.Context)                       {}

func (r *staticRouter) MarkExhausted(name string) {
	r.exhausted = append(r.exhausted, name)
}
