package ports

import (
	"context"
	"time"

	"github.com/quarrylabs/quarry/internal/domain/models"
)

// PrincipalRepository defines operations for principal persistence
type PrincipalRepository interface {
	// Upsert inserts the principal or refreshes email, display name and role
	// for an existing subject, returning the stored row either way.
	Upsert(ctx context.Context, principal *models.Principal) (*models.Principal, error)
	GetByID(ctx context.Context, id int64) (*models.Principal, error)
	GetBySubject(ctx context.Context, subject string) (*models.Principal, error)
	List(ctx context.Context, limit, offset int) ([]*models.Principal, error)
	Deactivate(ctx context.Context, id int64) error
}

// ConversationFilter narrows conversation listings. Zero values mean
// "no constraint"; soft-deleted conversations only appear when Status
// is explicitly ConversationStatusDeleted.
type ConversationFilter struct {
	Status *models.ConversationStatus
	Search string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// ConversationRepository defines operations for conversation persistence
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	GetByIDAndPrincipal(ctx context.Context, id string, principalID int64) (*models.Conversation, error)
	Update(ctx context.Context, conversation *models.Conversation) error
	// SoftDelete flips status to deleted; HardDelete removes the row and
	// cascades to messages.
	SoftDelete(ctx context.Context, id string, principalID int64) error
	HardDelete(ctx context.Context, id string, principalID int64) error
	ListByPrincipal(ctx context.Context, principalID int64, filter ConversationFilter) ([]*models.Conversation, error)
	// ApplyMessageInsert bumps message_count, total_tokens and updated_at
	// inside the caller's transaction.
	ApplyMessageInsert(ctx context.Context, conversationID string, tokenCount int) error
}

// MessageFilter narrows message listings. A Limit of zero or less returns
// the full log; chat history replay depends on that.
type MessageFilter struct {
	Role   *models.MessageRole
	Limit  int
	Offset int
}

// MessageRepository defines operations for message persistence
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	GetByConversation(ctx context.Context, conversationID string, filter MessageFilter) ([]*models.Message, error)
	GetNextSequenceNumber(ctx context.Context, conversationID string) (int, error)
	// ExistsForUserMessage reports whether an assistant message referencing
	// the given user message id has already been persisted.
	ExistsForUserMessage(ctx context.Context, conversationID, userMessageID string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// TransactionManager handles database transactions
type TransactionManager interface {
	// WithTransaction executes a function within a database transaction
	// that is committed when fn returns nil and rolled back otherwise.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
