package services

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/quarrylabs/quarry/internal/adapters/metrics"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

// ConversationService owns the business rules around conversations and their
// message log. Every message insert goes through AppendMessage so that the
// cached message_count/total_tokens aggregates never drift from the rows.
type ConversationService struct {
	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	tx            ports.TransactionManager
	idGenerator   ports.IDGenerator
}

func NewConversationService(
	conversations ports.ConversationRepository,
	messages ports.MessageRepository,
	tx ports.TransactionManager,
	idGenerator ports.IDGenerator,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		tx:            tx,
		idGenerator:   idGenerator,
	}
}

// CreateConversationInput carries the client-settable fields of a new
// conversation.
type CreateConversationInput struct {
	Title        string
	Model        string
	SystemPrompt string
	Metadata     map[string]any
}

func (s *ConversationService) Create(ctx context.Context, principalID int64, input CreateConversationInput) (*models.Conversation, error) {
	if err := ValidateRequired(input.Title, "conversation title"); err != nil {
		return nil, err
	}
	if err := ValidateStringLength(input.Title, "conversation title", 1, models.MaxConversationTitleLength); err != nil {
		return nil, err
	}

	conversation := models.NewConversation(s.idGenerator.GenerateConversationID(), principalID, input.Title)
	conversation.Model = input.Model
	conversation.SystemPrompt = input.SystemPrompt
	conversation.Metadata = input.Metadata

	if err := s.conversations.Create(ctx, conversation); err != nil {
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to create conversation").Wrap(err)
	}
	return conversation, nil
}

// Get returns the caller's conversation. Soft-deleted conversations and
// conversations owned by someone else both come back as not_found so the
// endpoint never leaks existence.
func (s *ConversationService) Get(ctx context.Context, principalID int64, id string) (*models.Conversation, error) {
	if err := ValidateID(id, "conversation"); err != nil {
		return nil, err
	}

	conversation, err := s.conversations.GetByIDAndPrincipal(ctx, id, principalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFound("conversation not found").Wrap(domain.ErrConversationNotFound)
		}
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to load conversation").Wrap(err)
	}
	if conversation.IsDeleted() {
		return nil, domain.NewNotFound("conversation not found").Wrap(domain.ErrConversationDeleted)
	}
	return conversation, nil
}

// GetWithMessages returns the caller's conversation together with its full
// message log in insertion order.
func (s *ConversationService) GetWithMessages(ctx context.Context, principalID int64, id string) (*models.Conversation, []*models.Message, error) {
	conversation, err := s.Get(ctx, principalID, id)
	if err != nil {
		return nil, nil, err
	}

	messages, err := s.messages.GetByConversation(ctx, id, ports.MessageFilter{})
	if err != nil {
		return nil, nil, domain.NewUnavailable("DATABASE_ERROR", "failed to load messages").Wrap(err)
	}
	return conversation, messages, nil
}

func (s *ConversationService) List(ctx context.Context, principalID int64, filter ports.ConversationFilter) ([]*models.Conversation, error) {
	filter.Limit, filter.Offset = NormalizePaging(filter.Limit, filter.Offset)
	conversations, err := s.conversations.ListByPrincipal(ctx, principalID, filter)
	if err != nil {
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to list conversations").Wrap(err)
	}
	return conversations, nil
}

// UpdateConversationInput holds the patchable fields. Nil pointers leave the
// stored value untouched.
type UpdateConversationInput struct {
	Title        *string
	Status       *models.ConversationStatus
	Model        *string
	SystemPrompt *string
	Metadata     map[string]any
}

func (s *ConversationService) Update(ctx context.Context, principalID int64, id string, input UpdateConversationInput) (*models.Conversation, error) {
	conversation, err := s.Get(ctx, principalID, id)
	if err != nil {
		return nil, err
	}

	if input.Title != nil {
		if err := ValidateRequired(*input.Title, "conversation title"); err != nil {
			return nil, err
		}
		if err := ValidateStringLength(*input.Title, "conversation title", 1, models.MaxConversationTitleLength); err != nil {
			return nil, err
		}
		conversation.Title = *input.Title
	}
	if input.Model != nil {
		conversation.Model = *input.Model
	}
	if input.SystemPrompt != nil {
		conversation.SystemPrompt = *input.SystemPrompt
	}
	if input.Metadata != nil {
		conversation.Metadata = input.Metadata
	}
	if input.Status != nil {
		if !models.ValidConversationStatus(*input.Status) {
			return nil, domain.NewValidation("INVALID_INPUT", "unknown conversation status")
		}
		var transitionErr error
		switch *input.Status {
		case models.ConversationStatusArchived:
			transitionErr = conversation.Archive()
		case models.ConversationStatusActive:
			transitionErr = conversation.Unarchive()
		case models.ConversationStatusDeleted:
			transitionErr = conversation.MarkAsDeleted()
		}
		if transitionErr != nil {
			return nil, domain.NewValidation("INVALID_TRANSITION", transitionErr.Error()).Wrap(transitionErr)
		}
	}

	if err := s.conversations.Update(ctx, conversation); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFound("conversation not found").Wrap(domain.ErrConversationNotFound)
		}
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to update conversation").Wrap(err)
	}
	return conversation, nil
}

// Delete soft-deletes by default; hard removes the row and cascades to
// messages. A conversation that is already soft-deleted can still be hard
// deleted, so retention cleanup has a way to purge it.
func (s *ConversationService) Delete(ctx context.Context, principalID int64, id string, hard bool) error {
	if err := ValidateID(id, "conversation"); err != nil {
		return err
	}

	conversation, err := s.conversations.GetByIDAndPrincipal(ctx, id, principalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFound("conversation not found").Wrap(domain.ErrConversationNotFound)
		}
		return domain.NewUnavailable("DATABASE_ERROR", "failed to load conversation").Wrap(err)
	}
	if conversation.IsDeleted() && !hard {
		return domain.NewNotFound("conversation not found").Wrap(domain.ErrConversationDeleted)
	}

	if hard {
		err = s.conversations.HardDelete(ctx, id, principalID)
	} else {
		err = s.conversations.SoftDelete(ctx, id, principalID)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFound("conversation not found").Wrap(domain.ErrConversationNotFound)
		}
		return domain.NewUnavailable("DATABASE_ERROR", "failed to delete conversation").Wrap(err)
	}
	return nil
}

func (s *ConversationService) ListMessages(ctx context.Context, principalID int64, conversationID string, filter ports.MessageFilter) ([]*models.Message, error) {
	if _, err := s.Get(ctx, principalID, conversationID); err != nil {
		return nil, err
	}
	filter.Limit, filter.Offset = NormalizePaging(filter.Limit, filter.Offset)

	messages, err := s.messages.GetByConversation(ctx, conversationID, filter)
	if err != nil {
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to list messages").Wrap(err)
	}
	return messages, nil
}

// AppendMessage inserts the message and bumps the conversation aggregates in
// one transaction. The sequence number is assigned here; callers must not set
// it. Ownership is the caller's responsibility.
func (s *ConversationService) AppendMessage(ctx context.Context, message *models.Message) error {
	if !models.ValidMessageRole(message.Role) {
		return domain.NewValidation("INVALID_INPUT", "unknown message role").Wrap(domain.ErrInvalidRole)
	}
	if message.Role == models.MessageRoleUser {
		if err := ValidateRequired(message.Content, "message content"); err != nil {
			return err
		}
	}

	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		seq, err := s.messages.GetNextSequenceNumber(ctx, message.ConversationID)
		if err != nil {
			return err
		}
		message.Seq = seq
		if err := s.messages.Create(ctx, message); err != nil {
			return err
		}
		return s.conversations.ApplyMessageInsert(ctx, message.ConversationID, message.TokenCount)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFound("conversation not found").Wrap(domain.ErrConversationNotFound)
		}
		return domain.NewUnavailable("DATABASE_ERROR", "failed to append message").Wrap(err)
	}

	metrics.MessagesTotal.WithLabelValues(string(message.Role)).Inc()
	return nil
}

// AppendAssistantIfAbsent persists an assistant message unless one already
// references the same user message. The existence check and the insert share
// a transaction, which is what makes redelivered persistence jobs harmless.
// It reports whether the message was actually written.
func (s *ConversationService) AppendAssistantIfAbsent(ctx context.Context, message *models.Message) (bool, error) {
	if message.Metadata == nil || message.Metadata.UserMessageID == "" {
		return false, domain.NewValidation("INVALID_INPUT", "assistant message missing user message reference")
	}

	inserted := false
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		exists, err := s.messages.ExistsForUserMessage(ctx, message.ConversationID, message.Metadata.UserMessageID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		seq, err := s.messages.GetNextSequenceNumber(ctx, message.ConversationID)
		if err != nil {
			return err
		}
		message.Seq = seq
		if err := s.messages.Create(ctx, message); err != nil {
			return err
		}
		if err := s.conversations.ApplyMessageInsert(ctx, message.ConversationID, message.TokenCount); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, domain.NewUnavailable("DATABASE_ERROR", "failed to persist assistant message").Wrap(err)
	}

	if inserted {
		metrics.MessagesTotal.WithLabelValues(string(models.MessageRoleAssistant)).Inc()
	}
	return inserted, nil
}

// History projects the stored messages of a conversation into provider chat
// turns, oldest first, with the configured system prompt in front.
func (s *ConversationService) History(ctx context.Context, conversation *models.Conversation) ([]models.ChatTurn, error) {
	stored, err := s.messages.GetByConversation(ctx, conversation.ID, ports.MessageFilter{})
	if err != nil {
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to load history").Wrap(err)
	}

	turns := make([]models.ChatTurn, 0, len(stored)+1)
	if conversation.SystemPrompt != "" {
		turns = append(turns, models.ChatTurn{Role: models.MessageRoleSystem, Content: conversation.SystemPrompt})
	}
	for _, m := range stored {
		if m.Role == models.MessageRoleSystem {
			continue
		}
		turns = append(turns, models.ChatTurn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}
