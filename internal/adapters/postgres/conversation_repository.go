package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

type ConversationRepository struct {
	BaseRepository
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *ConversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := marshalJSONMap(conversation.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO quarry_conversations (
			id, principal_id, title, status, model, system_prompt, metadata,
			message_count, total_tokens, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	_, err = r.conn(ctx).Exec(ctx, query,
		conversation.ID,
		conversation.PrincipalID,
		conversation.Title,
		conversation.Status,
		nullString(conversation.Model),
		nullString(conversation.SystemPrompt),
		metadata,
		conversation.MessageCount,
		conversation.TotalTokens,
		conversation.CreatedAt,
		conversation.UpdatedAt,
	)

	return err
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, principal_id, title, status, model, system_prompt, metadata,
		       message_count, total_tokens, created_at, updated_at
		FROM quarry_conversations
		WHERE id = $1`

	return r.scanConversation(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *ConversationRepository) GetByIDAndPrincipal(ctx context.Context, id string, principalID int64) (*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, principal_id, title, status, model, system_prompt, metadata,
		       message_count, total_tokens, created_at, updated_at
		FROM quarry_conversations
		WHERE id = $1 AND principal_id = $2`

	return r.scanConversation(r.conn(ctx).QueryRow(ctx, query, id, principalID))
}

func (r *ConversationRepository) Update(ctx context.Context, conversation *models.Conversation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := marshalJSONMap(conversation.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE quarry_conversations
		SET title = $2,
			status = $3,
			model = $4,
			system_prompt = $5,
			metadata = $6,
			updated_at = $7
		WHERE id = $1`

	result, err := r.conn(ctx).Exec(ctx, query,
		conversation.ID,
		conversation.Title,
		conversation.Status,
		nullString(conversation.Model),
		nullString(conversation.SystemPrompt),
		metadata,
		conversation.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}

func (r *ConversationRepository) SoftDelete(ctx context.Context, id string, principalID int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE quarry_conversations
		SET status = 'deleted', updated_at = NOW()
		WHERE id = $1 AND principal_id = $2 AND status != 'deleted'`

	result, err := r.conn(ctx).Exec(ctx, query, id, principalID)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}

func (r *ConversationRepository) HardDelete(ctx context.Context, id string, principalID int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		DELETE FROM quarry_conversations
		WHERE id = $1 AND principal_id = $2`

	result, err := r.conn(ctx).Exec(ctx, query, id, principalID)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}

func (r *ConversationRepository) ListByPrincipal(ctx context.Context, principalID int64, filter ports.ConversationFilter) ([]*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200 // Maximum cap
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, principal_id, title, status, model, system_prompt, metadata,
		       message_count, total_tokens, created_at, updated_at
		FROM quarry_conversations
		WHERE principal_id = $1`

	args := []interface{}{principalID}
	argPos := 2

	// Soft-deleted conversations only show up when asked for by status.
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, *filter.Status)
		argPos++
	} else {
		query += " AND status != 'deleted'"
	}

	if filter.Search != "" {
		query += fmt.Sprintf(" AND title ILIKE '%%' || $%d || '%%'", argPos)
		args = append(args, filter.Search)
		argPos++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argPos)
		args = append(args, *filter.Since)
		argPos++
	}

	if filter.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argPos)
		args = append(args, *filter.Until)
		argPos++
	}

	query += " ORDER BY updated_at DESC, id ASC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

// ApplyMessageInsert maintains the cached aggregates. It must run in the
// same transaction as the message insert so the counters never drift.
func (r *ConversationRepository) ApplyMessageInsert(ctx context.Context, conversationID string, tokenCount int) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE quarry_conversations
		SET message_count = message_count + 1,
			total_tokens = total_tokens + $2,
			updated_at = NOW()
		WHERE id = $1`

	result, err := r.conn(ctx).Exec(ctx, query, conversationID, tokenCount)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}

// scanConversation scans a single conversation row
func (r *ConversationRepository) scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var model sql.NullString
	var systemPrompt sql.NullString
	var metadata []byte

	err := row.Scan(
		&c.ID,
		&c.PrincipalID,
		&c.Title,
		&c.Status,
		&model,
		&systemPrompt,
		&metadata,
		&c.MessageCount,
		&c.TotalTokens,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Model = getString(model)
	c.SystemPrompt = getString(systemPrompt)

	if err := unmarshalJSONField(metadata, &c.Metadata); err != nil {
		return nil, err
	}

	return &c, nil
}

// scanConversations scans multiple conversation rows
func (r *ConversationRepository) scanConversations(rows pgx.Rows) ([]*models.Conversation, error) {
	conversations := make([]*models.Conversation, 0)

	for rows.Next() {
		var c models.Conversation
		var model sql.NullString
		var systemPrompt sql.NullString
		var metadata []byte

		err := rows.Scan(
			&c.ID,
			&c.PrincipalID,
			&c.Title,
			&c.Status,
			&model,
			&systemPrompt,
			&metadata,
			&c.MessageCount,
			&c.TotalTokens,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		c.Model = getString(model)
		c.SystemPrompt = getString(systemPrompt)

		if err := unmarshalJSONField(metadata, &c.Metadata); err != nil {
			return nil, err
		}

		conversations = append(conversations, &c)
	}

	return conversations, rows.Err()
}
