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

type MessageRepository struct {
	BaseRepository
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *MessageRepository) Create(ctx context.Context, message *models.Message) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := marshalJSONField(message.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO quarry_messages (
			id, conversation_id, seq, role, content, raw_content, reasoning,
			token_count, metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	_, err = r.conn(ctx).Exec(ctx, query,
		message.ID,
		message.ConversationID,
		message.Seq,
		message.Role,
		message.Content,
		nullString(message.RawContent),
		nullString(message.Reasoning),
		message.TokenCount,
		metadata,
		message.CreatedAt,
	)

	return err
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, seq, role, content, raw_content, reasoning,
		       token_count, metadata, created_at
		FROM quarry_messages
		WHERE id = $1`

	return r.scanMessage(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *MessageRepository) GetByConversation(ctx context.Context, conversationID string, filter ports.MessageFilter) ([]*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, conversation_id, seq, role, content, raw_content, reasoning,
		       token_count, metadata, created_at
		FROM quarry_messages
		WHERE conversation_id = $1`

	args := []interface{}{conversationID}
	argPos := 2

	if filter.Role != nil {
		query += fmt.Sprintf(" AND role = $%d", argPos)
		args = append(args, *filter.Role)
		argPos++
	}

	query += " ORDER BY created_at ASC, seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
		args = append(args, filter.Limit, offset)
	} else if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, offset)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanMessages(rows)
}

// GetNextSequenceNumber reserves the next per-conversation sequence slot.
// Call inside the insert transaction, otherwise two appenders can race.
func (r *MessageRepository) GetNextSequenceNumber(ctx context.Context, conversationID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM quarry_messages
		WHERE conversation_id = $1`

	var seq int
	err := r.conn(ctx).QueryRow(ctx, query, conversationID).Scan(&seq)
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// ExistsForUserMessage reports whether an assistant reply keyed to the given
// user message has already been stored. The persistence worker uses this to
// drop duplicate jobs.
func (r *MessageRepository) ExistsForUserMessage(ctx context.Context, conversationID, userMessageID string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT EXISTS (
			SELECT 1
			FROM quarry_messages
			WHERE conversation_id = $1
			  AND role = 'assistant'
			  AND metadata->>'user_message_id' = $2
		)`

	var exists bool
	err := r.conn(ctx).QueryRow(ctx, query, conversationID, userMessageID).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

func (r *MessageRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		DELETE FROM quarry_messages
		WHERE id = $1`

	result, err := r.conn(ctx).Exec(ctx, query, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}

// scanMessage scans a single message row
func (r *MessageRepository) scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var rawContent sql.NullString
	var reasoning sql.NullString
	var metadata []byte

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Seq,
		&m.Role,
		&m.Content,
		&rawContent,
		&reasoning,
		&m.TokenCount,
		&metadata,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.RawContent = getString(rawContent)
	m.Reasoning = getString(reasoning)

	meta, err := unmarshalJSONPointer[models.MessageMetadata](metadata)
	if err != nil {
		return nil, err
	}
	m.Metadata = meta

	return &m, nil
}

// scanMessages scans multiple message rows
func (r *MessageRepository) scanMessages(rows pgx.Rows) ([]*models.Message, error) {
	messages := make([]*models.Message, 0)

	for rows.Next() {
		var m models.Message
		var rawContent sql.NullString
		var reasoning sql.NullString
		var metadata []byte

		err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.Seq,
			&m.Role,
			&m.Content,
			&rawContent,
			&reasoning,
			&m.TokenCount,
			&metadata,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		m.RawContent = getString(rawContent)
		m.Reasoning = getString(reasoning)

		meta, err := unmarshalJSONPointer[models.MessageMetadata](metadata)
		if err != nil {
			return nil, err
		}
		m.Metadata = meta

		messages = append(messages, &m)
	}

	return messages, rows.Err()
}
