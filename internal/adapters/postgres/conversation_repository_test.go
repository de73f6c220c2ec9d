package postgres

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

func conversationColumns() []string {
	return []string{
		"id", "principal_id", "title", "status", "model", "system_prompt",
		"metadata", "message_count", "total_tokens", "created_at", "updated_at",
	}
}

func TestConversationRepository_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	conv := models.NewConversation("4f1c3b2a-0000-0000-0000-000000000001", 7, "Test conversation")
	conv.Model = "llama-3.1-8b"

	mock.ExpectExec("INSERT INTO quarry_conversations").
		WithArgs(conv.ID, conv.PrincipalID, conv.Title, conv.Status,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			conv.MessageCount, conv.TotalTokens, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := setupMockContext(mock)
	err = repo.Create(ctx, conv)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_GetByIDAndPrincipal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	now := time.Now().UTC()
	rows := pgxmock.NewRows(conversationColumns()).
		AddRow("4f1c3b2a-0000-0000-0000-000000000001", int64(7), "Test conversation",
			models.ConversationStatusActive, "llama-3.1-8b", "", []byte(`{"source":"test"}`),
			3, 120, now, now)

	mock.ExpectQuery("SELECT (.+) FROM quarry_conversations").
		WithArgs("4f1c3b2a-0000-0000-0000-000000000001", int64(7)).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	conv, err := repo.GetByIDAndPrincipal(ctx, "4f1c3b2a-0000-0000-0000-000000000001", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if conv.Title != "Test conversation" {
		t.Errorf("expected title 'Test conversation', got %s", conv.Title)
	}
	if conv.MessageCount != 3 || conv.TotalTokens != 120 {
		t.Errorf("expected counters 3/120, got %d/%d", conv.MessageCount, conv.TotalTokens)
	}
	if conv.Metadata["source"] != "test" {
		t.Errorf("expected metadata to round-trip, got %v", conv.Metadata)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_GetByIDAndPrincipal_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	mock.ExpectQuery("SELECT (.+) FROM quarry_conversations").
		WithArgs("missing", int64(7)).
		WillReturnError(pgx.ErrNoRows)

	ctx := setupMockContext(mock)
	_, err = repo.GetByIDAndPrincipal(ctx, "missing", 7)
	if err != pgx.ErrNoRows {
		t.Errorf("expected pgx.ErrNoRows, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_SoftDelete_NotOwned(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	mock.ExpectExec("UPDATE quarry_conversations").
		WithArgs("4f1c3b2a-0000-0000-0000-000000000001", int64(99)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := setupMockContext(mock)
	err = repo.SoftDelete(ctx, "4f1c3b2a-0000-0000-0000-000000000001", 99)
	if err != pgx.ErrNoRows {
		t.Errorf("expected pgx.ErrNoRows for unowned conversation, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_ListByPrincipal_ExcludesDeleted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	now := time.Now().UTC()
	rows := pgxmock.NewRows(conversationColumns()).
		AddRow("4f1c3b2a-0000-0000-0000-000000000001", int64(7), "Newest",
			models.ConversationStatusActive, "", "", []byte(nil), 0, 0, now, now).
		AddRow("4f1c3b2a-0000-0000-0000-000000000002", int64(7), "Older",
			models.ConversationStatusArchived, "", "", []byte(nil), 2, 48, now, now.Add(-time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM quarry_conversations").
		WithArgs(int64(7), 50, 0).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	conversations, err := repo.ListByPrincipal(ctx, 7, ports.ConversationFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(conversations))
	}
	if conversations[0].Title != "Newest" {
		t.Errorf("expected newest first, got %s", conversations[0].Title)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_ListByPrincipal_StatusFilter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	now := time.Now().UTC()
	deleted := models.ConversationStatusDeleted
	rows := pgxmock.NewRows(conversationColumns()).
		AddRow("4f1c3b2a-0000-0000-0000-000000000003", int64(7), "Gone",
			deleted, "", "", []byte(nil), 1, 12, now, now)

	mock.ExpectQuery("SELECT (.+) FROM quarry_conversations").
		WithArgs(int64(7), deleted, 50, 0).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	conversations, err := repo.ListByPrincipal(ctx, 7, ports.ConversationFilter{Status: &deleted})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(conversations) != 1 || conversations[0].Status != deleted {
		t.Errorf("expected only the deleted conversation, got %+v", conversations)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_ApplyMessageInsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	mock.ExpectExec("UPDATE quarry_conversations").
		WithArgs("4f1c3b2a-0000-0000-0000-000000000001", 42).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	err = repo.ApplyMessageInsert(ctx, "4f1c3b2a-0000-0000-0000-000000000001", 42)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
