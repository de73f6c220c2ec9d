//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quarrylabs/quarry/internal/adapters/id"
	"github.com/quarrylabs/quarry/internal/adapters/postgres"
	"github.com/quarrylabs/quarry/internal/application/services"
	"github.com/quarrylabs/quarry/internal/auth"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

func newServices(db *TestDB) (*services.PrincipalService, *services.ConversationService, ports.IDGenerator) {
	idGen := id.New()
	principals := services.NewPrincipalService(postgres.NewPrincipalRepository(db.Pool))
	conversations := services.NewConversationService(
		postgres.NewConversationRepository(db.Pool),
		postgres.NewMessageRepository(db.Pool),
		postgres.NewTransactionManager(db.Pool),
		idGen,
	)
	return principals, conversations, idGen
}

func resolvePrincipal(t *testing.T, principals *services.PrincipalService, subject string) *models.Principal {
	t.Helper()
	p, err := principals.Resolve(context.Background(), &auth.Claims{
		Email:            subject + "@example.com",
		RealmAccess:      auth.RealmAccess{Roles: []string{"user"}},
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	})
	if err != nil {
		t.Fatalf("failed to resolve principal: %v", err)
	}
	return p
}

func TestGatewayFlow_ConversationAndMessages(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	principals, conversations, idGen := newServices(db)

	owner := resolvePrincipal(t, principals, "owner")

	conversation, err := conversations.Create(ctx, owner.ID, services.CreateConversationInput{
		Title: "Integration run",
		Model: "qwen3-30b",
	})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	if conversation.Status != models.ConversationStatusActive {
		t.Errorf("expected status 'active', got '%s'", conversation.Status)
	}

	userMsg := models.NewMessage(idGen.GenerateMessageID(), conversation.ID, models.MessageRoleUser, "Hello")
	userMsg.TokenCount = 2
	if err := conversations.AppendMessage(ctx, userMsg); err != nil {
		t.Fatalf("failed to append user message: %v", err)
	}

	assistant := models.NewMessage(idGen.GenerateMessageID(), conversation.ID, models.MessageRoleAssistant, "Hi there")
	assistant.TokenCount = 3
	assistant.Metadata = &models.MessageMetadata{UserMessageID: userMsg.ID, Model: "qwen3-30b"}
	written, err := conversations.AppendAssistantIfAbsent(ctx, assistant)
	if err != nil {
		t.Fatalf("failed to append assistant message: %v", err)
	}
	if !written {
		t.Fatal("first assistant append should write")
	}

	// A redelivered persistence job must be a no-op.
	duplicate := models.NewMessage(idGen.GenerateMessageID(), conversation.ID, models.MessageRoleAssistant, "Hi there")
	duplicate.Metadata = &models.MessageMetadata{UserMessageID: userMsg.ID}
	written, err = conversations.AppendAssistantIfAbsent(ctx, duplicate)
	if err != nil {
		t.Fatalf("duplicate append errored: %v", err)
	}
	if written {
		t.Error("duplicate assistant append should be skipped")
	}

	messages, err := conversations.ListMessages(ctx, owner.ID, conversation.ID, ports.MessageFilter{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Seq != 1 || messages[1].Seq != 2 {
		t.Errorf("expected seq 1,2 got %d,%d", messages[0].Seq, messages[1].Seq)
	}

	refreshed, err := conversations.Get(ctx, owner.ID, conversation.ID)
	if err != nil {
		t.Fatalf("failed to refresh conversation: %v", err)
	}
	if refreshed.MessageCount != 2 {
		t.Errorf("expected message_count 2, got %d", refreshed.MessageCount)
	}
	if refreshed.TotalTokens != 5 {
		t.Errorf("expected total_tokens 5, got %d", refreshed.TotalTokens)
	}
}

func TestGatewayFlow_OwnershipAndSoftDelete(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	principals, conversations, _ := newServices(db)

	owner := resolvePrincipal(t, principals, "owner")
	other := resolvePrincipal(t, principals, "other")

	conversation, err := conversations.Create(ctx, owner.ID, services.CreateConversationInput{Title: "Private"})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	// Other principals see not-found, not forbidden.
	_, err = conversations.Get(ctx, other.ID, conversation.ID)
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeConversationNotFound {
		t.Fatalf("expected CONVERSATION_NOT_FOUND for non-owner, got %v", err)
	}

	if err := conversations.Delete(ctx, owner.ID, conversation.ID, false); err != nil {
		t.Fatalf("failed to soft delete: %v", err)
	}

	// Soft-deleted conversations vanish from reads and default listings.
	if _, err := conversations.Get(ctx, owner.ID, conversation.ID); err == nil {
		t.Fatal("expected soft-deleted conversation to be hidden")
	}
	listed, err := conversations.List(ctx, owner.ID, ports.ConversationFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("expected empty listing after soft delete, got %d", len(listed))
	}

	deletedStatus := models.ConversationStatusDeleted
	listed, err = conversations.List(ctx, owner.ID, ports.ConversationFilter{Status: &deletedStatus})
	if err != nil {
		t.Fatalf("failed to list deleted: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("expected 1 deleted conversation, got %d", len(listed))
	}
}

func TestGatewayFlow_PrincipalUpsertIsStable(t *testing.T) {
	db := SetupTestDB(t)
	principals, _, _ := newServices(db)

	first := resolvePrincipal(t, principals, "repeat")
	second := resolvePrincipal(t, principals, "repeat")

	if first.ID != second.ID {
		t.Errorf("expected same principal row for same subject, got %d and %d", first.ID, second.ID)
	}
}
