package services

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/quarrylabs/quarry/internal/auth"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

// PrincipalService mirrors verified identities into local principal rows and
// serves the admin user operations.
type PrincipalService struct {
	repo ports.PrincipalRepository
}

func NewPrincipalService(repo ports.PrincipalRepository) *PrincipalService {
	return &PrincipalService{repo: repo}
}

// Resolve upserts the principal for a verified token. The upsert keeps
// email, display name and role in sync with the issuer on every request;
// this is the only mutation a non-admin path performs on principals.
func (s *PrincipalService) Resolve(ctx context.Context, claims *auth.Claims) (*models.Principal, error) {
	principal := models.NewPrincipal(
		claims.Subject,
		claims.Email,
		claims.DisplayName(),
		models.RoleFromClaims(claims.Roles()),
	)

	stored, err := s.repo.Upsert(ctx, principal)
	if err != nil {
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to resolve principal").Wrap(err)
	}
	if !stored.Active {
		return nil, domain.NewAuth(domain.CodePermissionDenied, "account is deactivated")
	}
	return stored, nil
}

func (s *PrincipalService) GetByID(ctx context.Context, id int64) (*models.Principal, error) {
	principal, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFound("user not found").Wrap(domain.ErrPrincipalNotFound)
		}
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to load user").Wrap(err)
	}
	return principal, nil
}

func (s *PrincipalService) List(ctx context.Context, limit, offset int) ([]*models.Principal, error) {
	limit, offset = NormalizePaging(limit, offset)
	principals, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to list users").Wrap(err)
	}
	return principals, nil
}

// Deactivate soft-disables a principal. Rows are never removed so that
// conversation ownership stays resolvable.
func (s *PrincipalService) Deactivate(ctx context.Context, id int64) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return domain.NewUnavailable("DATABASE_ERROR", "failed to deactivate user").Wrap(err)
	}
	return nil
}

// UpdateProfile changes the caller's own display name and email. Role and
// active flags only move through the issuer or admin endpoints.
func (s *PrincipalService) UpdateProfile(ctx context.Context, id int64, displayName, email string) (*models.Principal, error) {
	principal, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if displayName != "" {
		if err := ValidateStringLength(displayName, "display name", 1, 200); err != nil {
			return nil, err
		}
		principal.DisplayName = displayName
	}
	if email != "" {
		if err := ValidateStringLength(email, "email", 3, 320); err != nil {
			return nil, err
		}
		principal.Email = email
	}

	stored, err := s.repo.Upsert(ctx, principal)
	if err != nil {
		return nil, domain.NewUnavailable("DATABASE_ERROR", "failed to update profile").Wrap(err)
	}
	return stored, nil
}
