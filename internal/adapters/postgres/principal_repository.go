package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/internal/domain/models"
)

type PrincipalRepository struct {
	BaseRepository
}

func NewPrincipalRepository(pool *pgxpool.Pool) *PrincipalRepository {
	return &PrincipalRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

// Upsert inserts the principal keyed by issuer subject, refreshing claims
// that may have changed upstream. Deactivated principals stay deactivated.
func (r *PrincipalRepository) Upsert(ctx context.Context, principal *models.Principal) (*models.Principal, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO quarry_principals (subject, email, display_name, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (subject) DO UPDATE
		SET email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at
		RETURNING id, subject, email, display_name, role, active, created_at, updated_at`

	row := r.conn(ctx).QueryRow(ctx, query,
		principal.Subject,
		principal.Email,
		principal.DisplayName,
		principal.Role,
		principal.UpdatedAt,
	)

	return r.scanPrincipal(row)
}

func (r *PrincipalRepository) GetByID(ctx context.Context, id int64) (*models.Principal, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, subject, email, display_name, role, active, created_at, updated_at
		FROM quarry_principals
		WHERE id = $1`

	return r.scanPrincipal(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *PrincipalRepository) GetBySubject(ctx context.Context, subject string) (*models.Principal, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, subject, email, display_name, role, active, created_at, updated_at
		FROM quarry_principals
		WHERE subject = $1`

	return r.scanPrincipal(r.conn(ctx).QueryRow(ctx, query, subject))
}

func (r *PrincipalRepository) List(ctx context.Context, limit, offset int) ([]*models.Principal, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, subject, email, display_name, role, active, created_at, updated_at
		FROM quarry_principals
		ORDER BY id ASC
		LIMIT $1 OFFSET $2`

	rows, err := r.conn(ctx).Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	principals := make([]*models.Principal, 0)
	for rows.Next() {
		var p models.Principal
		if err := rows.Scan(
			&p.ID,
			&p.Subject,
			&p.Email,
			&p.DisplayName,
			&p.Role,
			&p.Active,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		principals = append(principals, &p)
	}

	return principals, rows.Err()
}

func (r *PrincipalRepository) Deactivate(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE quarry_principals
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1 AND active`

	result, err := r.conn(ctx).Exec(ctx, query, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}

// scanPrincipal scans a single principal row
func (r *PrincipalRepository) scanPrincipal(row pgx.Row) (*models.Principal, error) {
	var p models.Principal

	err := row.Scan(
		&p.ID,
		&p.Subject,
		&p.Email,
		&p.DisplayName,
		&p.Role,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &p, nil
}
