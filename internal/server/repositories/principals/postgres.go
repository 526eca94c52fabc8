// Package principals provides the PostgreSQL-backed identity directory.
package principals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/teamvault/teamvault/internal/common"
	"github.com/teamvault/teamvault/internal/dbx"
	"github.com/teamvault/teamvault/internal/server/models"
)

// PostgresRepository implements principal storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const principalColumns = `id, email, role, team_id, public_key, created_at`

func scanPrincipal(row interface{ Scan(...any) error }) (*models.Principal, error) {
	p := &models.Principal{}
	var teamID sql.NullString
	if err := row.Scan(&p.ID, &p.Email, &p.Role, &teamID, &p.PublicKey, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.TeamID = teamID.String
	return p, nil
}

// Create inserts a principal. A duplicate email yields common.ErrConflict.
func (r *PostgresRepository) Create(ctx context.Context, principal *models.Principal) (*models.Principal, error) {
	query := `
		INSERT INTO principals (id, email, role, team_id, public_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		principal.ID, principal.Email, principal.Role, nullable(principal.TeamID), principal.PublicKey,
	).Scan(&principal.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, common.ErrConflict
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return principal, nil
}

// Get returns the principal with the given id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`

	p, err := scanPrincipal(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}

// GetByEmail returns the principal with the given email.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE email = $1`

	p, err := scanPrincipal(r.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}

// ListByRole returns all principals holding the given role.
func (r *PostgresRepository) ListByRole(ctx context.Context, role models.Role) ([]*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE role = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, string(role))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collectPrincipals(rows)
}

// ListByTeam returns the principals of a team restricted to the given roles.
func (r *PostgresRepository) ListByTeam(ctx context.Context, teamID string, roles []models.Role) ([]*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals
		WHERE team_id = $1 AND role = ANY($2::text[]) ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, teamID, roleArray(roles))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collectPrincipals(rows)
}

// UpdateRole changes a principal's role.
func (r *PostgresRepository) UpdateRole(ctx context.Context, id string, role models.Role) error {
	query := `UPDATE principals SET role = $2 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, string(role))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// Delete removes a principal row. The caller is responsible for stripping
// the principal's ACL entries first.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM principals WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func collectPrincipals(rows *sql.Rows) ([]*models.Principal, error) {
	var result []*models.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// roleArray renders roles as a Postgres text[] literal so the parameter
// stays a plain string for database/sql.
func roleArray(roles []models.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
