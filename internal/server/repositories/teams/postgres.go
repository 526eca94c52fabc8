// Package teams provides PostgreSQL-backed team persistence.
package teams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/teamvault/teamvault/internal/common"
	"github.com/teamvault/teamvault/internal/dbx"
	"github.com/teamvault/teamvault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a team. A duplicate name yields common.ErrConflict.
func (r *PostgresRepository) Create(ctx context.Context, team *models.Team) (*models.Team, error) {
	query := `INSERT INTO teams (id, name) VALUES ($1, $2)`

	if _, err := r.db.ExecContext(ctx, query, team.ID, team.Name); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, common.ErrConflict
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return team, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Team, error) {
	query := `SELECT id, name FROM teams WHERE id = $1`

	team := &models.Team{}
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&team.ID, &team.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return team, nil
}

func (r *PostgresRepository) GetByName(ctx context.Context, name string) (*models.Team, error) {
	query := `SELECT id, name FROM teams WHERE name = $1`

	team := &models.Team{}
	if err := r.db.QueryRowContext(ctx, query, name).Scan(&team.ID, &team.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return team, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Team, error) {
	query := `SELECT id, name FROM teams ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Team
	for rows.Next() {
		team := &models.Team{}
		if err := rows.Scan(&team.ID, &team.Name); err != nil {
			return nil, err
		}
		result = append(result, team)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
