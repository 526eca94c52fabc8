// Package credentials provides PostgreSQL-backed credential persistence.
// The acl column holds the serialized ledger; ACL-membership queries use
// jsonb containment so a malformed ledger simply fails the match instead of
// erroring the whole query (the owner match keeps the row reachable).
package credentials

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

const credentialColumns = `id, owner_id, title, cipher_algorithm, ciphertext, storage_key, metadata, acl, created_at, updated_at`

const granteeContains = `acl @> jsonb_build_array(jsonb_build_object('grantee_id', $1::text))`

func scanCredential(row interface{ Scan(...any) error }) (*models.Credential, error) {
	c := &models.Credential{}
	var aclRaw []byte
	if err := row.Scan(
		&c.ID, &c.OwnerID, &c.Title, &c.CipherAlgorithm, &c.Ciphertext,
		&c.StorageKey, &c.Metadata, &aclRaw, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.ACL = aclRaw
	return c, nil
}

// Create inserts a credential row with its initial ledger blob. A duplicate
// id yields common.ErrConflict.
func (r *PostgresRepository) Create(ctx context.Context, credential *models.Credential) (*models.Credential, error) {
	query := `
		INSERT INTO credentials (id, owner_id, title, cipher_algorithm, ciphertext, storage_key, metadata, acl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		credential.ID, credential.OwnerID, credential.Title, credential.CipherAlgorithm,
		credential.Ciphertext, credential.StorageKey, credential.Metadata, string(credential.ACL),
	).Scan(&credential.CreatedAt, &credential.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, common.ErrConflict
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return credential, nil
}

// Get returns a credential with its team assignments filled in.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`

	c, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	teamIDs, err := r.TeamIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	c.TeamIDs = teamIDs
	return c, nil
}

// Update rewrites the mutable record fields. It never touches the acl
// column; ledger mutation goes through UpdateACL.
func (r *PostgresRepository) Update(ctx context.Context, credential *models.Credential) error {
	query := `
		UPDATE credentials
		SET title = $2, cipher_algorithm = $3, ciphertext = $4, storage_key = $5, metadata = $6, updated_at = now()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		credential.ID, credential.Title, credential.CipherAlgorithm,
		credential.Ciphertext, credential.StorageKey, credential.Metadata,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

// UpdateACL stores a new ledger blob and refreshes updated_at, so every
// ACL change is visible as a credential mutation.
func (r *PostgresRepository) UpdateACL(ctx context.Context, id string, acl []byte) error {
	query := `UPDATE credentials SET acl = $2, updated_at = now() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, string(acl))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

// ReplaceTeams rewrites the credential's team links.
func (r *PostgresRepository) ReplaceTeams(ctx context.Context, id string, teamIDs []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM credential_teams WHERE credential_id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	for _, teamID := range teamIDs {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO credential_teams (credential_id, team_id) VALUES ($1, $2)`, id, teamID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

// TeamIDs returns the credential's team-assignment set.
func (r *PostgresRepository) TeamIDs(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT team_id FROM credential_teams WHERE credential_id = $1 ORDER BY team_id`, id)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var teamID string
		if err := rows.Scan(&teamID); err != nil {
			return nil, err
		}
		result = append(result, teamID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the credential row. Team links cascade in the schema and
// the ledger lives in the row itself, so the ACL dies with the credential.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

// List returns every credential.
func (r *PostgresRepository) List(ctx context.Context) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collectCredentials(rows)
}

// ListIDs returns every credential id.
func (r *PostgresRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

// ListVisible composes the visibility predicate: owner match, ACL-membership
// match, and (for team-scoped actors) team-assignment match.
func (r *PostgresRepository) ListVisible(ctx context.Context, actorID string, teamID string) ([]*models.Credential, error) {
	query := `
		SELECT DISTINCT ` + prefixedCredentialColumns + `
		FROM credentials c
		LEFT JOIN credential_teams ct ON ct.credential_id = c.id
		WHERE c.owner_id = $1
		   OR c.` + granteeContains + `
		   OR ($2::uuid IS NOT NULL AND ct.team_id = $2::uuid)
		ORDER BY c.created_at
	`
	rows, err := r.db.QueryContext(ctx, query, actorID, nullable(teamID))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collectCredentials(rows)
}

// ListIDsByGrantee returns ids of credentials whose ledger contains an
// entry for granteeID.
func (r *PostgresRepository) ListIDsByGrantee(ctx context.Context, granteeID string) ([]string, error) {
	query := `SELECT id FROM credentials WHERE ` + granteeContains + ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, granteeID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

const prefixedCredentialColumns = `c.id, c.owner_id, c.title, c.cipher_algorithm, c.ciphertext, c.storage_key, c.metadata, c.acl, c.created_at, c.updated_at`

func collectCredentials(rows *sql.Rows) ([]*models.Credential, error) {
	var result []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
