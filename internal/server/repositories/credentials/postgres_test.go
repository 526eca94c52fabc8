package credentials

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/teamvault/teamvault/internal/common"
	"github.com/teamvault/teamvault/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

var credentialRowColumns = []string{
	"id", "owner_id", "title", "cipher_algorithm", "ciphertext",
	"storage_key", "metadata", "acl", "created_at", "updated_at",
}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+credentials\s*\(id,\s*owner_id,\s*title,\s*cipher_algorithm,\s*ciphertext,\s*storage_key,\s*metadata,\s*acl\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7,\s*\$8\)\s*RETURNING\s+created_at,\s*updated_at\s*$`

	now := time.Now()
	rows := sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now)
	mock.ExpectQuery(q).
		WithArgs("c-1", "p-1", "prod db", "alg", []byte("cipher"), "", []byte(nil), "[]").
		WillReturnRows(rows)

	c := &models.Credential{
		ID: "c-1", OwnerID: "p-1", Title: "prod db",
		CipherAlgorithm: "alg", Ciphertext: []byte("cipher"), ACL: []byte("[]"),
	}
	got, err := repo.Create(context.Background(), c)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !got.CreatedAt.Equal(now) || !got.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps not filled: %+v", got)
	}
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+credentials`).
		WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &models.Credential{ID: "c-1", ACL: []byte("[]")})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGet_FillsTeams(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(credentialRowColumns).
		AddRow("c-1", "p-1", "prod db", "alg", []byte("cipher"), "", []byte(nil), []byte(`[]`), now, now)
	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*owner_id,.*FROM\s+credentials\s+WHERE\s+id\s*=\s*\$1\s*$`).
		WithArgs("c-1").
		WillReturnRows(rows)

	teamRows := sqlmock.NewRows([]string{"team_id"}).AddRow("t-1").AddRow("t-2")
	mock.ExpectQuery(`(?s)^SELECT\s+team_id\s+FROM\s+credential_teams\s+WHERE\s+credential_id\s*=\s*\$1\s+ORDER\s+BY\s+team_id\s*$`).
		WithArgs("c-1").
		WillReturnRows(teamRows)

	got, err := repo.Get(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.ID != "c-1" || len(got.TeamIDs) != 2 || got.TeamIDs[0] != "t-1" {
		t.Fatalf("unexpected credential: %+v", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*owner_id,.*FROM\s+credentials\s+WHERE\s+id\s*=\s*\$1\s*$`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "ghost")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestUpdateACL_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^UPDATE\s+credentials\s+SET\s+acl\s*=\s*\$2,\s*updated_at\s*=\s*now\(\)\s+WHERE\s+id\s*=\s*\$1\s*$`

	ledger := `[{"grantee_id":"p-2","granted_at":"2026-01-02T00:00:00Z"}]`
	mock.ExpectExec(q).
		WithArgs("c-1", ledger).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateACL(context.Background(), "c-1", []byte(ledger)); err != nil {
		t.Fatalf("UpdateACL error: %v", err)
	}
}

func TestUpdateACL_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^UPDATE\s+credentials\s+SET\s+acl`).
		WithArgs("ghost", "[]").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.UpdateACL(context.Background(), "ghost", []byte("[]")); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestReplaceTeams(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+credential_teams\s+WHERE\s+credential_id\s*=\s*\$1\s*$`).
		WithArgs("c-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+credential_teams\s*\(credential_id,\s*team_id\)\s*VALUES\s*\(\$1,\s*\$2\)\s*$`).
		WithArgs("c-1", "t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+credential_teams`).
		WithArgs("c-1", "t-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.ReplaceTeams(context.Background(), "c-1", []string{"t-1", "t-2"}); err != nil {
		t.Fatalf("ReplaceTeams error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestListIDsByGrantee_UsesContainment(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+id\s+FROM\s+credentials\s+WHERE\s+acl\s+@>\s+jsonb_build_array\(jsonb_build_object\('grantee_id',\s*\$1::text\)\)\s+ORDER\s+BY\s+created_at\s*$`

	rows := sqlmock.NewRows([]string{"id"}).AddRow("c-1").AddRow("c-3")
	mock.ExpectQuery(q).
		WithArgs("p-2").
		WillReturnRows(rows)

	got, err := repo.ListIDsByGrantee(context.Background(), "p-2")
	if err != nil {
		t.Fatalf("ListIDsByGrantee error: %v", err)
	}
	if len(got) != 2 || got[0] != "c-1" || got[1] != "c-3" {
		t.Fatalf("unexpected ids: %v", got)
	}
}

func TestListVisible_TeamParamNullable(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(credentialRowColumns).
		AddRow("c-1", "p-1", "t", "", []byte(nil), "", []byte(nil), []byte(`[]`), now, now)
	mock.ExpectQuery(`(?s)^SELECT\s+DISTINCT\s+c\.id,.*LEFT\s+JOIN\s+credential_teams`).
		WithArgs("p-1", nil).
		WillReturnRows(rows)

	got, err := repo.ListVisible(context.Background(), "p-1", "")
	if err != nil || len(got) != 1 {
		t.Fatalf("ListVisible: got %+v err=%v", got, err)
	}
}

func TestDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+credentials\s+WHERE\s+id\s*=\s*\$1\s*$`).
		WithArgs("c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Delete(context.Background(), "c-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+credentials`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), "ghost"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}
