package repomanager

import (
	"context"
	"database/sql"

	"github.com/teamvault/teamvault/internal/dbx"
	"github.com/teamvault/teamvault/internal/server/repositories/credentials"
	"github.com/teamvault/teamvault/internal/server/repositories/principals"
	"github.com/teamvault/teamvault/internal/server/repositories/teams"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Principals(db dbx.DBTX) principals.Repository
	Teams(db dbx.DBTX) teams.Repository
	Credentials(db dbx.DBTX) credentials.Repository
}
