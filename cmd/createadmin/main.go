// Command createadmin bootstraps the initial owner-class principal so a
// fresh deployment has someone able to create credentials and grant access.
// It is idempotent: an existing principal with the same email is reported
// and left untouched.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/teamvault/teamvault/internal/common"
	"github.com/teamvault/teamvault/internal/logging"
	"github.com/teamvault/teamvault/internal/server/config"
	"github.com/teamvault/teamvault/internal/server/models"
	"github.com/teamvault/teamvault/internal/server/repositories/repomanager"
	"github.com/teamvault/teamvault/internal/server/services"
	"github.com/teamvault/teamvault/internal/syncx"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "createadmin: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	email := os.Getenv("ADMIN_EMAIL")
	if email == "" {
		email = "admin@example.com"
	}

	cfg := config.LoadConfig()

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open error: %w", err)
	}
	defer db.Close()

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}

	repo := rm.Principals(db)

	if existing, err := repo.GetByEmail(ctx, email); err == nil {
		fmt.Printf("principal %s already exists (id=%s, role=%s)\n", email, existing.ID, existing.Role)
		return nil
	} else if !errors.Is(err, common.ErrorNotFound) {
		return err
	}

	admin := &models.Principal{
		ID:    uuid.NewString(),
		Email: email,
		Role:  models.RoleSuperAdmin,
	}
	if _, err := repo.Create(ctx, admin); err != nil {
		return err
	}

	// backfill pending entries on any credentials that already exist
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	reconciler := services.NewReconciler(db, rm, syncx.NewKeyedMutex(), logger, cfg.ReconcileWorkers)
	if err := reconciler.OnPrincipalPromoted(ctx, admin.ID); err != nil {
		return err
	}

	fmt.Printf("owner-class principal %s created (id=%s)\n", email, admin.ID)
	return nil
}
