// Package server wires the access-control engine together: database,
// repositories, services and the background reconciliation sweep. The
// serving layer embeds App and calls the services directly.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/teamvault/teamvault/internal/logging"
	"github.com/teamvault/teamvault/internal/server/blob"
	"github.com/teamvault/teamvault/internal/server/config"
	"github.com/teamvault/teamvault/internal/server/repositories/repomanager"
	"github.com/teamvault/teamvault/internal/server/services"
	"github.com/teamvault/teamvault/internal/syncx"
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	Directory   *services.DirectoryService
	Credentials *services.CredentialService
	Access      *services.AccessService
	Reconciler  *services.Reconciler
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	var blobs services.BlobStore
	if c.S3BaseEndpoint != "" {
		store, err := blob.NewS3Store(ctx, blob.Config{
			RootUser:     c.S3RootUser,
			RootPassword: c.S3RootPassword,
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("blob store init error: %w", err)
		}
		blobs = store
	}

	locks := syncx.NewKeyedMutex()
	reconciler := services.NewReconciler(db, rm, locks, logger, c.ReconcileWorkers)

	return &App{
		config:      c,
		logger:      logger,
		db:          db,
		Directory:   services.NewDirectoryService(db, rm, reconciler, logger),
		Credentials: services.NewCredentialService(db, rm, reconciler, blobs, locks, logger, c.InlineCiphertextLimit),
		Access:      services.NewAccessService(db, rm, locks, logger),
		Reconciler:  reconciler,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) runSweepLoop(ctx context.Context) {
	interval := app.config.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// converge once at startup, then periodically
	if err := app.Reconciler.Sweep(ctx); err != nil {
		app.logger.Error(ctx, "reconciliation sweep failed", "error", err.Error())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.Reconciler.Sweep(ctx); err != nil {
				app.logger.Error(ctx, "reconciliation sweep failed", "error", err.Error())
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runSweepLoop(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err.Error())
	}
}
