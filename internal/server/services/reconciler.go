// Package services contains the server-side business logic of the
// access-control engine: credential lifecycle, grant/revoke, identity
// directory reads, and ACL reconciliation.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teamvault/teamvault/internal/logging"
	"github.com/teamvault/teamvault/internal/server/acl"
	"github.com/teamvault/teamvault/internal/server/models"
	"github.com/teamvault/teamvault/internal/server/repositories/repomanager"
	"github.com/teamvault/teamvault/internal/syncx"
)

const defaultReconcileWorkers = 4

// Reconciler keeps the invariant "every owner-class principal holds an ACL
// entry on every credential" true despite out-of-order creation events, and
// repairs ledgers that fail to parse.
//
// All entries it creates are pending (no wrapped key): populating the key is
// the client-side key-exchange flow's job. Backfill uses ensure-pending
// semantics, so replays and races converge without ever clobbering a
// wrapped key that an explicit grant already populated.
type Reconciler struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	locks   *syncx.KeyedMutex
	logger  logging.Logger
	workers int
	now     func() time.Time
}

// NewReconciler constructs a Reconciler. workers bounds the parallelism of
// bulk walks; values below 1 fall back to the default.
func NewReconciler(db *sql.DB, repos repomanager.RepositoryManager, locks *syncx.KeyedMutex, logger logging.Logger, workers int) *Reconciler {
	if workers < 1 {
		workers = defaultReconcileWorkers
	}
	return &Reconciler{
		db:      db,
		repos:   repos,
		locks:   locks,
		logger:  logger,
		workers: workers,
		now:     time.Now,
	}
}

// OnPrincipalPromoted backfills a pending entry for the principal onto every
// credential. Credentials are processed independently: a failure on one is
// logged and does not abort the walk.
func (r *Reconciler) OnPrincipalPromoted(ctx context.Context, principalID string) error {
	ids, err := r.repos.Credentials(r.db).ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	r.walk(ctx, ids, func(ctx context.Context, credentialID string) error {
		return r.ensurePendingIDs(ctx, credentialID, []string{principalID})
	})
	return nil
}

// OnCredentialCreated backfills pending entries for every current
// owner-class principal onto the credential.
func (r *Reconciler) OnCredentialCreated(ctx context.Context, credentialID string) error {
	superIDs, err := r.superAdminIDs(ctx)
	if err != nil {
		return err
	}
	return r.ensurePendingIDs(ctx, credentialID, superIDs)
}

// RepairLedger replaces the credential's ledger with an empty one and
// re-derives it from the current set of owner-class principals. Historical
// grants are not restored: revocation is never undone by repair.
func (r *Reconciler) RepairLedger(ctx context.Context, credentialID string) error {
	superIDs, err := r.superAdminIDs(ctx)
	if err != nil {
		return err
	}

	unlock := r.locks.Lock(credentialID)
	defer unlock()

	repo := r.repos.Credentials(r.db)
	if _, err := repo.Get(ctx, credentialID); err != nil {
		return err
	}

	ledger := &acl.Ledger{}
	now := r.now().UTC()
	for _, id := range superIDs {
		ledger.EnsurePending(id, now)
	}

	raw, err := ledger.Encode()
	if err != nil {
		return err
	}
	if err := repo.UpdateACL(ctx, credentialID, raw); err != nil {
		return err
	}

	r.logger.Warn(ctx, "acl ledger rebuilt", "credential_id", credentialID, "entries", ledger.Len())
	return nil
}

// Sweep walks every credential and ensures each ledger parses and contains
// every current owner-class principal. Run periodically and after restarts.
func (r *Reconciler) Sweep(ctx context.Context) error {
	superIDs, err := r.superAdminIDs(ctx)
	if err != nil {
		return err
	}
	ids, err := r.repos.Credentials(r.db).ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	r.walk(ctx, ids, func(ctx context.Context, credentialID string) error {
		return r.ensurePendingIDs(ctx, credentialID, superIDs)
	})
	return nil
}

// StripPrincipal removes the principal's entries from every ledger that
// holds one. Used before a principal row may be deleted.
func (r *Reconciler) StripPrincipal(ctx context.Context, principalID string) error {
	ids, err := r.repos.Credentials(r.db).ListIDsByGrantee(ctx, principalID)
	if err != nil {
		return fmt.Errorf("listing credentials by grantee: %w", err)
	}

	failed := r.walk(ctx, ids, func(ctx context.Context, credentialID string) error {
		return r.removeEntry(ctx, credentialID, principalID)
	})
	if failed > 0 {
		return fmt.Errorf("failed to strip %d of %d ledgers", failed, len(ids))
	}
	return nil
}

// walk runs fn per credential on a bounded worker pool and returns the
// number of failures. Per-credential failures are logged and swallowed so
// one credential cannot starve or abort the rest; each unit of work stays
// individually retryable.
func (r *Reconciler) walk(ctx context.Context, credentialIDs []string, fn func(ctx context.Context, credentialID string) error) int64 {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	var failed atomic.Int64
	for _, id := range credentialIDs {
		id := id
		g.Go(func() error {
			if err := fn(ctx, id); err != nil {
				failed.Add(1)
				r.logger.Error(ctx, "reconciliation failed for credential", "credential_id", id, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed.Load()
}

// ensurePendingIDs adds pending entries for the given grantees under the
// credential's lock. A ledger that fails to parse is rebuilt from scratch
// with the current owner-class set folded in.
func (r *Reconciler) ensurePendingIDs(ctx context.Context, credentialID string, granteeIDs []string) error {
	unlock := r.locks.Lock(credentialID)
	defer unlock()

	repo := r.repos.Credentials(r.db)
	cred, err := repo.Get(ctx, credentialID)
	if err != nil {
		return err
	}

	ledger, corrupt := parseLedger(ctx, r.logger, cred)
	changed := corrupt

	if corrupt {
		// repair folds in the current owner-class set, not just the
		// grantees this event carried
		superIDs, err := r.superAdminIDs(ctx)
		if err != nil {
			return err
		}
		granteeIDs = append(superIDs, granteeIDs...)
	}

	now := r.now().UTC()
	for _, id := range granteeIDs {
		if ledger.EnsurePending(id, now) {
			changed = true
		}
	}

	if !changed {
		return nil
	}

	raw, err := ledger.Encode()
	if err != nil {
		return err
	}
	return repo.UpdateACL(ctx, credentialID, raw)
}

func (r *Reconciler) removeEntry(ctx context.Context, credentialID string, granteeID string) error {
	unlock := r.locks.Lock(credentialID)
	defer unlock()

	repo := r.repos.Credentials(r.db)
	cred, err := repo.Get(ctx, credentialID)
	if err != nil {
		return err
	}

	ledger, corrupt := parseLedger(ctx, r.logger, cred)
	if !ledger.Remove(granteeID) && !corrupt {
		return nil
	}

	raw, err := ledger.Encode()
	if err != nil {
		return err
	}
	return repo.UpdateACL(ctx, credentialID, raw)
}

func (r *Reconciler) superAdminIDs(ctx context.Context) ([]string, error) {
	supers, err := r.repos.Principals(r.db).ListByRole(ctx, models.RoleSuperAdmin)
	if err != nil {
		return nil, fmt.Errorf("listing owner-class principals: %w", err)
	}
	ids := make([]string, 0, len(supers))
	for _, p := range supers {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// parseLedger decodes a credential's stored ledger. Corruption is recovered
// as an empty ledger and logged, never surfaced to the caller: a malformed
// ledger must not make a credential unreadable.
func parseLedger(ctx context.Context, logger logging.Logger, cred *models.Credential) (*acl.Ledger, bool) {
	ledger, err := acl.Parse(cred.ACL)
	if err != nil {
		logger.Warn(ctx, "corrupt acl ledger, treating as empty", "credential_id", cred.ID, "error", err.Error())
		return &acl.Ledger{}, true
	}
	return ledger, false
}
