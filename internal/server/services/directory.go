package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/teamvault/teamvault/internal/common"
	"github.com/teamvault/teamvault/internal/logging"
	"github.com/teamvault/teamvault/internal/server/models"
	"github.com/teamvault/teamvault/internal/server/repositories/repomanager"
)

// DirectoryService is the identity directory: read access to principals
// plus the two principal mutations this core owns, role promotion and the
// guarded removal. Everything else about principal records belongs to the
// user-management layer.
type DirectoryService struct {
	db         *sql.DB
	repos      repomanager.RepositoryManager
	reconciler *Reconciler
	logger     logging.Logger
}

func NewDirectoryService(db *sql.DB, repos repomanager.RepositoryManager, reconciler *Reconciler, logger logging.Logger) *DirectoryService {
	return &DirectoryService{
		db:         db,
		repos:      repos,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Lookup returns the principal with the given id.
func (s *DirectoryService) Lookup(ctx context.Context, principalID string) (*models.Principal, error) {
	return s.repos.Principals(s.db).Get(ctx, principalID)
}

// PublicKeyOf returns the principal's registered public key, or
// ErrNoPublicKey if key setup has not completed yet.
func (s *DirectoryService) PublicKeyOf(ctx context.Context, principalID string) ([]byte, error) {
	p, err := s.repos.Principals(s.db).Get(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !p.HasPublicKey() {
		return nil, common.ErrNoPublicKey
	}
	return p.PublicKey, nil
}

// ListByRole returns all principals holding the role.
func (s *DirectoryService) ListByRole(ctx context.Context, role models.Role) ([]*models.Principal, error) {
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", common.ErrPreconditionFailed, role)
	}
	return s.repos.Principals(s.db).ListByRole(ctx, role)
}

// ListByTeam returns the team's principals restricted to the given roles.
func (s *DirectoryService) ListByTeam(ctx context.Context, teamID string, roles []models.Role) ([]*models.Principal, error) {
	for _, role := range roles {
		if !models.ValidRole(role) {
			return nil, fmt.Errorf("%w: unknown role %q", common.ErrPreconditionFailed, role)
		}
	}
	return s.repos.Principals(s.db).ListByTeam(ctx, teamID, roles)
}

// Promote changes a principal's role. Promotion to owner-class triggers
// the store-wide pending-entry backfill; a backfill failure is logged and
// left to the next sweep, the promotion itself stands.
func (s *DirectoryService) Promote(ctx context.Context, principalID string, newRole models.Role) error {
	if !models.ValidRole(newRole) {
		return fmt.Errorf("%w: unknown role %q", common.ErrPreconditionFailed, newRole)
	}

	repo := s.repos.Principals(s.db)
	p, err := repo.Get(ctx, principalID)
	if err != nil {
		return err
	}
	if p.Role == newRole {
		return nil
	}

	if err := repo.UpdateRole(ctx, principalID, newRole); err != nil {
		return err
	}
	s.logger.Info(ctx, "principal role changed",
		"principal_id", principalID, "from", string(p.Role), "to", string(newRole))

	if newRole == models.RoleSuperAdmin {
		if err := s.reconciler.OnPrincipalPromoted(ctx, principalID); err != nil {
			s.logger.Error(ctx, "owner-class backfill failed, next sweep will converge",
				"principal_id", principalID, "error", err.Error())
		}
	}
	return nil
}

// Remove strips the principal's ledger entries across all credentials and
// then deletes the row. A principal still holding entries is never
// hard-deleted: if stripping fails part-way the row stays, and the call is
// safe to retry.
func (s *DirectoryService) Remove(ctx context.Context, principalID string) error {
	repo := s.repos.Principals(s.db)
	if _, err := repo.Get(ctx, principalID); err != nil {
		return err
	}

	if err := s.reconciler.StripPrincipal(ctx, principalID); err != nil {
		return fmt.Errorf("stripping acl entries: %w", err)
	}
	if err := repo.Delete(ctx, principalID); err != nil {
		return err
	}

	s.logger.Info(ctx, "principal removed", "principal_id", principalID)
	return nil
}
