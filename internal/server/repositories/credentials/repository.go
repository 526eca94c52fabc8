package credentials

import (
	"context"

	"github.com/teamvault/teamvault/internal/server/models"
)

// Repository persists credential rows. Every row carries exactly one
// serialized ACL ledger in its acl column; the ledger is created with the
// row and destroyed with it, so a credential can never exist without one.
type Repository interface {
	Create(ctx context.Context, credential *models.Credential) (*models.Credential, error)
	Get(ctx context.Context, id string) (*models.Credential, error)
	Update(ctx context.Context, credential *models.Credential) error
	// UpdateACL replaces the stored ledger blob and refreshes updated_at.
	UpdateACL(ctx context.Context, id string, acl []byte) error
	// ReplaceTeams rewrites the credential's team-assignment set.
	ReplaceTeams(ctx context.Context, id string, teamIDs []string) error
	TeamIDs(ctx context.Context, id string) ([]string, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Credential, error)
	// ListIDs returns every credential id; the reconciler walks this set.
	ListIDs(ctx context.Context) ([]string, error)
	// ListVisible returns credentials the actor owns, holds an ACL entry
	// on, or (when teamID is non-empty) that are assigned to the team.
	ListVisible(ctx context.Context, actorID string, teamID string) ([]*models.Credential, error)
	// ListIDsByGrantee returns ids of credentials whose ledger holds an
	// entry for the grantee.
	ListIDsByGrantee(ctx context.Context, granteeID string) ([]string, error)
}
