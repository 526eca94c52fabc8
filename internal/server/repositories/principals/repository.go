package principals

import (
	"context"

	"github.com/teamvault/teamvault/internal/server/models"
)

// Repository provides identity-directory access to principal records.
// Reads are side-effect-free; the only mutations this core performs on
// principals are role promotion and the guarded delete (a principal still
// holding ACL entries must be stripped first by the caller).
type Repository interface {
	Create(ctx context.Context, principal *models.Principal) (*models.Principal, error)
	Get(ctx context.Context, id string) (*models.Principal, error)
	GetByEmail(ctx context.Context, email string) (*models.Principal, error)
	ListByRole(ctx context.Context, role models.Role) ([]*models.Principal, error)
	ListByTeam(ctx context.Context, teamID string, roles []models.Role) ([]*models.Principal, error)
	UpdateRole(ctx context.Context, id string, role models.Role) error
	Delete(ctx context.Context, id string) error
}
