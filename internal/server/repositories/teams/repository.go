package teams

import (
	"context"

	"github.com/teamvault/teamvault/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, team *models.Team) (*models.Team, error)
	Get(ctx context.Context, id string) (*models.Team, error)
	GetByName(ctx context.Context, name string) (*models.Team, error)
	List(ctx context.Context) ([]*models.Team, error)
}
