package drives

import (
	"context"

	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, d *models.Drive) error
	Get(ctx context.Context, id uuid.UUID) (*models.Drive, error)
	GetByTarget(ctx context.Context, alias, driveType uuid.UUID) (*models.Drive, error)
	List(ctx context.Context) ([]*models.Drive, error)
	MarkDeleted(ctx context.Context, id uuid.UUID) error
}
