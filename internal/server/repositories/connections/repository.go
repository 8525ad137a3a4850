package connections

import (
	"context"

	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
)

type Repository interface {
	Upsert(ctx context.Context, c *models.Connection) error
	Get(ctx context.Context, identity string) (*models.Connection, error)
	UpsertGrant(ctx context.Context, g *models.ConnectionGrant) error
	Grant(ctx context.Context, identity string, driveID uuid.UUID) (*models.ConnectionGrant, error)
}
