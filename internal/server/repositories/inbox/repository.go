package inbox

import (
	"context"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
)

type Repository interface {
	Enqueue(ctx context.Context, item *models.InboxItem) error
	Senders(ctx context.Context, driveID *uuid.UUID) ([]string, error)
	LeaseHead(ctx context.Context, sender string, driveID *uuid.UUID, now time.Time, leaseID uuid.UUID, leaseUntil time.Time) (*models.InboxItem, error)
	Delete(ctx context.Context, id, leaseID uuid.UUID) error
	ReleaseLease(ctx context.Context, id, leaseID uuid.UUID) error
	Remove(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*models.InboxItem, error)
	List(ctx context.Context, driveID *uuid.UUID) ([]*models.InboxItem, error)
}
