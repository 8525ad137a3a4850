package outbox

import (
	"context"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
)

type Repository interface {
	Upsert(ctx context.Context, item *models.OutboxItem) error
	LeaseNext(ctx context.Context, now time.Time, leaseID uuid.UUID, leaseUntil time.Time) (*models.OutboxItem, error)
	Complete(ctx context.Context, id, leaseID uuid.UUID, revision int64) error
	Reschedule(ctx context.Context, id, leaseID uuid.UUID, revision int64, nextRun time.Time, lastErr string) error
	ReleaseLease(ctx context.Context, id, leaseID uuid.UUID) error
	Remove(ctx context.Context, id uuid.UUID) error
	SetPriority(ctx context.Context, id uuid.UUID, priority int) error
	Get(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error)
	List(ctx context.Context, driveID *uuid.UUID) ([]*models.OutboxItem, error)
	CountByDrive(ctx context.Context, driveID uuid.UUID) (int, error)
	Exists(ctx context.Context, driveID, fileID uuid.UUID, recipient string) (bool, error)
}
