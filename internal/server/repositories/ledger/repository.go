package ledger

import (
	"context"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
)

type Repository interface {
	Upsert(ctx context.Context, rec *models.TransferRecord) error
	Get(ctx context.Context, driveID, fileID uuid.UUID, recipient string) (*models.TransferRecord, error)
	ListByFile(ctx context.Context, driveID, fileID uuid.UUID) ([]*models.TransferRecord, error)
	MarkRead(ctx context.Context, driveID, fileID uuid.UUID, recipient string, at time.Time) error
}
