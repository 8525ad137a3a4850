package drivefiles

import (
	"context"

	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
)

type Repository interface {
	Insert(ctx context.Context, f *models.DriveFile) error
	Update(ctx context.Context, f *models.DriveFile) error
	AssignGlobalTransitID(ctx context.Context, driveID, fileID, candidate uuid.UUID) (uuid.UUID, error)
	UpsertByGlobalTransitID(ctx context.Context, f *models.DriveFile) (WriteResult, error)
	Get(ctx context.Context, driveID, fileID uuid.UUID) (*models.DriveFile, error)
	GetByGlobalTransitID(ctx context.Context, driveID, gtid uuid.UUID) (*models.DriveFile, error)
	ExistsByGlobalTransitID(ctx context.Context, driveID, gtid uuid.UUID) (bool, error)
	Delete(ctx context.Context, driveID, fileID uuid.UUID) error
	DeleteByGlobalTransitID(ctx context.Context, driveID, gtid uuid.UUID) error
	EnqueueFeedDistribution(ctx context.Context, fd *models.FeedDistribution) error
}
