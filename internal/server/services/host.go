package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/keys"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/connections"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
)

// DriveGrant is what a connection may do on one drive.
type DriveGrant struct {
	DriveID       uuid.UUID `json:"drive_id"`
	CanRead       bool      `json:"can_read"`
	CanWrite      bool      `json:"can_write"`
	HasStorageKey bool      `json:"has_storage_key"`
}

// HostService sets up drives and connections on this host.
type HostService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *keys.Gateway
	logger      logging.Logger
	now         func() time.Time
}

func NewHostService(db *sql.DB, m repomanager.RepositoryManager, kg *keys.Gateway, logger logging.Logger) *HostService {
	return &HostService{db: db, repomanager: m, keys: kg, logger: logger, now: utcNow}
}

// CreateDrive makes a drive with a fresh storage key.
func (s *HostService) CreateDrive(ctx context.Context, target transit.TargetDrive, name string) (*models.Drive, error) {
	if target.IsZero() {
		return nil, fmt.Errorf("%w: drive alias and type are required", common.ErrorBadRequest)
	}
	ct, nonce, err := s.keys.SealNewStorageKey()
	if err != nil {
		return nil, err
	}
	d := &models.Drive{
		Alias:                target.Alias,
		Type:                 target.Type,
		Name:                 name,
		StorageKeyCiphertext: ct,
		StorageKeyNonce:      nonce,
		CreatedAt:            s.now(),
	}
	if err := s.repomanager.Drives(s.db).Create(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "drive created", "drive", d.ID, "name", name)
	return d, nil
}

func (s *HostService) ListDrives(ctx context.Context) ([]*models.Drive, error) {
	return s.repomanager.Drives(s.db).List(ctx)
}

// DeleteDrive retires a drive. Its address stops resolving, so peers are
// refused and inbox items still parked for it are discarded.
func (s *HostService) DeleteDrive(ctx context.Context, id uuid.UUID) error {
	if err := s.repomanager.Drives(s.db).MarkDeleted(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "drive deleted", "drive", id)
	return nil
}

// UpsertConnection records a connection with its shared secret and drive
// grants. A blocked connection keeps its grants but resolves to none.
func (s *HostService) UpsertConnection(ctx context.Context, identity string, sharedSecret []byte, blocked bool, grants []DriveGrant) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", common.ErrorBadRequest)
	}
	ct, nonce, err := s.keys.SealSharedSecret(sharedSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrorBadRequest, err)
	}
	status := connections.StatusConnected
	if blocked {
		status = connections.StatusBlocked
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Connections(tx)
		c := &models.Connection{
			Identity:               identity,
			SharedSecretCiphertext: ct,
			SharedSecretNonce:      nonce,
			Status:                 status,
			CreatedAt:              s.now(),
		}
		if err := repo.Upsert(ctx, c); err != nil {
			return err
		}
		for _, g := range grants {
			cg := &models.ConnectionGrant{
				Identity:      identity,
				DriveID:       g.DriveID,
				CanRead:       g.CanRead,
				CanWrite:      g.CanWrite,
				HasStorageKey: g.HasStorageKey,
			}
			if err := repo.UpsertGrant(ctx, cg); err != nil {
				return err
			}
		}
		s.logger.Info(ctx, "connection saved", "identity", identity, "status", status, "grants", len(grants))
		return nil
	})
}
