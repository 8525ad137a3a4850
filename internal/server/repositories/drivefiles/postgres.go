// Package drivefiles stores the local headers of files on drives.
package drivefiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
)

// WriteResult says what an incoming write did to the local index.
type WriteResult int

const (
	Unchanged WriteResult = iota
	Created
	Updated
)

func (w WriteResult) String() string {
	switch w {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

const columns = `drive_id, file_id, global_transit_id, kind, metadata, is_encrypted, wrapped_key, payload_key,
	payload_hash, version_tag, sender_identity, referenced_global_transit_id, created_at, updated_at`

// PostgresRepository implements drive file storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*models.DriveFile, error) {
	var (
		f    models.DriveFile
		gtid uuid.NullUUID
		ref  uuid.NullUUID
	)
	err := s.Scan(&f.DriveID, &f.FileID, &gtid, &f.Kind, &f.Metadata, &f.IsEncrypted, &f.WrappedKey, &f.PayloadKey,
		&f.PayloadHash, &f.VersionTag, &f.SenderIdentity, &ref, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if gtid.Valid {
		f.GlobalTransitID = &gtid.UUID
	}
	if ref.Valid {
		f.ReferencedGlobalTransitID = &ref.UUID
	}
	return &f, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// Insert stores a new local file.
func (r *PostgresRepository) Insert(ctx context.Context, f *models.DriveFile) error {
	query := `
		INSERT INTO drive_files (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query, f.DriveID, f.FileID, nullUUID(f.GlobalTransitID), f.Kind, f.Metadata,
		f.IsEncrypted, f.WrappedKey, f.PayloadKey, f.PayloadHash, f.VersionTag, f.SenderIdentity,
		nullUUID(f.ReferencedGlobalTransitID), f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Update overwrites a local file in place. The global transit id is never
// touched here.
func (r *PostgresRepository) Update(ctx context.Context, f *models.DriveFile) error {
	query := `
		UPDATE drive_files SET
			kind = $3, metadata = $4, is_encrypted = $5, wrapped_key = $6, payload_key = $7, payload_hash = $8,
			version_tag = $9, referenced_global_transit_id = $10, updated_at = $11
		WHERE drive_id = $1 AND file_id = $2
	`
	res, err := r.db.ExecContext(ctx, query, f.DriveID, f.FileID, f.Kind, f.Metadata, f.IsEncrypted, f.WrappedKey,
		f.PayloadKey, f.PayloadHash, f.VersionTag, nullUUID(f.ReferencedGlobalTransitID), f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return common.ErrorNotFound
	}
	return nil
}

// AssignGlobalTransitID gives the file candidate as its global transit id
// unless it already has one, and returns the id the file ends up with.
func (r *PostgresRepository) AssignGlobalTransitID(ctx context.Context, driveID, fileID, candidate uuid.UUID) (uuid.UUID, error) {
	query := `
		UPDATE drive_files SET global_transit_id = COALESCE(global_transit_id, $3)
		WHERE drive_id = $1 AND file_id = $2
		RETURNING global_transit_id
	`
	var gtid uuid.UUID
	if err := r.db.QueryRowContext(ctx, query, driveID, fileID, candidate).Scan(&gtid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, common.ErrorNotFound
		}
		return uuid.Nil, fmt.Errorf("db error: %w", err)
	}
	return gtid, nil
}

// UpsertByGlobalTransitID applies an incoming file to the drive. The copy
// is located by global transit id: a missing copy is created with
// f.FileID, a copy with an older version tag is overwritten, a copy with
// the same tag is left alone, and a copy with a newer tag makes the write
// fail with common.ErrVersionConflict. f.FileID is set to the local id.
func (r *PostgresRepository) UpsertByGlobalTransitID(ctx context.Context, f *models.DriveFile) (WriteResult, error) {
	if f.GlobalTransitID == nil {
		return Unchanged, fmt.Errorf("%w: global transit id required", common.ErrorBadRequest)
	}
	query := `
		INSERT INTO drive_files (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (drive_id, global_transit_id) WHERE global_transit_id IS NOT NULL
		DO UPDATE SET
			kind = EXCLUDED.kind,
			metadata = EXCLUDED.metadata,
			is_encrypted = EXCLUDED.is_encrypted,
			wrapped_key = EXCLUDED.wrapped_key,
			payload_key = EXCLUDED.payload_key,
			payload_hash = EXCLUDED.payload_hash,
			version_tag = EXCLUDED.version_tag,
			sender_identity = EXCLUDED.sender_identity,
			referenced_global_transit_id = EXCLUDED.referenced_global_transit_id,
			updated_at = EXCLUDED.updated_at
		WHERE drive_files.version_tag < EXCLUDED.version_tag
		RETURNING file_id, (xmax = 0) AS inserted
	`
	var (
		fileID   uuid.UUID
		inserted bool
	)
	err := r.db.QueryRowContext(ctx, query, f.DriveID, f.FileID, nullUUID(f.GlobalTransitID), f.Kind, f.Metadata,
		f.IsEncrypted, f.WrappedKey, f.PayloadKey, f.PayloadHash, f.VersionTag, f.SenderIdentity,
		nullUUID(f.ReferencedGlobalTransitID), f.CreatedAt, f.UpdatedAt,
	).Scan(&fileID, &inserted)
	switch {
	case err == nil:
		f.FileID = fileID
		if inserted {
			return Created, nil
		}
		return Updated, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Unchanged, fmt.Errorf("db error: %w", err)
	}

	// the conflict guard rejected the write; tell equal from older
	existing, err := r.GetByGlobalTransitID(ctx, f.DriveID, *f.GlobalTransitID)
	if err != nil {
		return Unchanged, err
	}
	if existing.VersionTag == f.VersionTag {
		f.FileID = existing.FileID
		return Unchanged, nil
	}
	return Unchanged, common.ErrVersionConflict
}

func (r *PostgresRepository) Get(ctx context.Context, driveID, fileID uuid.UUID) (*models.DriveFile, error) {
	query := `SELECT ` + columns + ` FROM drive_files WHERE drive_id = $1 AND file_id = $2`
	f, err := scanFile(r.db.QueryRowContext(ctx, query, driveID, fileID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) GetByGlobalTransitID(ctx context.Context, driveID, gtid uuid.UUID) (*models.DriveFile, error) {
	query := `SELECT ` + columns + ` FROM drive_files WHERE drive_id = $1 AND global_transit_id = $2`
	f, err := scanFile(r.db.QueryRowContext(ctx, query, driveID, gtid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) ExistsByGlobalTransitID(ctx context.Context, driveID, gtid uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM drive_files WHERE drive_id = $1 AND global_transit_id = $2)`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, driveID, gtid).Scan(&ok); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}

func deleted(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, driveID, fileID uuid.UUID) error {
	return deleted(r.db.ExecContext(ctx, `DELETE FROM drive_files WHERE drive_id = $1 AND file_id = $2`, driveID, fileID))
}

func (r *PostgresRepository) DeleteByGlobalTransitID(ctx context.Context, driveID, gtid uuid.UUID) error {
	return deleted(r.db.ExecContext(ctx, `DELETE FROM drive_files WHERE drive_id = $1 AND global_transit_id = $2`, driveID, gtid))
}

// EnqueueFeedDistribution records that a file should be announced to the
// owner's followers.
func (r *PostgresRepository) EnqueueFeedDistribution(ctx context.Context, fd *models.FeedDistribution) error {
	query := `INSERT INTO feed_distribution (id, drive_id, file_id, global_transit_id, enqueued_at) VALUES ($1, $2, $3, $4, $5)`
	if fd.ID == uuid.Nil {
		fd.ID = uuid.New()
	}
	if _, err := r.db.ExecContext(ctx, query, fd.ID, fd.DriveID, fd.FileID, nullUUID(fd.GlobalTransitID), fd.EnqueuedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
