// Package ledger stores the latest delivery status per (file, recipient).
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert overwrites the record for the pair. The read receipt, once set,
// survives later attempts.
func (r *PostgresRepository) Upsert(ctx context.Context, rec *models.TransferRecord) error {
	query := `
		INSERT INTO transfer_history (drive_id, file_id, recipient, latest_status, attempted_at, still_queued)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (drive_id, file_id, recipient)
		DO UPDATE SET
			latest_status = EXCLUDED.latest_status,
			attempted_at = EXCLUDED.attempted_at,
			still_queued = EXCLUDED.still_queued
	`
	_, err := r.db.ExecContext(ctx, query, rec.DriveID, rec.FileID, rec.Recipient, rec.LatestStatus, rec.AttemptedAt, rec.StillQueued)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, driveID, fileID uuid.UUID, recipient string) (*models.TransferRecord, error) {
	query := `
		SELECT drive_id, file_id, recipient, latest_status, attempted_at, still_queued, read_at
		FROM transfer_history WHERE drive_id = $1 AND file_id = $2 AND recipient = $3
	`
	rec := &models.TransferRecord{}
	var readAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, driveID, fileID, recipient).Scan(
		&rec.DriveID, &rec.FileID, &rec.Recipient, &rec.LatestStatus, &rec.AttemptedAt, &rec.StillQueued, &readAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if readAt.Valid {
		rec.ReadAt = &readAt.Time
	}
	return rec, nil
}

func (r *PostgresRepository) ListByFile(ctx context.Context, driveID, fileID uuid.UUID) ([]*models.TransferRecord, error) {
	query := `
		SELECT drive_id, file_id, recipient, latest_status, attempted_at, still_queued, read_at
		FROM transfer_history WHERE drive_id = $1 AND file_id = $2 ORDER BY recipient
	`
	rows, err := r.db.QueryContext(ctx, query, driveID, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to select transfer history: %w", err)
	}
	defer rows.Close()

	var result []*models.TransferRecord
	for rows.Next() {
		rec := &models.TransferRecord{}
		var readAt sql.NullTime
		if err := rows.Scan(&rec.DriveID, &rec.FileID, &rec.Recipient, &rec.LatestStatus, &rec.AttemptedAt,
			&rec.StillQueued, &readAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			rec.ReadAt = &readAt.Time
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkRead records a read receipt from recipient. There must be a record
// for the pair.
func (r *PostgresRepository) MarkRead(ctx context.Context, driveID, fileID uuid.UUID, recipient string, at time.Time) error {
	query := `UPDATE transfer_history SET read_at = $4 WHERE drive_id = $1 AND file_id = $2 AND recipient = $3`
	res, err := r.db.ExecContext(ctx, query, driveID, fileID, recipient, at)
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
