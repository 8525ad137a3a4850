// Package outbox persists pending per-(file, recipient) deliveries.
package outbox

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

const columns = `id, drive_id, file_id, recipient, instruction, kind, global_transit_id, remote_drive_alias,
	remote_drive_type, payload_ref, wrapped_key, transfer_iv, priority, added_at, next_run_at, attempt_count,
	last_error, lease_id, lease_expires_at, revision, dependency_file_id`

// PostgresRepository implements the outbox over a dbx.DBTX.
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

func scanItem(s scanner) (*models.OutboxItem, error) {
	var (
		item    models.OutboxItem
		leaseID uuid.NullUUID
		leaseTo sql.NullTime
		depID   uuid.NullUUID
	)
	err := s.Scan(&item.ID, &item.DriveID, &item.FileID, &item.Recipient, &item.Instruction, &item.Kind,
		&item.GlobalTransitID, &item.RemoteDriveAlias, &item.RemoteDriveType, &item.PayloadRef, &item.WrappedKey, &item.TransferIV, &item.Priority, &item.AddedAt, &item.NextRunAt,
		&item.AttemptCount, &item.LastError, &leaseID, &leaseTo, &item.Revision, &depID)
	if err != nil {
		return nil, err
	}
	if leaseID.Valid {
		item.LeaseID = &leaseID.UUID
	}
	if leaseTo.Valid {
		item.LeaseExpiresAt = &leaseTo.Time
	}
	if depID.Valid {
		item.DependencyFileID = &depID.UUID
	}
	return &item, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// Upsert inserts the item or replaces the live item for the same
// (drive, file, recipient). A replacement keeps the existing id, bumps the
// revision and starts the attempt count over; a lease held on the old
// revision stays in place so no second worker picks the pair up while the
// first is still sending. item.ID, item.Revision and item.AddedAt are
// updated from the stored row.
func (r *PostgresRepository) Upsert(ctx context.Context, item *models.OutboxItem) error {
	query := `
		INSERT INTO outbox (id, drive_id, file_id, recipient, instruction, kind, global_transit_id,
			remote_drive_alias, remote_drive_type, payload_ref, wrapped_key, transfer_iv, priority, added_at,
			next_run_at, dependency_file_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (drive_id, file_id, recipient)
		DO UPDATE SET
			instruction = EXCLUDED.instruction,
			kind = EXCLUDED.kind,
			global_transit_id = EXCLUDED.global_transit_id,
			remote_drive_alias = EXCLUDED.remote_drive_alias,
			remote_drive_type = EXCLUDED.remote_drive_type,
			payload_ref = EXCLUDED.payload_ref,
			wrapped_key = EXCLUDED.wrapped_key,
			transfer_iv = EXCLUDED.transfer_iv,
			priority = EXCLUDED.priority,
			next_run_at = EXCLUDED.next_run_at,
			attempt_count = 0,
			last_error = '',
			revision = outbox.revision + 1,
			dependency_file_id = EXCLUDED.dependency_file_id
		RETURNING id, revision, added_at
	`
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, query,
		item.ID, item.DriveID, item.FileID, item.Recipient, item.Instruction, item.Kind, item.GlobalTransitID,
		item.RemoteDriveAlias, item.RemoteDriveType, item.PayloadRef, item.WrappedKey, item.TransferIV, item.Priority, item.AddedAt, item.NextRunAt, nullUUID(item.DependencyFileID),
	).Scan(&item.ID, &item.Revision, &item.AddedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	item.AttemptCount = 0
	item.LastError = ""
	return nil
}

// LeaseNext claims the most urgent ready item: lowest priority value first,
// then earliest next run. Items whose lease has expired are ready again.
// An item with a dependency waits until no outbox item for the dependency
// file and the same recipient remains. Returns common.ErrorNotFound when
// nothing is ready.
func (r *PostgresRepository) LeaseNext(ctx context.Context, now time.Time, leaseID uuid.UUID, leaseUntil time.Time) (*models.OutboxItem, error) {
	query := `
		UPDATE outbox SET lease_id = $1, lease_expires_at = $2
		WHERE id = (
			SELECT o.id FROM outbox o
			WHERE o.next_run_at <= $3
				AND (o.lease_id IS NULL OR o.lease_expires_at < $3)
				AND (o.dependency_file_id IS NULL OR NOT EXISTS (
					SELECT 1 FROM outbox d
					WHERE d.file_id = o.dependency_file_id AND d.recipient = o.recipient))
			ORDER BY o.priority ASC, o.next_run_at ASC, o.added_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + columns

	item, err := scanItem(r.db.QueryRowContext(ctx, query, leaseID, leaseUntil, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return item, nil
}

func exactlyOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return none
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// Complete deletes the item if the caller still holds its lease on the
// same revision. Otherwise it returns common.ErrLeaseLost and changes
// nothing.
func (r *PostgresRepository) Complete(ctx context.Context, id, leaseID uuid.UUID, revision int64) error {
	query := `DELETE FROM outbox WHERE id = $1 AND lease_id = $2 AND revision = $3`
	res, err := r.db.ExecContext(ctx, query, id, leaseID, revision)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return exactlyOne(res, common.ErrLeaseLost)
}

// Reschedule records a failed attempt and releases the lease, under the
// same lease and revision gate as Complete.
func (r *PostgresRepository) Reschedule(ctx context.Context, id, leaseID uuid.UUID, revision int64, nextRun time.Time, lastErr string) error {
	query := `
		UPDATE outbox SET attempt_count = attempt_count + 1, next_run_at = $4, last_error = $5,
			lease_id = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_id = $2 AND revision = $3
	`
	res, err := r.db.ExecContext(ctx, query, id, leaseID, revision, nextRun, lastErr)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return exactlyOne(res, common.ErrLeaseLost)
}

// ReleaseLease drops the caller's lease whatever the revision, so a
// replacement enqueued during the attempt becomes ready at once. A missing
// item or a lease held by someone else is not an error.
func (r *PostgresRepository) ReleaseLease(ctx context.Context, id, leaseID uuid.UUID) error {
	query := `UPDATE outbox SET lease_id = NULL, lease_expires_at = NULL WHERE id = $1 AND lease_id = $2`
	if _, err := r.db.ExecContext(ctx, query, id, leaseID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Remove deletes the item regardless of any lease.
func (r *PostgresRepository) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return exactlyOne(res, common.ErrorNotFound)
}

// SetPriority changes the priority of a pending item in place.
func (r *PostgresRepository) SetPriority(ctx context.Context, id uuid.UUID, priority int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE outbox SET priority = $2 WHERE id = $1`, id, priority)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return exactlyOne(res, common.ErrorNotFound)
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error) {
	query := `SELECT ` + columns + ` FROM outbox WHERE id = $1`
	item, err := scanItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return item, nil
}

// List returns pending items in processing order, optionally for one drive.
func (r *PostgresRepository) List(ctx context.Context, driveID *uuid.UUID) ([]*models.OutboxItem, error) {
	query := `SELECT ` + columns + ` FROM outbox
		WHERE ($1::uuid IS NULL OR drive_id = $1)
		ORDER BY priority ASC, next_run_at ASC, added_at ASC`
	rows, err := r.db.QueryContext(ctx, query, nullUUID(driveID))
	if err != nil {
		return nil, fmt.Errorf("failed to select outbox: %w", err)
	}
	defer rows.Close()

	var result []*models.OutboxItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) CountByDrive(ctx context.Context, driveID uuid.UUID) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE drive_id = $1`, driveID).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// Exists reports whether a live item remains for the pair.
func (r *PostgresRepository) Exists(ctx context.Context, driveID, fileID uuid.UUID, recipient string) (bool, error) {
	var ok bool
	query := `SELECT EXISTS (SELECT 1 FROM outbox WHERE drive_id = $1 AND file_id = $2 AND recipient = $3)`
	if err := r.db.QueryRowContext(ctx, query, driveID, fileID, recipient).Scan(&ok); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}
