// Package inbox persists received packages that wait for the owner to apply
// them. Items from one sender are consumed strictly in arrival order.
package inbox

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

const columns = `id, seq, sender, instruction, drive_id, global_transit_id, kind, wrapped_key, transfer_iv,
	metadata, payload_key, payload_hash, received_at, lease_id, lease_expires_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*models.InboxItem, error) {
	var (
		item    models.InboxItem
		leaseID uuid.NullUUID
		leaseTo sql.NullTime
	)
	err := s.Scan(&item.ID, &item.Seq, &item.Sender, &item.Instruction, &item.DriveID, &item.GlobalTransitID,
		&item.Kind, &item.WrappedKey, &item.TransferIV, &item.Metadata, &item.PayloadKey, &item.PayloadHash,
		&item.ReceivedAt, &leaseID, &leaseTo)
	if err != nil {
		return nil, err
	}
	if leaseID.Valid {
		item.LeaseID = &leaseID.UUID
	}
	if leaseTo.Valid {
		item.LeaseExpiresAt = &leaseTo.Time
	}
	return &item, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// Enqueue stores a received item and fills in its sequence number.
func (r *PostgresRepository) Enqueue(ctx context.Context, item *models.InboxItem) error {
	query := `
		INSERT INTO inbox (id, sender, instruction, drive_id, global_transit_id, kind, wrapped_key, transfer_iv,
			metadata, payload_key, payload_hash, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq
	`
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Metadata == nil {
		// the column is NOT NULL; deletes and receipts carry no header
		item.Metadata = []byte("{}")
	}
	err := r.db.QueryRowContext(ctx, query, item.ID, item.Sender, item.Instruction, item.DriveID, item.GlobalTransitID,
		item.Kind, item.WrappedKey, item.TransferIV, item.Metadata, item.PayloadKey, item.PayloadHash, item.ReceivedAt,
	).Scan(&item.Seq)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Senders lists the senders that have items waiting, oldest head first.
func (r *PostgresRepository) Senders(ctx context.Context, driveID *uuid.UUID) ([]string, error) {
	query := `
		SELECT sender FROM inbox
		WHERE ($1::uuid IS NULL OR drive_id = $1)
		GROUP BY sender
		ORDER BY MIN(seq) ASC
	`
	rows, err := r.db.QueryContext(ctx, query, nullUUID(driveID))
	if err != nil {
		return nil, fmt.Errorf("failed to select senders: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// LeaseHead claims the oldest item of sender. If that item is leased by
// someone else the sender is busy and common.ErrorNotFound is returned;
// later items are never handed out ahead of it.
func (r *PostgresRepository) LeaseHead(ctx context.Context, sender string, driveID *uuid.UUID, now time.Time, leaseID uuid.UUID, leaseUntil time.Time) (*models.InboxItem, error) {
	query := `
		UPDATE inbox SET lease_id = $1, lease_expires_at = $2
		WHERE id = (
			SELECT id FROM inbox
			WHERE sender = $3 AND ($4::uuid IS NULL OR drive_id = $4)
			ORDER BY seq ASC
			LIMIT 1
			FOR UPDATE
		)
		AND (lease_id IS NULL OR lease_expires_at < $5)
		RETURNING ` + columns

	item, err := scanItem(r.db.QueryRowContext(ctx, query, leaseID, leaseUntil, sender, nullUUID(driveID), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return item, nil
}

// Delete removes an item the caller has leased.
func (r *PostgresRepository) Delete(ctx context.Context, id, leaseID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM inbox WHERE id = $1 AND lease_id = $2`, id, leaseID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return common.ErrLeaseLost
	}
	return nil
}

// ReleaseLease hands the item back for a later attempt.
func (r *PostgresRepository) ReleaseLease(ctx context.Context, id, leaseID uuid.UUID) error {
	query := `UPDATE inbox SET lease_id = NULL, lease_expires_at = NULL WHERE id = $1 AND lease_id = $2`
	if _, err := r.db.ExecContext(ctx, query, id, leaseID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Remove deletes an item on the operator's request.
func (r *PostgresRepository) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM inbox WHERE id = $1`, id)
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

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.InboxItem, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM inbox WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return item, nil
}

func (r *PostgresRepository) List(ctx context.Context, driveID *uuid.UUID) ([]*models.InboxItem, error) {
	query := `SELECT ` + columns + ` FROM inbox WHERE ($1::uuid IS NULL OR drive_id = $1) ORDER BY seq ASC`
	rows, err := r.db.QueryContext(ctx, query, nullUUID(driveID))
	if err != nil {
		return nil, fmt.Errorf("failed to select inbox: %w", err)
	}
	defer rows.Close()

	var result []*models.InboxItem
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
