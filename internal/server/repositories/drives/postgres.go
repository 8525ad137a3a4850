// Package drives stores the host's drives. Deleted drives are kept as
// tombstones and are invisible to lookups.
package drives

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

const columns = `id, alias, type, name, storage_key_ciphertext, storage_key_nonce, created_at, deleted_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDrive(s scanner) (*models.Drive, error) {
	var (
		d       models.Drive
		deleted sql.NullTime
	)
	if err := s.Scan(&d.ID, &d.Alias, &d.Type, &d.Name, &d.StorageKeyCiphertext, &d.StorageKeyNonce, &d.CreatedAt, &deleted); err != nil {
		return nil, err
	}
	if deleted.Valid {
		d.DeletedAt = &deleted.Time
	}
	return &d, nil
}

func (r *PostgresRepository) Create(ctx context.Context, d *models.Drive) error {
	query := `INSERT INTO drives (id, alias, type, name, storage_key_ciphertext, storage_key_nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if _, err := r.db.ExecContext(ctx, query, d.ID, d.Alias, d.Type, d.Name, d.StorageKeyCiphertext, d.StorageKeyNonce, d.CreatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*models.Drive, error) {
	d, err := scanDrive(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrDriveNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

// Get returns a live drive or common.ErrDriveNotFound.
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.Drive, error) {
	return r.one(ctx, `SELECT `+columns+` FROM drives WHERE id = $1 AND deleted_at IS NULL`, id)
}

// GetByTarget resolves a cross-host drive address to the live local drive.
func (r *PostgresRepository) GetByTarget(ctx context.Context, alias, driveType uuid.UUID) (*models.Drive, error) {
	return r.one(ctx, `SELECT `+columns+` FROM drives WHERE alias = $1 AND type = $2 AND deleted_at IS NULL`, alias, driveType)
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Drive, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM drives WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to select drives: %w", err)
	}
	defer rows.Close()

	var result []*models.Drive
	for rows.Next() {
		d, err := scanDrive(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE drives SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrDriveNotFound
	}
	return nil
}
