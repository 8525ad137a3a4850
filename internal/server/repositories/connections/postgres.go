// Package connections stores established peer connections and what each may
// do on the host's drives.
package connections

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

// Connection statuses.
const (
	StatusConnected = "connected"
	StatusBlocked   = "blocked"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Upsert(ctx context.Context, c *models.Connection) error {
	query := `
		INSERT INTO connections (identity, shared_secret_ciphertext, shared_secret_nonce, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity) DO UPDATE SET
			shared_secret_ciphertext = EXCLUDED.shared_secret_ciphertext,
			shared_secret_nonce = EXCLUDED.shared_secret_nonce,
			status = EXCLUDED.status
	`
	if _, err := r.db.ExecContext(ctx, query, c.Identity, c.SharedSecretCiphertext, c.SharedSecretNonce, c.Status, c.CreatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get returns the connection with identity or common.ErrUnknownIdentity.
func (r *PostgresRepository) Get(ctx context.Context, identity string) (*models.Connection, error) {
	query := `SELECT identity, shared_secret_ciphertext, shared_secret_nonce, status, created_at
		FROM connections WHERE identity = $1`
	c := &models.Connection{}
	err := r.db.QueryRowContext(ctx, query, identity).Scan(&c.Identity, &c.SharedSecretCiphertext, &c.SharedSecretNonce, &c.Status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrUnknownIdentity
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) UpsertGrant(ctx context.Context, g *models.ConnectionGrant) error {
	query := `
		INSERT INTO connection_grants (identity, drive_id, can_read, can_write, has_storage_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity, drive_id) DO UPDATE SET
			can_read = EXCLUDED.can_read,
			can_write = EXCLUDED.can_write,
			has_storage_key = EXCLUDED.has_storage_key
	`
	if _, err := r.db.ExecContext(ctx, query, g.Identity, g.DriveID, g.CanRead, g.CanWrite, g.HasStorageKey); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Grant returns what a connected identity may do on a drive. Blocked
// connections have no grants.
func (r *PostgresRepository) Grant(ctx context.Context, identity string, driveID uuid.UUID) (*models.ConnectionGrant, error) {
	query := `
		SELECT g.identity, g.drive_id, g.can_read, g.can_write, g.has_storage_key
		FROM connection_grants g JOIN connections c ON c.identity = g.identity
		WHERE g.identity = $1 AND g.drive_id = $2 AND c.status = $3
	`
	g := &models.ConnectionGrant{}
	err := r.db.QueryRowContext(ctx, query, identity, driveID, StatusConnected).Scan(&g.Identity, &g.DriveID, &g.CanRead, &g.CanWrite, &g.HasStorageKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return g, nil
}
