package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection is an established relationship with a remote identity. The
// shared secret is kept encrypted under the host master key.
type Connection struct {
	Identity               string
	SharedSecretCiphertext []byte
	SharedSecretNonce      []byte
	Status                 string
	CreatedAt              time.Time
}

// ConnectionGrant is what a connection may do on one drive.
type ConnectionGrant struct {
	Identity      string
	DriveID       uuid.UUID
	CanRead       bool
	CanWrite      bool
	HasStorageKey bool
}
