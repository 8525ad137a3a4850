package models

import (
	"time"

	"github.com/google/uuid"
)

// InboxItem is a received package waiting to be applied under the owner's
// authority.
type InboxItem struct {
	ID              uuid.UUID
	Seq             int64
	Sender          string
	Instruction     string
	DriveID         uuid.UUID
	GlobalTransitID uuid.UUID
	Kind            string
	WrappedKey      []byte
	TransferIV      []byte
	// Metadata is the raw JSON header as received.
	Metadata []byte
	// PayloadKey is the object-storage key of the payload bytes, if any.
	PayloadKey  string
	PayloadHash []byte
	ReceivedAt  time.Time

	LeaseID        *uuid.UUID
	LeaseExpiresAt *time.Time
}
