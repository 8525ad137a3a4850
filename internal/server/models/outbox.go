// Package models defines rows persisted by the identity host.
package models

import (
	"time"

	"github.com/google/uuid"
)

// OutboxItem is one pending delivery of one file to one recipient.
type OutboxItem struct {
	ID        uuid.UUID
	DriveID   uuid.UUID
	FileID    uuid.UUID
	Recipient string
	// Instruction is what the recipient is asked to do (transit.InstructionType).
	Instruction string
	// Kind is the transit.FileSystemKind of the file.
	Kind string
	// GlobalTransitID and the remote drive address the file on the
	// recipient. They are captured at enqueue so deletions can still be
	// sent after the local row is gone.
	GlobalTransitID  uuid.UUID
	RemoteDriveAlias uuid.UUID
	RemoteDriveType  uuid.UUID
	// PayloadRef sends a reference to the payload the recipient already
	// holds instead of the bytes.
	PayloadRef bool
	// WrappedKey is the JSON-encoded recipient envelope; nil when the file
	// is not encrypted.
	WrappedKey []byte
	TransferIV []byte
	Priority   int
	AddedAt    time.Time
	NextRunAt  time.Time

	AttemptCount int
	LastError    string

	LeaseID        *uuid.UUID
	LeaseExpiresAt *time.Time
	// Revision increases every time the item is replaced by a new enqueue.
	Revision int64

	// DependencyFileID holds the item back until no outbox item for that
	// file remains.
	DependencyFileID *uuid.UUID
}
