package models

import (
	"time"

	"github.com/google/uuid"
)

// Drive is a local storage container. Its storage key is kept encrypted
// under the host master key.
type Drive struct {
	ID                   uuid.UUID
	Alias                uuid.UUID
	Type                 uuid.UUID
	Name                 string
	StorageKeyCiphertext []byte
	StorageKeyNonce      []byte
	CreatedAt            time.Time
	DeletedAt            *time.Time
}

// DriveFile is the local header of one stored file.
type DriveFile struct {
	DriveID         uuid.UUID
	FileID          uuid.UUID
	GlobalTransitID *uuid.UUID
	Kind            string
	// Metadata is the JSON-encoded transit.FileMetadata.
	Metadata    []byte
	IsEncrypted bool
	// WrappedKey is the JSON-encoded owner envelope; nil for plain files.
	WrappedKey     []byte
	PayloadKey     string
	PayloadHash    []byte
	VersionTag     int64
	SenderIdentity string
	// ReferencedGlobalTransitID is set on comments.
	ReferencedGlobalTransitID *uuid.UUID
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// FeedDistribution asks the feed fan-out to announce a file to local
// followers.
type FeedDistribution struct {
	ID              uuid.UUID
	DriveID         uuid.UUID
	FileID          uuid.UUID
	GlobalTransitID *uuid.UUID
	EnqueuedAt      time.Time
}
