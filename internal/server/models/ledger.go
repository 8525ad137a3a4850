package models

import (
	"time"

	"github.com/google/uuid"
)

// TransferRecord is the ledger row for one (file, recipient) pair.
type TransferRecord struct {
	DriveID      uuid.UUID
	FileID       uuid.UUID
	Recipient    string
	LatestStatus string
	AttemptedAt  time.Time
	StillQueued  bool
	ReadAt       *time.Time
}
