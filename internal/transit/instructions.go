package transit

import (
	"fmt"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/google/uuid"
)

// StorageTarget says where an upload lands locally.
type StorageTarget struct {
	Drive           TargetDrive `json:"drive"`
	OverwriteFileID *uuid.UUID  `json:"overwrite_file_id,omitempty"`
}

// DistributionTarget says who receives an upload.
type DistributionTarget struct {
	Recipients         []string     `json:"recipients"`
	UseGlobalTransitID bool         `json:"use_global_transit_id"`
	RemoteTargetDrive  *TargetDrive `json:"remote_target_drive,omitempty"`
}

// TransferInstructions accompany one upload and drive its fan-out.
type TransferInstructions struct {
	TransferIV   []byte             `json:"transfer_iv"`
	Storage      StorageTarget      `json:"storage"`
	Distribution DistributionTarget `json:"distribution"`
}

// Validate rejects instructions that cannot be fanned out.
func (t *TransferInstructions) Validate() error {
	if len(t.TransferIV) != 16 {
		return fmt.Errorf("%w: transfer iv must be 16 bytes", common.ErrorBadRequest)
	}
	if t.Storage.Drive.IsZero() {
		return fmt.Errorf("%w: storage drive is required", common.ErrorBadRequest)
	}
	seen := make(map[string]struct{}, len(t.Distribution.Recipients))
	for _, r := range t.Distribution.Recipients {
		if r == "" {
			return fmt.Errorf("%w: empty recipient", common.ErrorBadRequest)
		}
		if _, dup := seen[r]; dup {
			return fmt.Errorf("%w: duplicate recipient %s", common.ErrorBadRequest, r)
		}
		seen[r] = struct{}{}
	}
	return nil
}

// RemoteDrive is the drive recipients should store into.
func (t *TransferInstructions) RemoteDrive() TargetDrive {
	if t.Distribution.RemoteTargetDrive != nil {
		return *t.Distribution.RemoteTargetDrive
	}
	return t.Storage.Drive
}
