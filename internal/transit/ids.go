// Package transit holds the data model shared by the sending and receiving
// sides of peer replication.
package transit

import (
	"fmt"

	"github.com/google/uuid"
)

// FileIdentifier addresses a file on this host only. It means nothing to a
// peer.
type FileIdentifier struct {
	DriveID uuid.UUID `json:"drive_id"`
	FileID  uuid.UUID `json:"file_id"`
}

func (f FileIdentifier) String() string {
	return fmt.Sprintf("%s/%s", f.DriveID, f.FileID)
}

// TargetDrive is the host-independent address of a drive. Every host maps it
// onto its own local drive id.
type TargetDrive struct {
	Alias uuid.UUID `json:"alias"`
	Type  uuid.UUID `json:"type"`
}

func (d TargetDrive) IsZero() bool {
	return d.Alias == uuid.Nil && d.Type == uuid.Nil
}

// GlobalTransitIDFileIdentifier locates the copy of one logical file on any
// host that holds it.
type GlobalTransitIDFileIdentifier struct {
	TargetDrive     TargetDrive `json:"target_drive"`
	GlobalTransitID uuid.UUID   `json:"global_transit_id"`
}

func (g GlobalTransitIDFileIdentifier) String() string {
	return fmt.Sprintf("%s:%s/%s", g.TargetDrive.Alias, g.TargetDrive.Type, g.GlobalTransitID)
}
