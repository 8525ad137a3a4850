package transit

import (
	"time"

	"github.com/dmitrijs2005/peertransit/internal/cryptox"
	"github.com/google/uuid"
)

// InstructionType tells the receiving host what to do with a package.
type InstructionType string

const (
	InstructionSaveFile         InstructionType = "save_file"
	InstructionDeleteLinkedFile InstructionType = "delete_linked_file"
	InstructionReadReceipt      InstructionType = "read_receipt"
)

func (t InstructionType) Valid() bool {
	switch t {
	case InstructionSaveFile, InstructionDeleteLinkedFile, InstructionReadReceipt:
		return true
	}
	return false
}

// PayloadRef points at payload bytes the recipient already stores for the
// same global transit id. Hash is the SHA-256 of the stored bytes.
type PayloadRef struct {
	GlobalTransitID uuid.UUID `json:"global_transit_id"`
	Hash            []byte    `json:"hash"`
}

// PeerPackage is what one host sends another for a single recipient.
type PeerPackage struct {
	Instruction     InstructionType            `json:"instruction"`
	TargetDrive     TargetDrive                `json:"target_drive"`
	GlobalTransitID uuid.UUID                  `json:"global_transit_id"`
	Kind            FileSystemKind             `json:"kind"`
	TransferIV      []byte                     `json:"transfer_iv,omitempty"`
	WrappedKey      cryptox.WrappedKeyEnvelope `json:"wrapped_key"`
	Metadata        FileMetadata               `json:"metadata"`
	Payload         []byte                     `json:"payload,omitempty"`
	PayloadRef      *PayloadRef                `json:"payload_ref,omitempty"`
}

// File returns the package's cross-host file address.
func (p *PeerPackage) File() GlobalTransitIDFileIdentifier {
	return GlobalTransitIDFileIdentifier{TargetDrive: p.TargetDrive, GlobalTransitID: p.GlobalTransitID}
}

// Grant is what a remote identity may do on one local drive.
type Grant struct {
	CanRead             bool `json:"can_read"`
	CanWrite            bool `json:"can_write"`
	HasStorageKeyAccess bool `json:"has_storage_key_access"`
}

// RecipientTransferRecord is the ledger's current view of one recipient.
type RecipientTransferRecord struct {
	Recipient    string         `json:"recipient"`
	LatestStatus TransferStatus `json:"latest_status"`
	AttemptedAt  time.Time      `json:"attempted_at"`
	StillQueued  bool           `json:"still_queued"`
	ReadAt       *time.Time     `json:"read_at,omitempty"`
}
