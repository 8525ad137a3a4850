package grpc

import (
	"time"

	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/services"
	"github.com/dmitrijs2005/peertransit/internal/timex"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
)

type Empty struct{}

type DeliverRequest struct {
	Package *transit.PeerPackage `json:"package"`
}

type DeliverResponse struct {
	Outcome transit.Outcome `json:"outcome"`
}

type UploadRequest struct {
	Instructions     transit.TransferInstructions `json:"instructions"`
	Kind             transit.FileSystemKind       `json:"kind"`
	Metadata         transit.FileMetadata         `json:"metadata"`
	Payload          []byte                       `json:"payload,omitempty"`
	Priority         *int                         `json:"priority,omitempty"`
	DependencyFileID *uuid.UUID                   `json:"dependency_file_id,omitempty"`
}

type UploadResponse struct {
	File            transit.FileIdentifier            `json:"file"`
	GlobalTransitID *uuid.UUID                        `json:"global_transit_id,omitempty"`
	VersionTag      int64                             `json:"version_tag"`
	Recipients      map[string]transit.TransferStatus `json:"recipients"`
}

type FileRequest struct {
	File transit.FileIdentifier `json:"file"`
}

type TransferHistoryResponse struct {
	Records []transit.RecipientTransferRecord `json:"records"`
}

type WaitForEmptyOutboxRequest struct {
	DriveID uuid.UUID      `json:"drive_id"`
	Timeout timex.Duration `json:"timeout"`
}

type DriveFilter struct {
	DriveID *uuid.UUID `json:"drive_id,omitempty"`
}

type ItemRequest struct {
	ID uuid.UUID `json:"id"`
}

type SetPriorityRequest struct {
	ID       uuid.UUID `json:"id"`
	Priority int       `json:"priority"`
}

type OutboxItem struct {
	ID           uuid.UUID  `json:"id"`
	DriveID      uuid.UUID  `json:"drive_id"`
	FileID       uuid.UUID  `json:"file_id"`
	Recipient    string     `json:"recipient"`
	Instruction  string     `json:"instruction"`
	Priority     int        `json:"priority"`
	AddedAt      time.Time  `json:"added_at"`
	NextRunAt    time.Time  `json:"next_run_at"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	Leased       bool       `json:"leased"`
	DependsOn    *uuid.UUID `json:"depends_on,omitempty"`
}

type OutboxListResponse struct {
	Items []OutboxItem `json:"items"`
}

type ProcessOutboxResponse struct {
	Processed int `json:"processed"`
}

type InboxItem struct {
	ID              uuid.UUID `json:"id"`
	Seq             int64     `json:"seq"`
	Sender          string    `json:"sender"`
	Instruction     string    `json:"instruction"`
	DriveID         uuid.UUID `json:"drive_id"`
	GlobalTransitID uuid.UUID `json:"global_transit_id"`
	ReceivedAt      time.Time `json:"received_at"`
	Leased          bool      `json:"leased"`
}

type InboxListResponse struct {
	Items []InboxItem `json:"items"`
}

type CreateDriveRequest struct {
	Target transit.TargetDrive `json:"target"`
	Name   string              `json:"name"`
}

type Drive struct {
	ID        uuid.UUID           `json:"id"`
	Target    transit.TargetDrive `json:"target"`
	Name      string              `json:"name"`
	CreatedAt time.Time           `json:"created_at"`
}

type ListDrivesResponse struct {
	Drives []Drive `json:"drives"`
}

type UpsertConnectionRequest struct {
	Identity     string                `json:"identity"`
	SharedSecret []byte                `json:"shared_secret"`
	Blocked      bool                  `json:"blocked"`
	Grants       []services.DriveGrant `json:"grants"`
}

func toOutboxItem(it *models.OutboxItem) OutboxItem {
	return OutboxItem{
		ID:           it.ID,
		DriveID:      it.DriveID,
		FileID:       it.FileID,
		Recipient:    it.Recipient,
		Instruction:  it.Instruction,
		Priority:     it.Priority,
		AddedAt:      it.AddedAt,
		NextRunAt:    it.NextRunAt,
		AttemptCount: it.AttemptCount,
		LastError:    it.LastError,
		Leased:       it.LeaseID != nil,
		DependsOn:    it.DependencyFileID,
	}
}

func toInboxItem(it *models.InboxItem) InboxItem {
	return InboxItem{
		ID:              it.ID,
		Seq:             it.Seq,
		Sender:          it.Sender,
		Instruction:     it.Instruction,
		DriveID:         it.DriveID,
		GlobalTransitID: it.GlobalTransitID,
		ReceivedAt:      it.ReceivedAt,
		Leased:          it.LeaseID != nil,
	}
}

func toDrive(d *models.Drive) Drive {
	return Drive{
		ID:        d.ID,
		Target:    transit.TargetDrive{Alias: d.Alias, Type: d.Type},
		Name:      d.Name,
		CreatedAt: d.CreatedAt,
	}
}

type InboxResultResponse struct {
	Applied   int `json:"applied"`
	Discarded int `json:"discarded"`
	Pending   int `json:"pending"`
}
