package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/cryptox"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/keys"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/payloads"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
)

// Waker is poked after new outbox items are committed.
type Waker interface {
	Wake()
}

type UploadRequest struct {
	Instructions transit.TransferInstructions
	Kind         transit.FileSystemKind
	Metadata     transit.FileMetadata
	// Payload is the plaintext. Nil on an overwrite keeps the stored
	// payload.
	Payload          []byte
	Priority         *int
	DependencyFileID *uuid.UUID
}

type UploadResult struct {
	File            transit.FileIdentifier
	GlobalTransitID *uuid.UUID
	VersionTag      int64
	Recipients      map[string]transit.TransferStatus
}

// UploadService writes the owner's files and fans them out to recipients
// through the outbox.
type UploadService struct {
	identity    string
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *keys.Gateway
	payloads    payloads.Store
	ledger      *Ledger
	waker       Waker
	logger      logging.Logger
	now         func() time.Time
}

func NewUploadService(identity string, db *sql.DB, m repomanager.RepositoryManager, kg *keys.Gateway,
	ps payloads.Store, ledger *Ledger, waker Waker, logger logging.Logger) *UploadService {
	return &UploadService{
		identity:    identity,
		db:          db,
		repomanager: m,
		keys:        kg,
		payloads:    ps,
		ledger:      ledger,
		waker:       waker,
		logger:      logger.With("component", "upload"),
		now:         utcNow,
	}
}

// Upload stores the file locally and enqueues one outbox item per
// recipient. Every recipient's ledger record is enqueued on return.
func (s *UploadService) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	ins := &req.Instructions
	if err := ins.Validate(); err != nil {
		return nil, err
	}
	if err := req.Metadata.Validate(req.Kind); err != nil {
		return nil, err
	}
	for _, r := range ins.Distribution.Recipients {
		if r == s.identity {
			return nil, fmt.Errorf("%w: cannot send to self", common.ErrorBadRequest)
		}
	}

	drive, err := s.repomanager.Drives(s.db).GetByTarget(ctx, ins.Storage.Drive.Alias, ins.Storage.Drive.Type)
	if err != nil {
		return nil, err
	}
	dk, err := s.keys.OwnerDriveKey(ctx, drive.ID)
	if err != nil {
		return nil, err
	}
	defer dk.Close()

	var existing *models.DriveFile
	if ins.Storage.OverwriteFileID != nil {
		existing, err = s.repomanager.DriveFiles(s.db).Get(ctx, drive.ID, *ins.Storage.OverwriteFileID)
		if err != nil {
			return nil, err
		}
		if existing.Kind != string(req.Kind) {
			return nil, fmt.Errorf("%w: cannot change file kind", common.ErrorBadRequest)
		}
		if req.Payload == nil && existing.IsEncrypted != req.Metadata.IsEncrypted {
			return nil, fmt.Errorf("%w: changing encryption needs a new payload", common.ErrorBadRequest)
		}
	}

	env, err := s.envelope(req, existing, dk)
	if err != nil {
		return nil, err
	}
	defer env.Close()

	ref, err := s.storePayload(ctx, req, existing, env)
	if err != nil {
		return nil, err
	}

	now := s.now()
	df := &models.DriveFile{
		DriveID:     drive.ID,
		FileID:      uuid.New(),
		Kind:        string(req.Kind),
		IsEncrypted: req.Metadata.IsEncrypted,
		PayloadKey:  ref.Key,
		PayloadHash: ref.Hash,
		VersionTag:  1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		df.FileID = existing.FileID
		df.GlobalTransitID = existing.GlobalTransitID
		df.VersionTag = existing.VersionTag + 1
		df.CreatedAt = existing.CreatedAt
	}
	if req.Metadata.IsEncrypted {
		owner, err := dk.Wrap(env)
		if err != nil {
			return nil, err
		}
		if df.WrappedKey, err = keys.Encode(owner); err != nil {
			return nil, err
		}
	}
	if rf := req.Metadata.ReferencedFile; rf != nil {
		id := rf.GlobalTransitID
		df.ReferencedGlobalTransitID = &id
	}

	meta := req.Metadata
	meta.VersionTag = df.VersionTag
	meta.GlobalTransitID = nil
	meta.SenderIdentity = ""
	meta.Created, meta.Updated = df.CreatedAt, now
	if df.Metadata, err = json.Marshal(meta); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	// envelopes are bound to the transit id, so pick it before wrapping
	gtid := uuid.New()
	if ins.Distribution.UseGlobalTransitID && existing != nil && existing.GlobalTransitID != nil {
		gtid = *existing.GlobalTransitID
	}
	envelopes, err := s.recipientEnvelopes(ctx, req, env, gtid)
	if err != nil {
		return nil, err
	}

	file := transit.FileIdentifier{DriveID: df.DriveID, FileID: df.FileID}
	result := &UploadResult{File: file, VersionTag: df.VersionTag, Recipients: map[string]transit.TransferStatus{}}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		files := s.repomanager.DriveFiles(tx)
		write := files.Insert
		if existing != nil {
			write = files.Update
		}
		if err := write(ctx, df); err != nil {
			return err
		}
		if len(ins.Distribution.Recipients) == 0 {
			return nil
		}

		if ins.Distribution.UseGlobalTransitID {
			assigned, err := files.AssignGlobalTransitID(ctx, df.DriveID, df.FileID, gtid)
			if err != nil {
				return err
			}
			if assigned != gtid {
				// a concurrent upload assigned the id first
				if envelopes, err = s.recipientEnvelopes(ctx, req, env, assigned); err != nil {
					return err
				}
				gtid = assigned
			}
			result.GlobalTransitID = &gtid
		}
		return s.enqueue(ctx, tx, req, existing, file, gtid, envelopes, result)
	})
	if err != nil {
		return nil, err
	}

	if len(result.Recipients) > 0 {
		s.waker.Wake()
	}
	s.logger.Info(ctx, "file uploaded", "file", file.String(), "version", df.VersionTag, "recipients", len(result.Recipients))
	return result, nil
}

// envelope returns the key envelope for the new version. A metadata-only
// overwrite keeps the stored one so the payload stays readable.
func (s *UploadService) envelope(req *UploadRequest, existing *models.DriveFile, dk *keys.DriveKey) (*cryptox.KeyEnvelope, error) {
	if !req.Metadata.IsEncrypted {
		return nil, nil
	}
	if existing == nil || req.Payload != nil {
		return cryptox.NewKeyEnvelope(), nil
	}
	w, err := keys.Decode(existing.WrappedKey)
	if err != nil {
		return nil, err
	}
	return dk.Unwrap(w)
}

func (s *UploadService) storePayload(ctx context.Context, req *UploadRequest, existing *models.DriveFile, env *cryptox.KeyEnvelope) (payloads.Ref, error) {
	if req.Payload == nil {
		if existing != nil {
			return payloads.Ref{Key: existing.PayloadKey, Hash: existing.PayloadHash}, nil
		}
		return payloads.Ref{}, nil
	}
	data := req.Payload
	if req.Metadata.IsEncrypted {
		var err error
		if data, err = cryptox.SealPayload(env, req.Payload); err != nil {
			return payloads.Ref{}, err
		}
	}
	return s.payloads.Put(ctx, data)
}

// recipientEnvelopes wraps env for every recipient before anything is
// written, so an unconnected recipient rejects the whole upload.
func (s *UploadService) recipientEnvelopes(ctx context.Context, req *UploadRequest, env *cryptox.KeyEnvelope, gtid uuid.UUID) (map[string][]byte, error) {
	out := make(map[string][]byte, len(req.Instructions.Distribution.Recipients))
	if env == nil {
		return out, nil
	}
	for _, r := range req.Instructions.Distribution.Recipients {
		w, err := s.keys.WrapForRecipient(ctx, env, r, gtid, req.Instructions.TransferIV)
		if err != nil {
			if errors.Is(err, common.ErrUnknownIdentity) {
				return nil, fmt.Errorf("%w: %v", common.ErrorBadRequest, err)
			}
			return nil, err
		}
		if out[r], err = keys.Encode(w); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *UploadService) enqueue(ctx context.Context, tx dbx.DBTX, req *UploadRequest, existing *models.DriveFile,
	file transit.FileIdentifier, gtid uuid.UUID, envelopes map[string][]byte, result *UploadResult) error {
	ins := &req.Instructions
	remote := ins.RemoteDrive()
	ledger := s.ledger.With(tx)
	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	now := s.now()

	for _, r := range ins.Distribution.Recipients {
		if err := ledger.Set(ctx, file, r, transit.StatusCreated, false); err != nil {
			return err
		}

		item := &models.OutboxItem{
			DriveID:          file.DriveID,
			FileID:           file.FileID,
			Recipient:        r,
			Instruction:      string(transit.InstructionSaveFile),
			Kind:             string(req.Kind),
			GlobalTransitID:  gtid,
			RemoteDriveAlias: remote.Alias,
			RemoteDriveType:  remote.Type,
			WrappedKey:       envelopes[r],
			TransferIV:       ins.TransferIV,
			Priority:         priority,
			AddedAt:          now,
			NextRunAt:        now,
			DependencyFileID: req.DependencyFileID,
		}
		if existing != nil && req.Payload == nil && ins.Distribution.UseGlobalTransitID && existing.PayloadKey != "" {
			held, err := s.recipientHolds(ctx, ledger, file, r)
			if err != nil {
				return err
			}
			item.PayloadRef = held
		}
		if err := s.repomanager.Outbox(tx).Upsert(ctx, item); err != nil {
			return err
		}

		if err := ledger.Set(ctx, file, r, transit.StatusEnqueued, true); err != nil {
			return err
		}
		result.Recipients[r] = transit.StatusEnqueued
	}
	return nil
}

// recipientHolds reports whether r has the current payload applied, which
// lets a metadata-only overwrite send a reference instead of the bytes.
func (s *UploadService) recipientHolds(ctx context.Context, ledger *Ledger, file transit.FileIdentifier, r string) (bool, error) {
	rec, err := ledger.Get(ctx, file, r)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.LatestStatus == transit.StatusDelivered, nil
}

// DeleteFile removes a local file and tells every recipient that holds or
// is about to receive it to delete their copy.
func (s *UploadService) DeleteFile(ctx context.Context, file transit.FileIdentifier) error {
	f, err := s.repomanager.DriveFiles(s.db).Get(ctx, file.DriveID, file.FileID)
	if err != nil {
		return err
	}
	drive, err := s.repomanager.Drives(s.db).Get(ctx, file.DriveID)
	if err != nil {
		return err
	}
	records, err := s.ledger.GetAll(ctx, file)
	if err != nil {
		return err
	}

	notified := 0
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.DriveFiles(tx).Delete(ctx, file.DriveID, file.FileID); err != nil {
			return err
		}
		if f.GlobalTransitID == nil {
			return nil
		}
		now := s.now()
		for _, rec := range records {
			reached := rec.LatestStatus == transit.StatusDelivered || rec.LatestStatus == transit.StatusEnqueued
			if !reached && !rec.StillQueued {
				continue
			}
			item := &models.OutboxItem{
				DriveID:          file.DriveID,
				FileID:           file.FileID,
				Recipient:        rec.Recipient,
				Instruction:      string(transit.InstructionDeleteLinkedFile),
				Kind:             f.Kind,
				GlobalTransitID:  *f.GlobalTransitID,
				RemoteDriveAlias: drive.Alias,
				RemoteDriveType:  drive.Type,
				Priority:         DefaultPriority,
				AddedAt:          now,
				NextRunAt:        now,
			}
			if err := s.repomanager.Outbox(tx).Upsert(ctx, item); err != nil {
				return err
			}
			notified++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if notified > 0 {
		s.waker.Wake()
	}
	s.logger.Info(ctx, "file deleted", "file", file.String(), "notified", notified)
	return nil
}

// SendReadReceipt tells the original sender of a received file that the
// owner has read it.
func (s *UploadService) SendReadReceipt(ctx context.Context, file transit.FileIdentifier) error {
	f, err := s.repomanager.DriveFiles(s.db).Get(ctx, file.DriveID, file.FileID)
	if err != nil {
		return err
	}
	if f.SenderIdentity == "" || f.GlobalTransitID == nil {
		return fmt.Errorf("%w: file was not received from a peer", common.ErrorBadRequest)
	}
	drive, err := s.repomanager.Drives(s.db).Get(ctx, file.DriveID)
	if err != nil {
		return err
	}

	now := s.now()
	item := &models.OutboxItem{
		DriveID:          file.DriveID,
		FileID:           file.FileID,
		Recipient:        f.SenderIdentity,
		Instruction:      string(transit.InstructionReadReceipt),
		Kind:             f.Kind,
		GlobalTransitID:  *f.GlobalTransitID,
		RemoteDriveAlias: drive.Alias,
		RemoteDriveType:  drive.Type,
		Priority:         DefaultPriority,
		AddedAt:          now,
		NextRunAt:        now,
	}
	if err := s.repomanager.Outbox(s.db).Upsert(ctx, item); err != nil {
		return err
	}
	s.waker.Wake()
	return nil
}
