package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/keys"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/payloads"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/drivefiles"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
)

// IncomingFile is a received save instruction ready to be written to a
// local drive.
type IncomingFile struct {
	DriveID uuid.UUID
	Sender  string
	Package *transit.PeerPackage
	// Payload is set when the bytes were already stored on receipt.
	Payload payloads.Ref
}

// FileWriter applies received files to the local drive index. Both the
// direct path and the inbox use it so the two leave identical state.
type FileWriter struct {
	repomanager repomanager.RepositoryManager
	keys        *keys.Gateway
	payloads    payloads.Store
	logger      logging.Logger
	now         func() time.Time
}

func NewFileWriter(m repomanager.RepositoryManager, kg *keys.Gateway, ps payloads.Store, logger logging.Logger) *FileWriter {
	return &FileWriter{repomanager: m, keys: kg, payloads: ps, logger: logger, now: utcNow}
}

// Write stores the file under its global transit id. Payload bytes go to
// object storage first; everything else goes through h. dk may be nil for
// unencrypted files.
func (w *FileWriter) Write(ctx context.Context, h dbx.DBTX, in IncomingFile, dk *keys.DriveKey) (drivefiles.WriteResult, error) {
	pkg := in.Package
	files := w.repomanager.DriveFiles(h)

	existing, err := files.GetByGlobalTransitID(ctx, in.DriveID, pkg.GlobalTransitID)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return drivefiles.Unchanged, err
	}
	if existing != nil && existing.SenderIdentity != in.Sender {
		return drivefiles.Unchanged, fmt.Errorf("%w: file belongs to %s", common.ErrorAccessDenied, existing.SenderIdentity)
	}

	ref, err := w.payloadRef(ctx, in, existing)
	if err != nil {
		return drivefiles.Unchanged, err
	}

	var wrapped []byte
	if pkg.Metadata.IsEncrypted {
		wrapped, err = w.rewrap(ctx, in, dk)
		if err != nil {
			return drivefiles.Unchanged, err
		}
	}

	meta := pkg.Metadata
	gtid := pkg.GlobalTransitID
	meta.GlobalTransitID = &gtid
	meta.SenderIdentity = in.Sender
	raw, err := json.Marshal(meta)
	if err != nil {
		return drivefiles.Unchanged, fmt.Errorf("encode metadata: %w", err)
	}

	now := w.now()
	df := &models.DriveFile{
		DriveID:         in.DriveID,
		FileID:          uuid.New(),
		GlobalTransitID: &gtid,
		Kind:            string(pkg.Kind),
		Metadata:        raw,
		IsEncrypted:     meta.IsEncrypted,
		WrappedKey:      wrapped,
		PayloadKey:      ref.Key,
		PayloadHash:     ref.Hash,
		VersionTag:      meta.VersionTag,
		SenderIdentity:  in.Sender,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if meta.ReferencedFile != nil {
		refID := meta.ReferencedFile.GlobalTransitID
		df.ReferencedGlobalTransitID = &refID
	}

	res, err := files.UpsertByGlobalTransitID(ctx, df)
	if err != nil {
		return res, err
	}
	if res != drivefiles.Unchanged && pkg.Kind == transit.KindStandard {
		fd := &models.FeedDistribution{DriveID: in.DriveID, FileID: df.FileID, GlobalTransitID: &gtid, EnqueuedAt: now}
		if err := files.EnqueueFeedDistribution(ctx, fd); err != nil {
			return res, err
		}
	}
	w.logger.Debug(ctx, "received file written", "drive", in.DriveID, "gtid", gtid, "sender", in.Sender, "result", res)
	return res, nil
}

func (w *FileWriter) payloadRef(ctx context.Context, in IncomingFile, existing *models.DriveFile) (payloads.Ref, error) {
	pkg := in.Package
	if pr := pkg.PayloadRef; pr != nil {
		if existing == nil || pr.GlobalTransitID != pkg.GlobalTransitID || !bytes.Equal(existing.PayloadHash, pr.Hash) {
			return payloads.Ref{}, fmt.Errorf("%w: referenced payload not held", common.ErrorBadRequest)
		}
		return payloads.Ref{Key: existing.PayloadKey, Hash: existing.PayloadHash}, nil
	}
	if !in.Payload.IsZero() {
		return in.Payload, nil
	}
	ref, err := w.payloads.Put(ctx, pkg.Payload)
	if err != nil {
		return payloads.Ref{}, fmt.Errorf("store payload: %w", err)
	}
	return ref, nil
}

// rewrap opens the sender's transport envelope and seals it for the drive.
func (w *FileWriter) rewrap(ctx context.Context, in IncomingFile, dk *keys.DriveKey) ([]byte, error) {
	if in.Package.WrappedKey.IsZero() {
		return nil, fmt.Errorf("%w: encrypted file without key envelope", common.ErrorBadRequest)
	}
	if dk == nil || dk.DriveID != in.DriveID {
		return nil, common.ErrorAccessDenied
	}
	env, err := w.keys.UnwrapFromSender(ctx, in.Package.WrappedKey, in.Sender, in.Package.GlobalTransitID)
	if err != nil {
		return nil, err
	}
	defer env.Close()

	owner, err := dk.Wrap(env)
	if err != nil {
		return nil, err
	}
	return keys.Encode(owner)
}

// DeleteLinked removes a file the sender previously delivered.
func (w *FileWriter) DeleteLinked(ctx context.Context, h dbx.DBTX, driveID uuid.UUID, sender string, gtid uuid.UUID) error {
	files := w.repomanager.DriveFiles(h)
	existing, err := files.GetByGlobalTransitID(ctx, driveID, gtid)
	if err != nil {
		return err
	}
	if existing.SenderIdentity != sender {
		return fmt.Errorf("%w: file belongs to %s", common.ErrorAccessDenied, existing.SenderIdentity)
	}
	return files.DeleteByGlobalTransitID(ctx, driveID, gtid)
}
