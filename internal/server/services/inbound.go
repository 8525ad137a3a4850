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

// GrantResolver reports what a caller may do on a drive. It never fails;
// an unresolvable grant is the zero grant.
type GrantResolver interface {
	Resolve(ctx context.Context, caller string, driveID uuid.UUID) transit.Grant
}

// PeerInbound receives packages from other hosts and decides, per package,
// whether to write them to the drive now or park them in the inbox.
type PeerInbound struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	access      GrantResolver
	keys        *keys.Gateway
	writer      *FileWriter
	payloads    payloads.Store
	logger      logging.Logger
	now         func() time.Time
}

func NewPeerInbound(db *sql.DB, m repomanager.RepositoryManager, access GrantResolver, kg *keys.Gateway,
	writer *FileWriter, ps payloads.Store, logger logging.Logger) *PeerInbound {
	return &PeerInbound{
		db:          db,
		repomanager: m,
		access:      access,
		keys:        kg,
		writer:      writer,
		payloads:    ps,
		logger:      logger.With("component", "inbound"),
		now:         utcNow,
	}
}

// Receive handles one package from caller, who is empty when the caller
// could not be authenticated. It always returns an outcome; an unexpected
// failure, including a panic, becomes OutcomeFailedServerError.
func (p *PeerInbound) Receive(ctx context.Context, caller string, pkg *transit.PeerPackage) (outcome transit.Outcome) {
	log := p.logger.With("caller", caller, "gtid", pkg.GlobalTransitID, "instruction", pkg.Instruction)
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "panic while receiving package", "panic", r)
			outcome = transit.OutcomeFailedServerError
		}
	}()

	outcome, err := p.receive(ctx, caller, pkg)
	switch outcome {
	case transit.OutcomeRejectedAccessDenied, transit.OutcomeRejectedBadRequest:
		log.Info(ctx, "package rejected", "outcome", outcome, "err", err)
	case transit.OutcomeFailedServerError:
		log.Error(ctx, "package failed", "err", err)
	default:
		log.Debug(ctx, "package accepted", "outcome", outcome)
	}
	return outcome
}

func (p *PeerInbound) receive(ctx context.Context, caller string, pkg *transit.PeerPackage) (transit.Outcome, error) {
	if !pkg.Instruction.Valid() {
		return transit.OutcomeRejectedBadRequest, fmt.Errorf("unknown instruction %q", pkg.Instruction)
	}
	if pkg.GlobalTransitID == uuid.Nil {
		return transit.OutcomeRejectedBadRequest, errors.New("missing global transit id")
	}

	drive, err := p.repomanager.Drives(p.db).GetByTarget(ctx, pkg.TargetDrive.Alias, pkg.TargetDrive.Type)
	if err != nil {
		if errors.Is(err, common.ErrDriveNotFound) {
			return transit.OutcomeRejectedAccessDenied, err
		}
		return transit.OutcomeFailedServerError, err
	}

	if pkg.Instruction == transit.InstructionReadReceipt {
		return p.receiveReadReceipt(ctx, caller, drive, pkg)
	}

	grant := p.access.Resolve(ctx, caller, drive.ID)
	if !grant.CanWrite {
		return transit.OutcomeRejectedAccessDenied, errors.New("no write permission")
	}

	if pkg.Instruction == transit.InstructionDeleteLinkedFile {
		return p.receiveDelete(ctx, caller, drive, pkg, grant)
	}
	return p.receiveSave(ctx, caller, drive, pkg, grant)
}

func (p *PeerInbound) receiveSave(ctx context.Context, caller string, drive *models.Drive, pkg *transit.PeerPackage, grant transit.Grant) (transit.Outcome, error) {
	if err := pkg.Metadata.Validate(pkg.Kind); err != nil {
		return transit.OutcomeRejectedBadRequest, err
	}
	if pkg.Metadata.IsEncrypted && pkg.WrappedKey.IsZero() {
		return transit.OutcomeRejectedBadRequest, errors.New("encrypted file without key envelope")
	}
	if pkg.Kind == transit.KindComment {
		if outcome, err := p.validateComment(ctx, pkg); err != nil {
			return outcome, err
		}
	}

	direct := pkg.Kind == transit.KindComment || grant.HasStorageKeyAccess
	if !direct {
		return p.enqueueInbox(ctx, caller, drive, pkg)
	}

	var dk *keys.DriveKey
	if pkg.Metadata.IsEncrypted {
		var err error
		dk, err = p.keys.DriveKeyForGrant(ctx, drive.ID, grant)
		if err != nil {
			if errors.Is(err, common.ErrorAccessDenied) {
				return transit.OutcomeRejectedAccessDenied, errors.New("encrypted comment without storage key access")
			}
			return transit.OutcomeFailedServerError, err
		}
		defer dk.Close()
	}

	in := IncomingFile{DriveID: drive.ID, Sender: caller, Package: pkg}
	err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := p.writer.Write(ctx, tx, in, dk)
		return err
	})
	if err != nil {
		return classifyWriteError(err), err
	}
	return transit.OutcomeAcceptedDirect, nil
}

// validateComment checks that the referenced file exists here and agrees
// with the comment on encryption.
func (p *PeerInbound) validateComment(ctx context.Context, pkg *transit.PeerPackage) (transit.Outcome, error) {
	ref := pkg.Metadata.ReferencedFile
	refDrive, err := p.repomanager.Drives(p.db).GetByTarget(ctx, ref.TargetDrive.Alias, ref.TargetDrive.Type)
	if err != nil {
		if errors.Is(err, common.ErrDriveNotFound) {
			return transit.OutcomeRejectedBadRequest, fmt.Errorf("referenced drive: %w", err)
		}
		return transit.OutcomeFailedServerError, err
	}
	target, err := p.repomanager.DriveFiles(p.db).GetByGlobalTransitID(ctx, refDrive.ID, ref.GlobalTransitID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return transit.OutcomeRejectedBadRequest, fmt.Errorf("referenced file %s not found", ref)
		}
		return transit.OutcomeFailedServerError, err
	}
	if target.IsEncrypted != pkg.Metadata.IsEncrypted {
		return transit.OutcomeFailedServerError, fmt.Errorf("comment encryption %t does not match referenced file %s",
			pkg.Metadata.IsEncrypted, ref)
	}
	return "", nil
}

func (p *PeerInbound) receiveDelete(ctx context.Context, caller string, drive *models.Drive, pkg *transit.PeerPackage, grant transit.Grant) (transit.Outcome, error) {
	if pkg.Kind != transit.KindComment && !grant.HasStorageKeyAccess {
		return p.enqueueInbox(ctx, caller, drive, pkg)
	}
	err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return p.writer.DeleteLinked(ctx, tx, drive.ID, caller, pkg.GlobalTransitID)
	})
	if errors.Is(err, common.ErrorNotFound) {
		// already gone
		return transit.OutcomeAcceptedDirect, nil
	}
	if err != nil {
		return classifyWriteError(err), err
	}
	return transit.OutcomeAcceptedDirect, nil
}

// receiveReadReceipt accepts a receipt only from a recipient this host
// actually sent the file to.
func (p *PeerInbound) receiveReadReceipt(ctx context.Context, caller string, drive *models.Drive, pkg *transit.PeerPackage) (transit.Outcome, error) {
	if caller == "" {
		return transit.OutcomeRejectedAccessDenied, errors.New("anonymous read receipt")
	}
	f, err := p.repomanager.DriveFiles(p.db).GetByGlobalTransitID(ctx, drive.ID, pkg.GlobalTransitID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return transit.OutcomeRejectedAccessDenied, err
		}
		return transit.OutcomeFailedServerError, err
	}
	if _, err := p.repomanager.Ledger(p.db).Get(ctx, f.DriveID, f.FileID, caller); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return transit.OutcomeRejectedAccessDenied, errors.New("caller never received the file")
		}
		return transit.OutcomeFailedServerError, err
	}
	return p.enqueueInbox(ctx, caller, drive, pkg)
}

// emptyMetadata is stored for instructions that carry no file header.
var emptyMetadata = []byte("{}")

// enqueueInbox parks the package in the inbox. Payload bytes go to object
// storage; the envelope stays wrapped for transport.
func (p *PeerInbound) enqueueInbox(ctx context.Context, caller string, drive *models.Drive, pkg *transit.PeerPackage) (transit.Outcome, error) {
	item := &models.InboxItem{
		Sender:          caller,
		Instruction:     string(pkg.Instruction),
		DriveID:         drive.ID,
		GlobalTransitID: pkg.GlobalTransitID,
		Kind:            string(pkg.Kind),
		TransferIV:      pkg.TransferIV,
		Metadata:        emptyMetadata,
		ReceivedAt:      p.now(),
	}

	if pkg.Instruction == transit.InstructionSaveFile {
		var err error
		if item.WrappedKey, err = keys.Encode(pkg.WrappedKey); err != nil {
			return transit.OutcomeFailedServerError, err
		}
		if item.Metadata, err = json.Marshal(pkg.Metadata); err != nil {
			return transit.OutcomeFailedServerError, err
		}
		if pr := pkg.PayloadRef; pr != nil {
			item.PayloadHash = pr.Hash
		} else {
			ref, err := p.payloads.Put(ctx, pkg.Payload)
			if err != nil {
				return transit.OutcomeFailedServerError, fmt.Errorf("store payload: %w", err)
			}
			item.PayloadKey, item.PayloadHash = ref.Key, ref.Hash
		}
	}

	if err := p.repomanager.Inbox(p.db).Enqueue(ctx, item); err != nil {
		return transit.OutcomeFailedServerError, err
	}
	return transit.OutcomeAcceptedDeferred, nil
}

func classifyWriteError(err error) transit.Outcome {
	switch {
	case errors.Is(err, common.ErrorAccessDenied):
		return transit.OutcomeRejectedAccessDenied
	case errors.Is(err, common.ErrorBadRequest),
		errors.Is(err, common.ErrVersionConflict),
		errors.Is(err, common.ErrorIncorrectMetadata),
		errors.Is(err, cryptox.ErrDecryption),
		errors.Is(err, cryptox.ErrEmptyEnvelope):
		return transit.OutcomeRejectedBadRequest
	default:
		return transit.OutcomeFailedServerError
	}
}
