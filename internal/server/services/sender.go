package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/cryptox"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/keys"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/payloads"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/peertransit/internal/transit"
)

// PeerClient delivers one package to a recipient host. A returned error
// means no outcome was received.
type PeerClient interface {
	Deliver(ctx context.Context, recipient string, pkg *transit.PeerPackage) (transit.Outcome, error)
}

// Sender performs a single delivery attempt for an outbox item. It does
// not touch the outbox or the ledger; the processor records the result
// only while it still holds the item's lease.
type Sender struct {
	identity    string
	repomanager repomanager.RepositoryManager
	keys        *keys.Gateway
	payloads    payloads.Store
	client      PeerClient
	logger      logging.Logger
}

func NewSender(identity string, m repomanager.RepositoryManager, kg *keys.Gateway, ps payloads.Store,
	client PeerClient, logger logging.Logger) *Sender {
	return &Sender{
		identity:    identity,
		repomanager: m,
		keys:        kg,
		payloads:    ps,
		client:      client,
		logger:      logger,
	}
}

// Send makes one attempt and returns the status the ledger should show.
//
// A nil error means the recipient returned an outcome and the returned
// status is terminal. An error wrapping common.ErrorNotFound means the
// local file is gone and the item can never succeed. Any other error is
// retryable.
func (s *Sender) Send(ctx context.Context, h dbx.DBTX, item *models.OutboxItem) (transit.TransferStatus, error) {
	file := transit.FileIdentifier{DriveID: item.DriveID, FileID: item.FileID}
	log := s.logger.With("file", file.String(), "recipient", item.Recipient, "instruction", item.Instruction)

	status, err := s.attempt(ctx, h, item)
	switch {
	case err == nil:
	case errors.Is(err, common.ErrorNotFound):
		status = transit.StatusPermanentlyFailed
		log.Warn(ctx, "local file missing, dropping transfer", "err", err)
	case errors.Is(err, common.ErrRecipientUnreachable):
		status = transit.StatusRecipientUnreachable
		log.Info(ctx, "recipient unreachable", "err", err)
	default:
		status = transit.StatusEnqueued
		log.Error(ctx, "send failed locally", "err", err)
	}
	return status, err
}

func (s *Sender) attempt(ctx context.Context, h dbx.DBTX, item *models.OutboxItem) (transit.TransferStatus, error) {
	pkg, err := s.buildPackage(ctx, h, item)
	if err != nil {
		return "", err
	}

	outcome, err := s.client.Deliver(ctx, item.Recipient, pkg)
	if err != nil {
		if errors.Is(err, common.ErrRecipientUnreachable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", common.ErrRecipientUnreachable, err)
	}

	status, ok := outcome.Status()
	if !ok {
		s.logger.Error(ctx, "unknown outcome from recipient", "recipient", item.Recipient, "outcome", outcome)
		return transit.StatusRecipientServerError, nil
	}
	return status, nil
}

func (s *Sender) buildPackage(ctx context.Context, h dbx.DBTX, item *models.OutboxItem) (*transit.PeerPackage, error) {
	pkg := &transit.PeerPackage{
		Instruction:     transit.InstructionType(item.Instruction),
		TargetDrive:     transit.TargetDrive{Alias: item.RemoteDriveAlias, Type: item.RemoteDriveType},
		GlobalTransitID: item.GlobalTransitID,
		Kind:            transit.FileSystemKind(item.Kind),
	}
	if pkg.Instruction != transit.InstructionSaveFile {
		return pkg, nil
	}

	f, err := s.repomanager.DriveFiles(h).Get(ctx, item.DriveID, item.FileID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(f.Metadata, &pkg.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	gtid := item.GlobalTransitID
	pkg.Metadata.GlobalTransitID = &gtid
	pkg.Metadata.SenderIdentity = s.identity
	pkg.TransferIV = item.TransferIV

	if f.IsEncrypted {
		w, err := s.recipientEnvelope(ctx, item, f)
		if err != nil {
			return nil, err
		}
		pkg.WrappedKey = w
	}

	if item.PayloadRef {
		pkg.PayloadRef = &transit.PayloadRef{GlobalTransitID: item.GlobalTransitID, Hash: f.PayloadHash}
		return pkg, nil
	}
	pkg.Payload, err = s.payloads.Get(ctx, f.PayloadKey)
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}
	return pkg, nil
}

// recipientEnvelope uses the envelope wrapped at enqueue time and otherwise
// rewraps the file's owner envelope for the recipient.
func (s *Sender) recipientEnvelope(ctx context.Context, item *models.OutboxItem, f *models.DriveFile) (cryptox.WrappedKeyEnvelope, error) {
	if len(item.WrappedKey) > 0 {
		return keys.Decode(item.WrappedKey)
	}

	owner, err := keys.Decode(f.WrappedKey)
	if err != nil {
		return cryptox.WrappedKeyEnvelope{}, err
	}
	dk, err := s.keys.OwnerDriveKey(ctx, item.DriveID)
	if err != nil {
		return cryptox.WrappedKeyEnvelope{}, err
	}
	defer dk.Close()

	env, err := dk.Unwrap(owner)
	if err != nil {
		return cryptox.WrappedKeyEnvelope{}, err
	}
	defer env.Close()
	return s.keys.WrapForRecipient(ctx, env, item.Recipient, item.GlobalTransitID, item.TransferIV)
}
