package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/cryptox"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/config"
	"github.com/dmitrijs2005/peertransit/internal/server/keys"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/payloads"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type InboxConfig struct {
	Workers       int
	Interval      time.Duration
	LeaseDuration time.Duration
}

func InboxConfigFrom(cfg *config.Config) InboxConfig {
	return InboxConfig{
		Workers:       cfg.InboxWorkers,
		Interval:      cfg.InboxInterval,
		LeaseDuration: cfg.InboxLeaseDuration,
	}
}

// InboxResult counts what one processing pass did.
type InboxResult struct {
	Applied   int `json:"applied"`
	Discarded int `json:"discarded"`
	Pending   int `json:"pending"`
}

// errPoison marks an item that can never be applied.
var errPoison = errors.New("poison inbox item")

type headResult int

const (
	headApplied headResult = iota
	headDiscarded
)

// InboxProcessor applies parked packages under the owner's authority. Items
// of one sender are applied strictly in arrival order; different senders
// proceed in parallel.
type InboxProcessor struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *keys.Gateway
	writer      *FileWriter
	ledger      *Ledger
	cfg         InboxConfig
	logger      logging.Logger
	now         func() time.Time
}

func NewInboxProcessor(db *sql.DB, m repomanager.RepositoryManager, kg *keys.Gateway, writer *FileWriter,
	ledger *Ledger, cfg InboxConfig, logger logging.Logger) *InboxProcessor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &InboxProcessor{
		db:          db,
		repomanager: m,
		keys:        kg,
		writer:      writer,
		ledger:      ledger,
		cfg:         cfg,
		logger:      logger.With("component", "inbox"),
		now:         utcNow,
	}
}

// Run processes the whole inbox every Interval until ctx is done.
func (p *InboxProcessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.ProcessNow(ctx, nil); err != nil && ctx.Err() == nil {
			p.logger.Error(ctx, "inbox pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessNow runs one pass over the inbox, or only over driveID when it is
// set. Each sender's items are drained in order until one cannot be
// applied yet.
func (p *InboxProcessor) ProcessNow(ctx context.Context, driveID *uuid.UUID) (InboxResult, error) {
	senders, err := p.repomanager.Inbox(p.db).Senders(ctx, driveID)
	if err != nil {
		return InboxResult{}, err
	}

	var applied, discarded, pending atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, sender := range senders {
		sender := sender
		g.Go(func() error {
			session, err := dbx.NewSession(gctx, p.db)
			if err != nil {
				return err
			}
			defer session.Close()

			for gctx.Err() == nil {
				res, err := p.processHead(gctx, session, sender, driveID)
				switch {
				case errors.Is(err, common.ErrorNotFound):
					return nil
				case err != nil:
					pending.Add(1)
					p.logger.Warn(gctx, "inbox item left for a later pass", "sender", sender, "err", err)
					return nil
				case res == headDiscarded:
					discarded.Add(1)
				default:
					applied.Add(1)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	return InboxResult{
		Applied:   int(applied.Load()),
		Discarded: int(discarded.Load()),
		Pending:   int(pending.Load()),
	}, err
}

// processHead leases and applies the sender's oldest item. A poison item
// is deleted and reported as headDiscarded. common.ErrorNotFound means
// nothing is available; any other error leaves the item in place.
func (p *InboxProcessor) processHead(ctx context.Context, s *dbx.Session, sender string, driveID *uuid.UUID) (headResult, error) {
	now := p.now()
	leaseID := uuid.New()
	repo := p.repomanager.Inbox(s)

	item, err := repo.LeaseHead(ctx, sender, driveID, now, leaseID, now.Add(p.cfg.LeaseDuration))
	if err != nil {
		return headApplied, err
	}
	log := p.logger.With("item", item.ID, "seq", item.Seq, "sender", sender, "instruction", item.Instruction)

	err = s.WithTx(ctx, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := p.apply(ctx, tx, item); err != nil {
			return err
		}
		return p.repomanager.Inbox(tx).Delete(ctx, item.ID, leaseID)
	})
	if err == nil {
		log.Debug(ctx, "inbox item applied")
		return headApplied, nil
	}

	if errors.Is(err, errPoison) {
		if derr := repo.Delete(ctx, item.ID, leaseID); derr != nil {
			return headApplied, derr
		}
		log.Warn(ctx, "inbox item discarded", "err", err)
		return headDiscarded, nil
	}

	if rerr := repo.ReleaseLease(ctx, item.ID, leaseID); rerr != nil {
		log.Error(ctx, "release lease failed", "err", rerr)
	}
	return headApplied, err
}

func (p *InboxProcessor) apply(ctx context.Context, tx dbx.DBTX, item *models.InboxItem) error {
	// the drive may have been deleted since the item arrived
	if _, err := p.repomanager.Drives(tx).Get(ctx, item.DriveID); err != nil {
		return poisonIf(err, common.ErrDriveNotFound)
	}
	switch transit.InstructionType(item.Instruction) {
	case transit.InstructionSaveFile:
		return p.applySave(ctx, tx, item)
	case transit.InstructionDeleteLinkedFile:
		err := p.writer.DeleteLinked(ctx, tx, item.DriveID, item.Sender, item.GlobalTransitID)
		return poisonIf(err, common.ErrorNotFound, common.ErrorAccessDenied)
	case transit.InstructionReadReceipt:
		return p.applyReadReceipt(ctx, tx, item)
	default:
		return fmt.Errorf("%w: unknown instruction %q", errPoison, item.Instruction)
	}
}

func (p *InboxProcessor) applySave(ctx context.Context, tx dbx.DBTX, item *models.InboxItem) error {
	pkg := &transit.PeerPackage{
		Instruction:     transit.InstructionSaveFile,
		GlobalTransitID: item.GlobalTransitID,
		Kind:            transit.FileSystemKind(item.Kind),
		TransferIV:      item.TransferIV,
	}
	if err := json.Unmarshal(item.Metadata, &pkg.Metadata); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	if err := pkg.Metadata.Validate(pkg.Kind); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	w, err := keys.Decode(item.WrappedKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	pkg.WrappedKey = w

	in := IncomingFile{DriveID: item.DriveID, Sender: item.Sender, Package: pkg}
	if item.PayloadKey != "" {
		in.Payload = payloads.Ref{Key: item.PayloadKey, Hash: item.PayloadHash}
	} else if len(item.PayloadHash) > 0 {
		pkg.PayloadRef = &transit.PayloadRef{GlobalTransitID: item.GlobalTransitID, Hash: item.PayloadHash}
	}

	var dk *keys.DriveKey
	if pkg.Metadata.IsEncrypted {
		dk, err = p.keys.OwnerDriveKey(ctx, item.DriveID)
		if err != nil {
			return poisonIf(err, common.ErrDriveNotFound)
		}
		defer dk.Close()
	}

	_, err = p.writer.Write(ctx, tx, in, dk)
	return poisonIf(err,
		common.ErrorBadRequest,
		common.ErrorAccessDenied,
		common.ErrVersionConflict,
		common.ErrUnknownIdentity,
		cryptox.ErrDecryption,
		cryptox.ErrEmptyEnvelope,
	)
}

func (p *InboxProcessor) applyReadReceipt(ctx context.Context, tx dbx.DBTX, item *models.InboxItem) error {
	f, err := p.repomanager.DriveFiles(tx).GetByGlobalTransitID(ctx, item.DriveID, item.GlobalTransitID)
	if err != nil {
		return poisonIf(err, common.ErrorNotFound)
	}
	file := transit.FileIdentifier{DriveID: f.DriveID, FileID: f.FileID}
	return poisonIf(p.ledger.With(tx).MarkRead(ctx, file, item.Sender), common.ErrorNotFound)
}

// poisonIf marks err as poison when it matches one of kinds.
func poisonIf(err error, kinds ...error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return fmt.Errorf("%w: %w", errPoison, err)
		}
	}
	return err
}

// List, Get and Remove are the owner's view of the inbox.

func (p *InboxProcessor) List(ctx context.Context, driveID *uuid.UUID) ([]*models.InboxItem, error) {
	return p.repomanager.Inbox(p.db).List(ctx, driveID)
}

func (p *InboxProcessor) Get(ctx context.Context, id uuid.UUID) (*models.InboxItem, error) {
	return p.repomanager.Inbox(p.db).Get(ctx, id)
}

func (p *InboxProcessor) Remove(ctx context.Context, id uuid.UUID) error {
	return p.repomanager.Inbox(p.db).Remove(ctx, id)
}
