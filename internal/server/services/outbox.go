package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/config"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultPriority is used when an enqueue does not ask for one. Lower
// values are sent first.
const DefaultPriority = 100

type OutboxConfig struct {
	Workers        int
	LeaseDuration  time.Duration
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

func OutboxConfigFrom(cfg *config.Config) OutboxConfig {
	return OutboxConfig{
		Workers:        cfg.OutboxWorkers,
		LeaseDuration:  cfg.OutboxLeaseDuration,
		PollInterval:   cfg.OutboxPollInterval,
		InitialBackoff: cfg.OutboxInitialBackoff,
		MaxBackoff:     cfg.OutboxMaxBackoff,
		MaxAttempts:    cfg.OutboxMaxAttempts,
	}
}

// OutboxProcessor leases ready outbox items and hands each to the Sender,
// then removes or reschedules it depending on the result.
type OutboxProcessor struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	sender      *Sender
	ledger      *Ledger
	cfg         OutboxConfig
	logger      logging.Logger
	wake        chan struct{}
	now         func() time.Time
}

func NewOutboxProcessor(db *sql.DB, m repomanager.RepositoryManager, sender *Sender, ledger *Ledger,
	cfg OutboxConfig, logger logging.Logger) *OutboxProcessor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &OutboxProcessor{
		db:          db,
		repomanager: m,
		sender:      sender,
		ledger:      ledger,
		cfg:         cfg,
		logger:      logger.With("component", "outbox"),
		wake:        make(chan struct{}, cfg.Workers),
		now:         utcNow,
	}
}

// Wake makes idle workers poll immediately. It never blocks.
func (p *OutboxProcessor) Wake() {
	for i := 0; i < cap(p.wake); i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Run starts the workers and blocks until ctx is done. Each worker owns one
// database session for its lifetime.
func (p *OutboxProcessor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error { return p.work(gctx, worker) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *OutboxProcessor) work(ctx context.Context, worker int) error {
	session, err := dbx.NewSession(ctx, p.db)
	if err != nil {
		return fmt.Errorf("outbox worker %d: %w", worker, err)
	}
	defer session.Close()

	log := p.logger.With("worker", worker)
	log.Debug(ctx, "outbox worker started")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug(ctx, "outbox worker stopped")
			return nil
		case <-timer.C:
		case <-p.wake:
		}

		for {
			processed, err := p.ProcessOne(ctx, session)
			if err != nil && ctx.Err() == nil {
				log.Error(ctx, "outbox processing failed", "err", err)
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// Drain processes ready items until none remain and returns how many it
// handled.
func (p *OutboxProcessor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := p.ProcessOne(ctx, p.db)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

// ProcessOne leases and attempts a single item through h. It reports
// false when nothing was ready.
func (p *OutboxProcessor) ProcessOne(ctx context.Context, h dbx.DBTX) (bool, error) {
	now := p.now()
	leaseID := uuid.New()

	item, err := p.repomanager.Outbox(h).LeaseNext(ctx, now, leaseID, now.Add(p.cfg.LeaseDuration))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return false, nil
		}
		return false, err
	}

	file := transit.FileIdentifier{DriveID: item.DriveID, FileID: item.FileID}
	log := p.logger.With("item", item.ID, "file", file.String(), "recipient", item.Recipient)

	status, sendErr := p.sender.Send(ctx, h, item)

	// The outbox transition and the ledger write commit together, and only
	// while the lease still holds.
	err = dbx.InTx(ctx, h, func(ctx context.Context, tx dbx.DBTX) error {
		repo := p.repomanager.Outbox(tx)
		ledger := p.ledger.With(tx)
		switch {
		case sendErr == nil, errors.Is(sendErr, common.ErrorNotFound):
			if err := repo.Complete(ctx, item.ID, leaseID, item.Revision); err != nil {
				return err
			}
			return ledger.Set(ctx, file, item.Recipient, status, false)
		case item.AttemptCount+1 >= p.cfg.MaxAttempts:
			if err := repo.Complete(ctx, item.ID, leaseID, item.Revision); err != nil {
				return err
			}
			status = transit.StatusPermanentlyFailed
			return ledger.Set(ctx, file, item.Recipient, status, false)
		default:
			next := now.Add(p.backoffFor(item.AttemptCount + 1))
			if err := repo.Reschedule(ctx, item.ID, leaseID, item.Revision, next, sendErr.Error()); err != nil {
				return err
			}
			return ledger.Set(ctx, file, item.Recipient, status, true)
		}
	})

	switch {
	case errors.Is(err, common.ErrLeaseLost):
		p.leaseLost(ctx, h, item, leaseID, log)
		return true, nil
	case err != nil:
		return true, err
	case status == transit.StatusPermanentlyFailed && sendErr != nil && !errors.Is(sendErr, common.ErrorNotFound):
		log.Error(ctx, "giving up on outbox item", "attempts", item.AttemptCount+1, "err", sendErr)
	case sendErr != nil && !errors.Is(sendErr, common.ErrorNotFound):
		log.Info(ctx, "outbox item rescheduled", "attempts", item.AttemptCount+1)
	default:
		log.Debug(ctx, "outbox item finished", "status", status)
	}
	return true, nil
}

// leaseLost handles an item that was replaced or removed while it was being
// sent. The attempt's result is discarded and the ledger's queued flag is
// brought in line with what the outbox now holds.
func (p *OutboxProcessor) leaseLost(ctx context.Context, h dbx.DBTX, item *models.OutboxItem, leaseID uuid.UUID, log logging.Logger) {
	repo := p.repomanager.Outbox(h)
	if err := repo.ReleaseLease(ctx, item.ID, leaseID); err != nil {
		log.Error(ctx, "release lease failed", "err", err)
	}
	exists, err := repo.Exists(ctx, item.DriveID, item.FileID, item.Recipient)
	if err != nil {
		log.Error(ctx, "outbox lookup failed", "err", err)
		return
	}
	file := transit.FileIdentifier{DriveID: item.DriveID, FileID: item.FileID}
	if err := p.ledger.With(h).SetStillQueued(ctx, file, item.Recipient, exists); err != nil {
		log.Error(ctx, "ledger write failed", "err", err)
	}
	log.Info(ctx, "outbox item changed during send, result discarded", "still_queued", exists)
}

// backoffFor returns the wait before attempt number attempts+1. The curve
// doubles from InitialBackoff up to MaxBackoff.
func (p *OutboxProcessor) backoffFor(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// OutboxService is the owner-facing view of the outbox.
type OutboxService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	ledger      *Ledger
	processor   *OutboxProcessor
}

func NewOutboxService(db *sql.DB, m repomanager.RepositoryManager, ledger *Ledger, processor *OutboxProcessor) *OutboxService {
	return &OutboxService{db: db, repomanager: m, ledger: ledger, processor: processor}
}

func (s *OutboxService) List(ctx context.Context, driveID *uuid.UUID) ([]*models.OutboxItem, error) {
	return s.repomanager.Outbox(s.db).List(ctx, driveID)
}

func (s *OutboxService) Get(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error) {
	return s.repomanager.Outbox(s.db).Get(ctx, id)
}

// Remove drops a queued item. An attempt already in flight for it will find
// its lease gone and discard its result.
func (s *OutboxService) Remove(ctx context.Context, id uuid.UUID) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Outbox(tx)
		item, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := repo.Remove(ctx, id); err != nil {
			return err
		}
		file := transit.FileIdentifier{DriveID: item.DriveID, FileID: item.FileID}
		err = s.ledger.With(tx).SetStillQueued(ctx, file, item.Recipient, false)
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return err
	})
}

func (s *OutboxService) SetPriority(ctx context.Context, id uuid.UUID, priority int) error {
	if err := s.repomanager.Outbox(s.db).SetPriority(ctx, id, priority); err != nil {
		return err
	}
	s.processor.Wake()
	return nil
}

// ProcessNow sends everything that is ready on the caller's goroutine.
func (s *OutboxService) ProcessNow(ctx context.Context) (int, error) {
	return s.processor.Drain(ctx)
}
