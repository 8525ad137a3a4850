package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
)

// Ledger records the latest delivery status of every (file, recipient)
// pair. It is the only place a transfer's outcome can be observed.
type Ledger struct {
	handle      dbx.DBTX
	repomanager repomanager.RepositoryManager
	now         func() time.Time
}

func NewLedger(db *sql.DB, m repomanager.RepositoryManager) *Ledger {
	return &Ledger{handle: db, repomanager: m, now: utcNow}
}

func utcNow() time.Time { return time.Now().UTC() }

// With returns a Ledger writing through h, typically a worker session or a
// transaction.
func (l *Ledger) With(h dbx.DBTX) *Ledger {
	c := *l
	c.handle = h
	return &c
}

// Set overwrites the pair's record with status.
func (l *Ledger) Set(ctx context.Context, file transit.FileIdentifier, recipient string, status transit.TransferStatus, stillQueued bool) error {
	rec := &models.TransferRecord{
		DriveID:      file.DriveID,
		FileID:       file.FileID,
		Recipient:    recipient,
		LatestStatus: string(status),
		AttemptedAt:  l.now(),
		StillQueued:  stillQueued,
	}
	if err := l.repomanager.Ledger(l.handle).Upsert(ctx, rec); err != nil {
		return fmt.Errorf("ledger set %s/%s: %w", file, recipient, err)
	}
	return nil
}

// SetStillQueued corrects the queued flag and keeps the recorded status.
func (l *Ledger) SetStillQueued(ctx context.Context, file transit.FileIdentifier, recipient string, stillQueued bool) error {
	repo := l.repomanager.Ledger(l.handle)
	rec, err := repo.Get(ctx, file.DriveID, file.FileID, recipient)
	if err != nil {
		return err
	}
	rec.StillQueued = stillQueued
	return repo.Upsert(ctx, rec)
}

func (l *Ledger) Get(ctx context.Context, file transit.FileIdentifier, recipient string) (*transit.RecipientTransferRecord, error) {
	rec, err := l.repomanager.Ledger(l.handle).Get(ctx, file.DriveID, file.FileID, recipient)
	if err != nil {
		return nil, err
	}
	return toRecipientRecord(rec), nil
}

// GetAll returns the file's records ordered by recipient.
func (l *Ledger) GetAll(ctx context.Context, file transit.FileIdentifier) ([]transit.RecipientTransferRecord, error) {
	recs, err := l.repomanager.Ledger(l.handle).ListByFile(ctx, file.DriveID, file.FileID)
	if err != nil {
		return nil, err
	}
	out := make([]transit.RecipientTransferRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, *toRecipientRecord(r))
	}
	return out, nil
}

// MarkRead stamps the recipient's read receipt.
func (l *Ledger) MarkRead(ctx context.Context, file transit.FileIdentifier, recipient string) error {
	return l.repomanager.Ledger(l.handle).MarkRead(ctx, file.DriveID, file.FileID, recipient, l.now())
}

// WaitForEmptyOutbox polls until no outbox item for driveID remains or the
// timeout passes. It returns context.DeadlineExceeded on timeout.
func (l *Ledger) WaitForEmptyOutbox(ctx context.Context, driveID uuid.UUID, timeout, pollEvery time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	repo := l.repomanager.Outbox(l.handle)
	for {
		n, err := repo.CountByDrive(ctx, driveID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func toRecipientRecord(r *models.TransferRecord) *transit.RecipientTransferRecord {
	return &transit.RecipientTransferRecord{
		Recipient:    r.Recipient,
		LatestStatus: transit.TransferStatus(r.LatestStatus),
		AttemptedAt:  r.AttemptedAt,
		StillQueued:  r.StillQueued,
		ReadAt:       r.ReadAt,
	}
}
