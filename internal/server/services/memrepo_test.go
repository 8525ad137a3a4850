package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/connections"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/drivefiles"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/drives"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/inbox"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/ledger"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/outbox"
	"github.com/google/uuid"
)

// memStore is an in-memory stand-in for the host database. Every handle
// sees the same data; transactions are not isolated.
type memStore struct {
	mu sync.Mutex

	drives      map[uuid.UUID]*models.Drive
	files       map[fileKey]*models.DriveFile
	feed        []models.FeedDistribution
	outbox      map[uuid.UUID]*models.OutboxItem
	inbox       []*models.InboxItem
	seq         int64
	ledger      map[ledgerKey]*models.TransferRecord
	connections map[string]*models.Connection
	grants      map[grantKey]*models.ConnectionGrant

	// failures maps an operation name to an error returned once.
	failures map[string]error
}

type fileKey struct{ drive, file uuid.UUID }

type ledgerKey struct {
	drive, file uuid.UUID
	recipient   string
}

type grantKey struct {
	identity string
	drive    uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		drives:      map[uuid.UUID]*models.Drive{},
		files:       map[fileKey]*models.DriveFile{},
		outbox:      map[uuid.UUID]*models.OutboxItem{},
		ledger:      map[ledgerKey]*models.TransferRecord{},
		connections: map[string]*models.Connection{},
		grants:      map[grantKey]*models.ConnectionGrant{},
		failures:    map[string]error{},
	}
}

func (s *memStore) failOnce(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// fail must be called with mu held.
func (s *memStore) fail(op string) error {
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return err
}

type memManager struct{ s *memStore }

func (m memManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m memManager) Outbox(dbx.DBTX) outbox.Repository            { return memOutbox{m.s} }
func (m memManager) Inbox(dbx.DBTX) inbox.Repository              { return memInbox{m.s} }
func (m memManager) Ledger(dbx.DBTX) ledger.Repository            { return memLedger{m.s} }
func (m memManager) DriveFiles(dbx.DBTX) drivefiles.Repository    { return memFiles{m.s} }
func (m memManager) Drives(dbx.DBTX) drives.Repository            { return memDrives{m.s} }
func (m memManager) Connections(dbx.DBTX) connections.Repository  { return memConnections{m.s} }

// --- outbox ---

type memOutbox struct{ s *memStore }

func (r memOutbox) Upsert(_ context.Context, item *models.OutboxItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("outbox.Upsert"); err != nil {
		return err
	}
	for _, cur := range r.s.outbox {
		if cur.DriveID == item.DriveID && cur.FileID == item.FileID && cur.Recipient == item.Recipient {
			next := *item
			next.ID = cur.ID
			next.AddedAt = cur.AddedAt
			next.Revision = cur.Revision + 1
			next.AttemptCount = 0
			next.LastError = ""
			next.LeaseID, next.LeaseExpiresAt = cur.LeaseID, cur.LeaseExpiresAt
			r.s.outbox[cur.ID] = &next
			item.ID, item.Revision, item.AddedAt = next.ID, next.Revision, next.AddedAt
			item.AttemptCount, item.LastError = 0, ""
			return nil
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.Revision = 1
	item.AttemptCount, item.LastError = 0, ""
	cp := *item
	r.s.outbox[item.ID] = &cp
	return nil
}

func (r memOutbox) LeaseNext(_ context.Context, now time.Time, leaseID uuid.UUID, leaseUntil time.Time) (*models.OutboxItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("outbox.LeaseNext"); err != nil {
		return nil, err
	}
	var ready []*models.OutboxItem
	for _, it := range r.s.outbox {
		if it.NextRunAt.After(now) {
			continue
		}
		if it.LeaseID != nil && !it.LeaseExpiresAt.Before(now) {
			continue
		}
		if it.DependencyFileID != nil && r.dependencyPending(it) {
			continue
		}
		ready = append(ready, it)
	}
	if len(ready) == 0 {
		return nil, common.ErrorNotFound
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.NextRunAt.Equal(b.NextRunAt) {
			return a.NextRunAt.Before(b.NextRunAt)
		}
		return a.AddedAt.Before(b.AddedAt)
	})
	it := ready[0]
	lid, until := leaseID, leaseUntil
	it.LeaseID, it.LeaseExpiresAt = &lid, &until
	cp := *it
	return &cp, nil
}

func (r memOutbox) dependencyPending(it *models.OutboxItem) bool {
	for _, d := range r.s.outbox {
		if d.FileID == *it.DependencyFileID && d.Recipient == it.Recipient {
			return true
		}
	}
	return false
}

func (r memOutbox) held(id, leaseID uuid.UUID, revision int64) (*models.OutboxItem, error) {
	it, ok := r.s.outbox[id]
	if !ok || it.LeaseID == nil || *it.LeaseID != leaseID || it.Revision != revision {
		return nil, common.ErrLeaseLost
	}
	return it, nil
}

func (r memOutbox) Complete(_ context.Context, id, leaseID uuid.UUID, revision int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, err := r.held(id, leaseID, revision); err != nil {
		return err
	}
	delete(r.s.outbox, id)
	return nil
}

func (r memOutbox) Reschedule(_ context.Context, id, leaseID uuid.UUID, revision int64, nextRun time.Time, lastErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, err := r.held(id, leaseID, revision)
	if err != nil {
		return err
	}
	it.AttemptCount++
	it.NextRunAt = nextRun
	it.LastError = lastErr
	it.LeaseID, it.LeaseExpiresAt = nil, nil
	return nil
}

func (r memOutbox) ReleaseLease(_ context.Context, id, leaseID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if it, ok := r.s.outbox[id]; ok && it.LeaseID != nil && *it.LeaseID == leaseID {
		it.LeaseID, it.LeaseExpiresAt = nil, nil
	}
	return nil
}

func (r memOutbox) Remove(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.outbox[id]; !ok {
		return common.ErrorNotFound
	}
	delete(r.s.outbox, id)
	return nil
}

func (r memOutbox) SetPriority(_ context.Context, id uuid.UUID, priority int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.outbox[id]
	if !ok {
		return common.ErrorNotFound
	}
	it.Priority = priority
	return nil
}

func (r memOutbox) Get(_ context.Context, id uuid.UUID) (*models.OutboxItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.outbox[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *it
	return &cp, nil
}

func (r memOutbox) List(_ context.Context, driveID *uuid.UUID) ([]*models.OutboxItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.OutboxItem
	for _, it := range r.s.outbox {
		if driveID == nil || it.DriveID == *driveID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Recipient < out[j].Recipient
	})
	return out, nil
}

func (r memOutbox) CountByDrive(_ context.Context, driveID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, it := range r.s.outbox {
		if it.DriveID == driveID {
			n++
		}
	}
	return n, nil
}

func (r memOutbox) Exists(_ context.Context, driveID, fileID uuid.UUID, recipient string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, it := range r.s.outbox {
		if it.DriveID == driveID && it.FileID == fileID && it.Recipient == recipient {
			return true, nil
		}
	}
	return false, nil
}

// --- inbox ---

type memInbox struct{ s *memStore }

func (r memInbox) Enqueue(_ context.Context, item *models.InboxItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("inbox.Enqueue"); err != nil {
		return err
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	r.s.seq++
	item.Seq = r.s.seq
	cp := *item
	r.s.inbox = append(r.s.inbox, &cp)
	return nil
}

func (r memInbox) match(it *models.InboxItem, driveID *uuid.UUID) bool {
	return driveID == nil || it.DriveID == *driveID
}

func (r memInbox) Senders(_ context.Context, driveID *uuid.UUID) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, it := range r.s.inbox {
		if r.match(it, driveID) && !seen[it.Sender] {
			seen[it.Sender] = true
			out = append(out, it.Sender)
		}
	}
	return out, nil
}

func (r memInbox) LeaseHead(_ context.Context, sender string, driveID *uuid.UUID, now time.Time, leaseID uuid.UUID, leaseUntil time.Time) (*models.InboxItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("inbox.LeaseHead"); err != nil {
		return nil, err
	}
	for _, it := range r.s.inbox {
		if it.Sender != sender || !r.match(it, driveID) {
			continue
		}
		if it.LeaseID != nil && !it.LeaseExpiresAt.Before(now) {
			return nil, common.ErrorNotFound
		}
		lid, until := leaseID, leaseUntil
		it.LeaseID, it.LeaseExpiresAt = &lid, &until
		cp := *it
		return &cp, nil
	}
	return nil, common.ErrorNotFound
}

func (r memInbox) indexOf(id uuid.UUID) int {
	for i, it := range r.s.inbox {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (r memInbox) Delete(_ context.Context, id, leaseID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 || r.s.inbox[i].LeaseID == nil || *r.s.inbox[i].LeaseID != leaseID {
		return common.ErrLeaseLost
	}
	r.s.inbox = append(r.s.inbox[:i], r.s.inbox[i+1:]...)
	return nil
}

func (r memInbox) ReleaseLease(_ context.Context, id, leaseID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if i := r.indexOf(id); i >= 0 && r.s.inbox[i].LeaseID != nil && *r.s.inbox[i].LeaseID == leaseID {
		r.s.inbox[i].LeaseID, r.s.inbox[i].LeaseExpiresAt = nil, nil
	}
	return nil
}

func (r memInbox) Remove(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return common.ErrorNotFound
	}
	r.s.inbox = append(r.s.inbox[:i], r.s.inbox[i+1:]...)
	return nil
}

func (r memInbox) Get(_ context.Context, id uuid.UUID) (*models.InboxItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return nil, common.ErrorNotFound
	}
	cp := *r.s.inbox[i]
	return &cp, nil
}

func (r memInbox) List(_ context.Context, driveID *uuid.UUID) ([]*models.InboxItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.InboxItem
	for _, it := range r.s.inbox {
		if r.match(it, driveID) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- ledger ---

type memLedger struct{ s *memStore }

func (r memLedger) Upsert(_ context.Context, rec *models.TransferRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("ledger.Upsert"); err != nil {
		return err
	}
	k := ledgerKey{rec.DriveID, rec.FileID, rec.Recipient}
	cp := *rec
	if cur, ok := r.s.ledger[k]; ok {
		cp.ReadAt = cur.ReadAt
	}
	r.s.ledger[k] = &cp
	return nil
}

func (r memLedger) Get(_ context.Context, driveID, fileID uuid.UUID, recipient string) (*models.TransferRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.ledger[ledgerKey{driveID, fileID, recipient}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r memLedger) ListByFile(_ context.Context, driveID, fileID uuid.UUID) ([]*models.TransferRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.TransferRecord
	for k, rec := range r.s.ledger {
		if k.drive == driveID && k.file == fileID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out, nil
}

func (r memLedger) MarkRead(_ context.Context, driveID, fileID uuid.UUID, recipient string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.ledger[ledgerKey{driveID, fileID, recipient}]
	if !ok {
		return common.ErrorNotFound
	}
	rec.ReadAt = &at
	return nil
}

// --- drive files ---

type memFiles struct{ s *memStore }

func (r memFiles) Insert(_ context.Context, f *models.DriveFile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *f
	r.s.files[fileKey{f.DriveID, f.FileID}] = &cp
	return nil
}

func (r memFiles) Update(_ context.Context, f *models.DriveFile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := fileKey{f.DriveID, f.FileID}
	if _, ok := r.s.files[k]; !ok {
		return common.ErrorNotFound
	}
	cp := *f
	r.s.files[k] = &cp
	return nil
}

func (r memFiles) AssignGlobalTransitID(_ context.Context, driveID, fileID, candidate uuid.UUID) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.files[fileKey{driveID, fileID}]
	if !ok {
		return uuid.Nil, common.ErrorNotFound
	}
	if f.GlobalTransitID == nil {
		id := candidate
		f.GlobalTransitID = &id
	}
	return *f.GlobalTransitID, nil
}

func (r memFiles) byGTID(driveID, gtid uuid.UUID) *models.DriveFile {
	for _, f := range r.s.files {
		if f.DriveID == driveID && f.GlobalTransitID != nil && *f.GlobalTransitID == gtid {
			return f
		}
	}
	return nil
}

func (r memFiles) UpsertByGlobalTransitID(_ context.Context, f *models.DriveFile) (drivefiles.WriteResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("drivefiles.UpsertByGlobalTransitID"); err != nil {
		return drivefiles.Unchanged, err
	}
	if f.GlobalTransitID == nil {
		return drivefiles.Unchanged, common.ErrorBadRequest
	}
	cur := r.byGTID(f.DriveID, *f.GlobalTransitID)
	if cur == nil {
		cp := *f
		r.s.files[fileKey{f.DriveID, f.FileID}] = &cp
		return drivefiles.Created, nil
	}
	switch {
	case cur.VersionTag == f.VersionTag:
		f.FileID = cur.FileID
		return drivefiles.Unchanged, nil
	case cur.VersionTag > f.VersionTag:
		return drivefiles.Unchanged, common.ErrVersionConflict
	}
	cp := *f
	cp.FileID = cur.FileID
	cp.CreatedAt = cur.CreatedAt
	r.s.files[fileKey{f.DriveID, cur.FileID}] = &cp
	f.FileID = cur.FileID
	return drivefiles.Updated, nil
}

func (r memFiles) Get(_ context.Context, driveID, fileID uuid.UUID) (*models.DriveFile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.files[fileKey{driveID, fileID}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *f
	return &cp, nil
}

func (r memFiles) GetByGlobalTransitID(_ context.Context, driveID, gtid uuid.UUID) (*models.DriveFile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f := r.byGTID(driveID, gtid)
	if f == nil {
		return nil, common.ErrorNotFound
	}
	cp := *f
	return &cp, nil
}

func (r memFiles) ExistsByGlobalTransitID(_ context.Context, driveID, gtid uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.byGTID(driveID, gtid) != nil, nil
}

func (r memFiles) Delete(_ context.Context, driveID, fileID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := fileKey{driveID, fileID}
	if _, ok := r.s.files[k]; !ok {
		return common.ErrorNotFound
	}
	delete(r.s.files, k)
	return nil
}

func (r memFiles) DeleteByGlobalTransitID(_ context.Context, driveID, gtid uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f := r.byGTID(driveID, gtid)
	if f == nil {
		return common.ErrorNotFound
	}
	delete(r.s.files, fileKey{f.DriveID, f.FileID})
	return nil
}

func (r memFiles) EnqueueFeedDistribution(_ context.Context, fd *models.FeedDistribution) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if fd.ID == uuid.Nil {
		fd.ID = uuid.New()
	}
	r.s.feed = append(r.s.feed, *fd)
	return nil
}

// --- drives ---

type memDrives struct{ s *memStore }

func (r memDrives) Create(_ context.Context, d *models.Drive) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	r.s.drives[d.ID] = &cp
	return nil
}

func (r memDrives) Get(_ context.Context, id uuid.UUID) (*models.Drive, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drives[id]
	if !ok || d.DeletedAt != nil {
		return nil, common.ErrDriveNotFound
	}
	cp := *d
	return &cp, nil
}

func (r memDrives) GetByTarget(_ context.Context, alias, driveType uuid.UUID) (*models.Drive, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.drives {
		if d.Alias == alias && d.Type == driveType && d.DeletedAt == nil {
			cp := *d
			return &cp, nil
		}
	}
	return nil, common.ErrDriveNotFound
}

func (r memDrives) List(_ context.Context) ([]*models.Drive, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Drive
	for _, d := range r.s.drives {
		if d.DeletedAt == nil {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memDrives) MarkDeleted(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drives[id]
	if !ok {
		return common.ErrDriveNotFound
	}
	now := time.Now()
	d.DeletedAt = &now
	return nil
}

// --- connections ---

type memConnections struct{ s *memStore }

func (r memConnections) Upsert(_ context.Context, c *models.Connection) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *c
	r.s.connections[c.Identity] = &cp
	return nil
}

func (r memConnections) Get(_ context.Context, identity string) (*models.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[identity]
	if !ok {
		return nil, common.ErrUnknownIdentity
	}
	cp := *c
	return &cp, nil
}

func (r memConnections) UpsertGrant(_ context.Context, g *models.ConnectionGrant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *g
	r.s.grants[grantKey{g.Identity, g.DriveID}] = &cp
	return nil
}

func (r memConnections) Grant(_ context.Context, identity string, driveID uuid.UUID) (*models.ConnectionGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[identity]
	if !ok || c.Status != connections.StatusConnected {
		return nil, common.ErrorNotFound
	}
	g, ok := r.s.grants[grantKey{identity, driveID}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *g
	return &cp, nil
}
