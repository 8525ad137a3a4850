package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/cryptox"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/access"
	"github.com/dmitrijs2005/peertransit/internal/server/keys"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/payloads"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// --- payload store ---

type memPayloads struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newMemPayloads() *memPayloads {
	return &memPayloads{objects: map[string][]byte{}}
}

func (m *memPayloads) Put(_ context.Context, data []byte) (payloads.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return payloads.Ref{}, m.failPut
	}
	if len(data) == 0 {
		return payloads.Ref{}, nil
	}
	h := payloads.Hash(data)
	key := fmt.Sprintf("payloads/%x", h)
	m.objects[key] = append([]byte(nil), data...)
	return payloads.Ref{Key: key, Hash: h}, nil
}

func (m *memPayloads) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		return nil, nil
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return b, nil
}

// --- logger ---

type logEntry struct {
	level string
	msg   string
}

type logSink struct {
	mu      sync.Mutex
	entries []logEntry
}

// recLogger records messages so tests can assert on what was logged.
type recLogger struct{ sink *logSink }

func newRecLogger() recLogger { return recLogger{sink: &logSink{}} }

func (l recLogger) add(level, msg string) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, logEntry{level, msg})
}

func (l recLogger) Debug(_ context.Context, msg string, _ ...any) { l.add("debug", msg) }
func (l recLogger) Info(_ context.Context, msg string, _ ...any)  { l.add("info", msg) }
func (l recLogger) Warn(_ context.Context, msg string, _ ...any)  { l.add("warn", msg) }
func (l recLogger) Error(_ context.Context, msg string, _ ...any) { l.add("error", msg) }
func (l recLogger) With(...any) logging.Logger                    { return l }

func (l recLogger) count(level string) int {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	n := 0
	for _, e := range l.sink.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

// --- clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- network ---

// network routes deliveries between in-process hosts. Packages are passed
// through JSON so nothing is shared by reference.
type network struct {
	mu    sync.Mutex
	hosts map[string]*testHost
	down  map[string]bool
	sent  int
	// onDeliver runs before a package is handed to the recipient.
	onDeliver func(recipient string, pkg *transit.PeerPackage)
}

func newNetwork() *network {
	return &network{hosts: map[string]*testHost{}, down: map[string]bool{}}
}

func (n *network) setDown(identity string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[identity] = down
}

type loopbackClient struct {
	net  *network
	from string
}

func (c loopbackClient) Deliver(ctx context.Context, recipient string, pkg *transit.PeerPackage) (transit.Outcome, error) {
	c.net.mu.Lock()
	h, ok := c.net.hosts[recipient]
	down := c.net.down[recipient]
	hook := c.net.onDeliver
	c.net.sent++
	c.net.mu.Unlock()

	if !ok || down {
		return "", fmt.Errorf("%w: %s", common.ErrRecipientUnreachable, recipient)
	}
	if hook != nil {
		hook(recipient, pkg)
	}

	raw, err := json.Marshal(pkg)
	if err != nil {
		return "", err
	}
	var wire transit.PeerPackage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return "", err
	}
	return h.inbound.Receive(ctx, c.from, &wire), nil
}

// --- hosts ---

type testHost struct {
	identity string
	db       *sql.DB
	store    *memStore
	payloads *memPayloads
	logs     recLogger
	clock    *fakeClock
	keys     *keys.Gateway
	ledger   *Ledger
	sender   *Sender
	outbox   *OutboxProcessor
	writer   *FileWriter
	inbound  *PeerInbound
	inbox    *InboxProcessor
	upload   *UploadService
	host     *HostService
}

var testOutboxConfig = OutboxConfig{
	Workers:        2,
	LeaseDuration:  time.Minute,
	PollInterval:   10 * time.Millisecond,
	InitialBackoff: 5 * time.Second,
	MaxBackoff:     10 * time.Minute,
	MaxAttempts:    3,
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHost(t *testing.T, net *network, identity string) *testHost {
	t.Helper()
	h := &testHost{
		identity: identity,
		db:       openDB(t),
		store:    newMemStore(),
		payloads: newMemPayloads(),
		logs:     newRecLogger(),
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	m := memManager{h.store}
	h.keys = keys.NewGateway(identity, common.GenerateRandByteArray(32), memDrives{h.store}, memConnections{h.store})
	h.ledger = NewLedger(h.db, m)
	h.ledger.now = h.clock.Now
	h.sender = NewSender(identity, m, h.keys, h.payloads, loopbackClient{net: net, from: identity}, h.logs)
	h.outbox = NewOutboxProcessor(h.db, m, h.sender, h.ledger, testOutboxConfig, h.logs)
	h.outbox.now = h.clock.Now
	h.writer = NewFileWriter(m, h.keys, h.payloads, h.logs)
	h.inbound = NewPeerInbound(h.db, m, access.NewResolver(memConnections{h.store}, h.logs), h.keys, h.writer, h.payloads, h.logs)
	h.inbox = NewInboxProcessor(h.db, m, h.keys, h.writer, h.ledger, InboxConfig{Workers: 2, Interval: time.Hour, LeaseDuration: time.Minute}, h.logs)
	h.upload = NewUploadService(identity, h.db, m, h.keys, h.payloads, h.ledger, h.outbox, h.logs)
	h.host = NewHostService(h.db, m, h.keys, h.logs)
	h.writer.now = h.clock.Now
	h.inbound.now = h.clock.Now
	h.inbox.now = h.clock.Now
	h.upload.now = h.clock.Now
	h.host.now = h.clock.Now

	net.mu.Lock()
	net.hosts[identity] = h
	net.mu.Unlock()
	return h
}

var (
	chatAlias = uuid.MustParse("8f1c2d3e-0000-4000-8000-000000000001")
	chatType  = uuid.MustParse("8f1c2d3e-0000-4000-8000-000000000002")
	chatDrive = transit.TargetDrive{Alias: chatAlias, Type: chatType}
)

func (h *testHost) createDrive(t *testing.T, target transit.TargetDrive) *models.Drive {
	t.Helper()
	d, err := h.host.CreateDrive(context.Background(), target, "chat")
	require.NoError(t, err)
	return d
}

// connect links a and b with one shared secret. grantOnB is what a may do
// on b's drive, grantOnA what b may do on a's drive.
func connect(t *testing.T, a, b *testHost, aDrive, bDrive *models.Drive, grantOnA, grantOnB DriveGrant) {
	t.Helper()
	secret := common.GenerateRandByteArray(32)
	grantOnA.DriveID = aDrive.ID
	grantOnB.DriveID = bDrive.ID
	require.NoError(t, a.host.UpsertConnection(context.Background(), b.identity, secret, false, []DriveGrant{grantOnA}))
	require.NoError(t, b.host.UpsertConnection(context.Background(), a.identity, secret, false, []DriveGrant{grantOnB}))
}

var (
	fullGrant      = DriveGrant{CanRead: true, CanWrite: true, HasStorageKey: true}
	writeOnlyGrant = DriveGrant{CanWrite: true}
)

func newIV() []byte { return common.GenerateRandByteArray(cryptox.IVSize) }

func uploadTo(recipients ...string) transit.TransferInstructions {
	return transit.TransferInstructions{
		TransferIV: newIV(),
		Storage:    transit.StorageTarget{Drive: chatDrive},
		Distribution: transit.DistributionTarget{
			Recipients:         recipients,
			UseGlobalTransitID: true,
		},
	}
}

func (h *testHost) mustDrive(t *testing.T) *models.Drive {
	t.Helper()
	d, err := memDrives{h.store}.GetByTarget(context.Background(), chatAlias, chatType)
	require.NoError(t, err)
	return d
}

func (h *testHost) ledgerRecord(t *testing.T, file transit.FileIdentifier, recipient string) *transit.RecipientTransferRecord {
	t.Helper()
	rec, err := h.ledger.Get(context.Background(), file, recipient)
	require.NoError(t, err)
	return rec
}

func (h *testHost) fileByGTID(t *testing.T, driveID, gtid uuid.UUID) *models.DriveFile {
	t.Helper()
	f, err := memFiles{h.store}.GetByGlobalTransitID(context.Background(), driveID, gtid)
	require.NoError(t, err)
	return f
}

// readPlaintext opens a stored file with the owner's drive key.
func (h *testHost) readPlaintext(t *testing.T, f *models.DriveFile) []byte {
	t.Helper()
	data, err := h.payloads.Get(context.Background(), f.PayloadKey)
	require.NoError(t, err)
	if !f.IsEncrypted {
		return data
	}
	dk, err := h.keys.OwnerDriveKey(context.Background(), f.DriveID)
	require.NoError(t, err)
	defer dk.Close()
	w, err := keys.Decode(f.WrappedKey)
	require.NoError(t, err)
	env, err := dk.Unwrap(w)
	require.NoError(t, err)
	defer env.Close()
	plain, err := cryptox.OpenPayload(env, data)
	require.NoError(t, err)
	return plain
}

func (s *memStore) outboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

func (s *memStore) inboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

func (s *memStore) feedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feed)
}
