package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPair(t *testing.T, samGrantsFrodo DriveGrant) (*network, *testHost, *testHost) {
	t.Helper()
	net := newNetwork()
	frodo := newHost(t, net, "frodo.dotyou.cloud")
	sam := newHost(t, net, "sam.dotyou.cloud")
	fd := frodo.createDrive(t, chatDrive)
	sd := sam.createDrive(t, chatDrive)
	connect(t, frodo, sam, fd, sd, fullGrant, samGrantsFrodo)
	return net, frodo, sam
}

func encryptedUpload(recipients ...string) *UploadRequest {
	return &UploadRequest{
		Instructions: uploadTo(recipients...),
		Kind:         transit.KindStandard,
		Metadata:     transit.FileMetadata{IsEncrypted: true, ContentType: "text/plain", AppData: "v1"},
		Payload:      []byte("hello sam"),
	}
}

func TestTransfer_DirectWriteWithStorageKey(t *testing.T) {
	_, frodo, sam := setupPair(t, fullGrant)
	ctx := context.Background()

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)
	require.NotNil(t, res.GlobalTransitID)
	assert.Equal(t, transit.StatusEnqueued, res.Recipients["sam.dotyou.cloud"])

	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusEnqueued, rec.LatestStatus)
	assert.True(t, rec.StillQueued)

	n, err := frodo.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, frodo.store.outboxLen())

	rec = frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusDelivered, rec.LatestStatus)
	assert.False(t, rec.StillQueued)

	sd := sam.fileByGTID(t, sam.mustDrive(t).ID, *res.GlobalTransitID)
	assert.Equal(t, "frodo.dotyou.cloud", sd.SenderIdentity)
	assert.Equal(t, int64(1), sd.VersionTag)
	assert.True(t, sd.IsEncrypted)
	assert.Equal(t, []byte("hello sam"), sam.readPlaintext(t, sd))
	assert.Equal(t, 1, sam.store.feedLen())
	assert.Zero(t, sam.store.inboxLen())

	var meta transit.FileMetadata
	require.NoError(t, json.Unmarshal(sd.Metadata, &meta))
	assert.Equal(t, "v1", meta.AppData)
	require.NotNil(t, meta.GlobalTransitID)
	assert.Equal(t, *res.GlobalTransitID, *meta.GlobalTransitID)
}

func TestTransfer_WriteOnlyGrantGoesThroughInbox(t *testing.T) {
	_, frodo, sam := setupPair(t, writeOnlyGrant)
	ctx := context.Background()

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)
	_, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)

	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusEnqueued, rec.LatestStatus)
	assert.False(t, rec.StillQueued)
	assert.Zero(t, frodo.store.outboxLen())

	drive := sam.mustDrive(t)
	_, err = memFiles{sam.store}.GetByGlobalTransitID(ctx, drive.ID, *res.GlobalTransitID)
	assert.Error(t, err)
	assert.Equal(t, 1, sam.store.inboxLen())

	result, err := sam.inbox.ProcessNow(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, InboxResult{Applied: 1}, result)
	assert.Zero(t, sam.store.inboxLen())

	f := sam.fileByGTID(t, drive.ID, *res.GlobalTransitID)
	assert.Equal(t, []byte("hello sam"), sam.readPlaintext(t, f))
	assert.Equal(t, 1, sam.store.feedLen())
}

func TestTransfer_UnreachableIsRetried(t *testing.T) {
	net, frodo, sam := setupPair(t, fullGrant)
	ctx := context.Background()
	net.setDown(sam.identity, true)

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)

	n, err := frodo.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusRecipientUnreachable, rec.LatestStatus)
	assert.True(t, rec.StillQueued)

	items, err := frodo.upload.repomanager.Outbox(nil).List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].AttemptCount)
	assert.Equal(t, frodo.clock.Now().Add(5*time.Second), items[0].NextRunAt)
	assert.Nil(t, items[0].LeaseID)

	// not due yet
	n, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	net.setDown(sam.identity, false)
	frodo.clock.Advance(5 * time.Second)
	n, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec = frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusDelivered, rec.LatestStatus)
	assert.False(t, rec.StillQueued)
}

func TestTransfer_PermanentlyFailedAfterMaxAttempts(t *testing.T) {
	net, frodo, sam := setupPair(t, fullGrant)
	ctx := context.Background()
	net.setDown(sam.identity, true)

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)

	for i := 0; i < testOutboxConfig.MaxAttempts; i++ {
		n, err := frodo.outbox.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		frodo.clock.Advance(10 * time.Minute)
	}

	assert.Zero(t, frodo.store.outboxLen())
	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusPermanentlyFailed, rec.LatestStatus)
	assert.False(t, rec.StillQueued)
	assert.Equal(t, 1, frodo.logs.count("error"))
}

func TestTransfer_AccessDeniedIsTerminal(t *testing.T) {
	_, frodo, sam := setupPair(t, DriveGrant{CanRead: true})
	ctx := context.Background()

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)
	_, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)

	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusRecipientAccessDenied, rec.LatestStatus)
	assert.False(t, rec.StillQueued)
	assert.Zero(t, frodo.store.outboxLen())
	assert.Zero(t, sam.store.inboxLen())
}

func TestTransfer_MetadataOnlyOverwriteSendsPayloadRef(t *testing.T) {
	net, frodo, sam := setupPair(t, fullGrant)
	ctx := context.Background()

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)
	_, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)

	var seen []*transit.PeerPackage
	net.onDeliver = func(_ string, pkg *transit.PeerPackage) { seen = append(seen, pkg) }

	fileID := res.File.FileID
	ins := uploadTo("sam.dotyou.cloud")
	ins.Storage.OverwriteFileID = &fileID
	res2, err := frodo.upload.Upload(ctx, &UploadRequest{
		Instructions: ins,
		Kind:         transit.KindStandard,
		Metadata:     transit.FileMetadata{IsEncrypted: true, ContentType: "text/plain", AppData: "v2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res2.VersionTag)
	assert.Equal(t, *res.GlobalTransitID, *res2.GlobalTransitID)

	_, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	require.NotNil(t, seen[0].PayloadRef)
	assert.Empty(t, seen[0].Payload)

	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusDelivered, rec.LatestStatus)

	f := sam.fileByGTID(t, sam.mustDrive(t).ID, *res.GlobalTransitID)
	assert.Equal(t, int64(2), f.VersionTag)
	assert.Equal(t, []byte("hello sam"), sam.readPlaintext(t, f))
	var meta transit.FileMetadata
	require.NoError(t, json.Unmarshal(f.Metadata, &meta))
	assert.Equal(t, "v2", meta.AppData)
}

func TestTransfer_DeletePropagates(t *testing.T) {
	_, frodo, sam := setupPair(t, fullGrant)
	ctx := context.Background()

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)
	_, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)

	require.NoError(t, frodo.upload.DeleteFile(ctx, res.File))
	_, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)

	_, err = memFiles{sam.store}.GetByGlobalTransitID(ctx, sam.mustDrive(t).ID, *res.GlobalTransitID)
	assert.Error(t, err)
	assert.Equal(t, transit.StatusDelivered, frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud").LatestStatus)
}

func TestTransfer_ReadReceipt(t *testing.T) {
	_, frodo, sam := setupPair(t, fullGrant)
	ctx := context.Background()

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)
	_, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)

	f := sam.fileByGTID(t, sam.mustDrive(t).ID, *res.GlobalTransitID)
	require.NoError(t, sam.upload.SendReadReceipt(ctx, transit.FileIdentifier{DriveID: f.DriveID, FileID: f.FileID}))
	_, err = sam.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, frodo.store.inboxLen())

	result, err := frodo.inbox.ProcessNow(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	require.NotNil(t, rec.ReadAt)
	assert.Equal(t, transit.StatusDelivered, rec.LatestStatus)
}

func TestOutbox_RemovedDuringSendDiscardsResult(t *testing.T) {
	net, frodo, _ := setupPair(t, fullGrant)
	ctx := context.Background()

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)

	svc := NewOutboxService(frodo.db, memManager{frodo.store}, frodo.ledger, frodo.outbox)
	net.onDeliver = func(string, *transit.PeerPackage) {
		items, err := svc.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.NoError(t, svc.Remove(ctx, items[0].ID))
	}

	n, err := frodo.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, frodo.store.outboxLen())

	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.False(t, rec.StillQueued)
	assert.Equal(t, transit.StatusEnqueued, rec.LatestStatus, "the discarded delivery must not reach the ledger")
}

func TestOutbox_ReplacedDuringSendIsSentAgain(t *testing.T) {
	net, frodo, sam := setupPair(t, fullGrant)
	ctx := context.Background()

	res, err := frodo.upload.Upload(ctx, encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)

	var once sync.Once
	net.onDeliver = func(string, *transit.PeerPackage) {
		once.Do(func() {
			fileID := res.File.FileID
			ins := uploadTo("sam.dotyou.cloud")
			ins.Storage.OverwriteFileID = &fileID
			_, err := frodo.upload.Upload(ctx, &UploadRequest{
				Instructions: ins,
				Kind:         transit.KindStandard,
				Metadata:     transit.FileMetadata{IsEncrypted: true, AppData: "v2"},
				Payload:      []byte("second draft"),
			})
			require.NoError(t, err)
		})
	}

	n, err := frodo.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, frodo.store.outboxLen())

	f := sam.fileByGTID(t, sam.mustDrive(t).ID, *res.GlobalTransitID)
	assert.Equal(t, int64(2), f.VersionTag)
	assert.Equal(t, []byte("second draft"), sam.readPlaintext(t, f))

	rec := frodo.ledgerRecord(t, res.File, "sam.dotyou.cloud")
	assert.Equal(t, transit.StatusDelivered, rec.LatestStatus)
	assert.False(t, rec.StillQueued)
}

func TestOutbox_LowerPriorityValueGoesFirst(t *testing.T) {
	net, frodo, _ := setupPair(t, fullGrant)
	ctx := context.Background()

	var order []string
	net.onDeliver = func(_ string, pkg *transit.PeerPackage) { order = append(order, pkg.Metadata.AppData) }

	for _, p := range []int{5, 1, 3} {
		req := encryptedUpload("sam.dotyou.cloud")
		prio := p
		req.Priority = &prio
		req.Metadata.AppData = string(rune('0' + p))
		_, err := frodo.upload.Upload(ctx, req)
		require.NoError(t, err)
	}

	_, err := frodo.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3", "5"}, order)
}

func TestOutbox_DependencyIsSentFirst(t *testing.T) {
	net, frodo, _ := setupPair(t, fullGrant)
	ctx := context.Background()

	var order []string
	net.onDeliver = func(_ string, pkg *transit.PeerPackage) { order = append(order, pkg.Metadata.AppData) }

	first := encryptedUpload("sam.dotyou.cloud")
	first.Metadata.AppData = "parent"
	resA, err := frodo.upload.Upload(ctx, first)
	require.NoError(t, err)

	second := encryptedUpload("sam.dotyou.cloud")
	second.Metadata.AppData = "child"
	urgent := 0
	second.Priority = &urgent
	second.DependencyFileID = &resA.File.FileID
	_, err = frodo.upload.Upload(ctx, second)
	require.NoError(t, err)

	_, err = frodo.outbox.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent", "child"}, order)
}

func TestOutbox_BackoffCurve(t *testing.T) {
	p := NewOutboxProcessor(nil, nil, nil, nil, testOutboxConfig, newRecLogger())
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second,
		160 * time.Second, 320 * time.Second, 10 * time.Minute, 10 * time.Minute,
	}
	for i, w := range want {
		assert.Equal(t, w, p.backoffFor(i+1), "attempt %d", i+1)
	}
}

func TestOutboxProcessor_RunDeliversAndStops(t *testing.T) {
	_, frodo, _ := setupPair(t, fullGrant)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- frodo.outbox.Run(ctx) }()

	res, err := frodo.upload.Upload(context.Background(), encryptedUpload("sam.dotyou.cloud"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := frodo.ledger.Get(context.Background(), res.File, "sam.dotyou.cloud")
		return err == nil && rec.LatestStatus == transit.StatusDelivered
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}
