package outbox

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columnNames = []string{"id", "drive_id", "file_id", "recipient", "instruction", "kind", "global_transit_id",
	"remote_drive_alias", "remote_drive_type", "payload_ref", "wrapped_key", "transfer_iv",
	"priority", "added_at", "next_run_at", "attempt_count", "last_error", "lease_id", "lease_expires_at", "revision",
	"dependency_file_id"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresRepository(db), mock, db
}

func TestUpsert_InsertsAndReturnsStoredIdentity(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	existing := uuid.New()
	item := &models.OutboxItem{
		DriveID: uuid.New(), FileID: uuid.New(), Recipient: "sam.dotyou.cloud",
		Instruction: "save_file", Kind: "standard", Priority: 100, AddedAt: now, NextRunAt: now,
		AttemptCount: 4, LastError: "old",
	}

	q := `(?s)^\s*INSERT\s+INTO\s+outbox\b.*ON\s+CONFLICT\s*\(drive_id,\s*file_id,\s*recipient\).*attempt_count\s*=\s*0.*revision\s*=\s*outbox\.revision\s*\+\s*1.*RETURNING\s+id,\s*revision,\s*added_at`
	mock.ExpectQuery(q).
		WithArgs(sqlmock.AnyArg(), item.DriveID, item.FileID, "sam.dotyou.cloud", "save_file", "standard", uuid.Nil,
			uuid.Nil, uuid.Nil, false, []byte(nil), []byte(nil),
			100, now, now, uuid.NullUUID{}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "revision", "added_at"}).AddRow(existing.String(), int64(2), now.Add(-time.Hour)))

	require.NoError(t, repo.Upsert(context.Background(), item))
	assert.Equal(t, existing, item.ID)
	assert.Equal(t, int64(2), item.Revision)
	assert.Equal(t, now.Add(-time.Hour), item.AddedAt)
	assert.Equal(t, 0, item.AttemptCount)
	assert.Empty(t, item.LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT\s+INTO\s+outbox`).WillReturnError(errors.New("db down"))

	err := repo.Upsert(context.Background(), &models.OutboxItem{})
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`db error: .*db down`), err.Error())
}

func TestLeaseNext(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	leaseID := uuid.New()
	id, drive, file, dep := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	gtid, alias, typ := uuid.New(), uuid.New(), uuid.New()
	until := now.Add(time.Minute)

	q := `(?s)^\s*UPDATE\s+outbox\s+SET\s+lease_id\s*=\s*\$1.*FOR\s+UPDATE\s+SKIP\s+LOCKED.*RETURNING`
	mock.ExpectQuery(q).
		WithArgs(leaseID, until, now).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(
			id.String(), drive.String(), file.String(), "sam.dotyou.cloud", "save_file", "comment", gtid.String(),
			alias.String(), typ.String(), true, []byte("wk"), []byte("iv"),
			5, now, now, 2, "unreachable", leaseID.String(), until, int64(3), dep.String()))

	item, err := repo.LeaseNext(context.Background(), now, leaseID, until)
	require.NoError(t, err)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, "comment", item.Kind)
	assert.Equal(t, gtid, item.GlobalTransitID)
	assert.Equal(t, alias, item.RemoteDriveAlias)
	assert.Equal(t, typ, item.RemoteDriveType)
	assert.True(t, item.PayloadRef)
	assert.Equal(t, 5, item.Priority)
	assert.Equal(t, 2, item.AttemptCount)
	require.NotNil(t, item.LeaseID)
	assert.Equal(t, leaseID, *item.LeaseID)
	require.NotNil(t, item.DependencyFileID)
	assert.Equal(t, dep, *item.DependencyFileID)
	assert.Equal(t, int64(3), item.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseNext_NothingReady(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE\s+outbox\s+SET\s+lease_id`).WillReturnRows(sqlmock.NewRows(columnNames))

	_, err := repo.LeaseNext(context.Background(), time.Now(), uuid.New(), time.Now())
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestComplete(t *testing.T) {
	id, lease := uuid.New(), uuid.New()
	q := `^DELETE FROM outbox WHERE id = \$1 AND lease_id = \$2 AND revision = \$3$`

	t.Run("held", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()
		mock.ExpectExec(q).WithArgs(id, lease, int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, repo.Complete(context.Background(), id, lease, 1))
	})

	t.Run("lost", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()
		mock.ExpectExec(q).WithArgs(id, lease, int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, repo.Complete(context.Background(), id, lease, 1), common.ErrLeaseLost)
	})

	t.Run("rows affected error", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()
		mock.ExpectExec(q).WillReturnResult(sqlmock.NewErrorResult(errors.New("rows-err")))
		err := repo.Complete(context.Background(), id, lease, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rows affected error")
	})
}

func TestReschedule(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	id, lease := uuid.New(), uuid.New()
	next := time.Now().Add(5 * time.Second)

	q := `(?s)UPDATE\s+outbox\s+SET\s+attempt_count\s*=\s*attempt_count\s*\+\s*1.*lease_id\s*=\s*NULL.*WHERE\s+id\s*=\s*\$1\s+AND\s+lease_id\s*=\s*\$2\s+AND\s+revision\s*=\s*\$3`
	mock.ExpectExec(q).WithArgs(id, lease, int64(2), next, "dial tcp: refused").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(id, lease, int64(2), next, "dial tcp: refused").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.Reschedule(context.Background(), id, lease, 2, next, "dial tcp: refused"))
	assert.ErrorIs(t, repo.Reschedule(context.Background(), id, lease, 2, next, "dial tcp: refused"), common.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLease_IgnoresMissing(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	id, lease := uuid.New(), uuid.New()
	mock.ExpectExec(`UPDATE outbox SET lease_id = NULL`).WithArgs(id, lease).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.NoError(t, repo.ReleaseLease(context.Background(), id, lease))
}

func TestRemoveAndSetPriority(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	id := uuid.New()
	mock.ExpectExec(`^DELETE FROM outbox WHERE id = \$1$`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^DELETE FROM outbox WHERE id = \$1$`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^UPDATE outbox SET priority = \$2 WHERE id = \$1$`).WithArgs(id, -10).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^UPDATE outbox SET priority = \$2 WHERE id = \$1$`).WithArgs(id, 3).WillReturnError(errors.New("boom"))

	assert.NoError(t, repo.Remove(context.Background(), id))
	assert.ErrorIs(t, repo.Remove(context.Background(), id), common.ErrorNotFound)
	assert.NoError(t, repo.SetPriority(context.Background(), id, -10))
	assert.Error(t, repo.SetPriority(context.Background(), id, 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM outbox WHERE id = \$1`).WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(
			id.String(), uuid.NewString(), uuid.NewString(), "r", "save_file", "standard", uuid.NewString(), uuid.NewString(), uuid.NewString(), false, nil, nil, 0, now, now, 0, "", nil, nil, int64(1), nil))
	mock.ExpectQuery(`SELECT .* FROM outbox WHERE id = \$1`).WithArgs(id).WillReturnError(sql.ErrNoRows)

	item, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, item.LeaseID)
	assert.Nil(t, item.LeaseExpiresAt)
	assert.Nil(t, item.DependencyFileID)

	_, err = repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestList(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	drive := uuid.New()
	mock.ExpectQuery(`(?s)SELECT .* FROM outbox.*ORDER BY priority ASC, next_run_at ASC`).
		WithArgs(uuid.NullUUID{UUID: drive, Valid: true}).
		WillReturnRows(sqlmock.NewRows(columnNames).
			AddRow(uuid.NewString(), drive.String(), uuid.NewString(), "a", "save_file", "standard", uuid.NewString(), uuid.NewString(), uuid.NewString(), false, nil, nil, 0, now, now, 0, "", nil, nil, int64(1), nil).
			AddRow(uuid.NewString(), drive.String(), uuid.NewString(), "b", "save_file", "standard", uuid.NewString(), uuid.NewString(), uuid.NewString(), false, nil, nil, 1, now, now, 0, "", nil, nil, int64(1), nil))

	items, err := repo.List(context.Background(), &drive)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Recipient)
	assert.Equal(t, "b", items[1].Recipient)
}

func TestCountByDriveAndExists(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	drive, file := uuid.New(), uuid.New()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM outbox WHERE drive_id = \$1`).WithArgs(drive).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(drive, file, "sam").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	n, err := repo.CountByDrive(context.Background(), drive)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ok, err := repo.Exists(context.Background(), drive, file, "sam")
	require.NoError(t, err)
	assert.True(t, ok)
}
