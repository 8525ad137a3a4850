package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/peertransit/internal/dbx"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/connections"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/drivefiles"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/drives"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/inbox"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/ledger"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/outbox"
)

// RepositoryManager vends repositories bound to a handle, which may be the
// pool, a worker session or a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Outbox(db dbx.DBTX) outbox.Repository
	Inbox(db dbx.DBTX) inbox.Repository
	Ledger(db dbx.DBTX) ledger.Repository
	DriveFiles(db dbx.DBTX) drivefiles.Repository
	Drives(db dbx.DBTX) drives.Repository
	Connections(db dbx.DBTX) connections.Repository
}
