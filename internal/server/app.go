// Package server wires one identity host together: storage, key handling,
// the outbox and inbox workers, and the gRPC endpoint serving peers and the
// owner.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/peertransit/internal/cryptox"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/access"
	"github.com/dmitrijs2005/peertransit/internal/server/config"
	"github.com/dmitrijs2005/peertransit/internal/server/keys"
	"github.com/dmitrijs2005/peertransit/internal/server/payloads"
	"github.com/dmitrijs2005/peertransit/internal/server/registry"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/peertransit/internal/server/services"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/peertransit/internal/server/grpc"
)

// openDB is a seam for tests.
var openDB = func(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	server *gs.GRPCServer
	peers  *gs.PeerClient
	outbox *services.OutboxProcessor
	inbox  *services.InboxProcessor
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(os.Stdout, slog.LevelInfo).With("identity", c.Identity)

	db, err := openDB(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	reg := registry.NewStatic(c.Identity, c.S3Bucket, c.Peers)
	ps, err := payloads.NewS3Store(ctx, c, reg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("payload store init error: %w", err)
	}

	masterKey := cryptox.DeriveMasterKey([]byte(c.MasterPassword), []byte(c.MasterSalt))
	kg := keys.NewGateway(c.Identity, masterKey, m.Drives(db), m.Connections(db))

	ledger := services.NewLedger(db, m)
	peers := gs.NewPeerClient(c.Identity, reg, kg, c.TransitTokenValidityDuration, c.PeerCallTimeout, logger)

	sender := services.NewSender(c.Identity, m, kg, ps, peers, logger)
	outbox := services.NewOutboxProcessor(db, m, sender, ledger, services.OutboxConfigFrom(c), logger)

	writer := services.NewFileWriter(m, kg, ps, logger)
	resolver := access.NewResolver(m.Connections(db), logger)
	inbound := services.NewPeerInbound(db, m, resolver, kg, writer, ps, logger)
	inbox := services.NewInboxProcessor(db, m, kg, writer, ledger, services.InboxConfigFrom(c), logger)

	svc := gs.Services{
		Inbound: inbound,
		Upload:  services.NewUploadService(c.Identity, db, m, kg, ps, ledger, outbox, logger),
		Ledger:  ledger,
		Outbox:  services.NewOutboxService(db, m, ledger, outbox),
		Inbox:   inbox,
		Host:    services.NewHostService(db, m, kg, logger),
		Secrets: kg,
	}
	server := gs.NewGRPCServer(c.EndpointAddrGRPC, c.Identity, logger, svc, c.SecretKey)

	return &App{
		config: c,
		logger: logger,
		db:     db,
		server: server,
		peers:  peers,
		outbox: outbox,
		inbox:  inbox,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run blocks until a signal arrives or one of the components fails. The
// first failure stops the others.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "grpc", app.config.EndpointAddrGRPC)

	app.initSignalHandler(cancelFunc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.server.Run(gctx) })
	g.Go(func() error { return app.outbox.Run(gctx) })
	g.Go(func() error { return app.inbox.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		app.logger.Error(ctx, "app stopped", "err", err)
	}

	if cerr := app.close(); cerr != nil {
		app.logger.Error(context.Background(), "shutdown", "err", cerr)
	}
	app.logger.Info(context.Background(), "App stopped")
	return err
}

func (app *App) close() error {
	return errors.Join(app.peers.Close(), app.db.Close())
}
