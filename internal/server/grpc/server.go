// Package grpc exposes the identity host over gRPC: the peer delivery
// endpoint other hosts call, and the owner's admin surface.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/services"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// maxMessageSize leaves room for payload bytes travelling inline.
const maxMessageSize = 64 << 20

type PeerReceiver interface {
	Receive(ctx context.Context, caller string, pkg *transit.PeerPackage) transit.Outcome
}

type UploadService interface {
	Upload(ctx context.Context, req *services.UploadRequest) (*services.UploadResult, error)
	DeleteFile(ctx context.Context, file transit.FileIdentifier) error
	SendReadReceipt(ctx context.Context, file transit.FileIdentifier) error
}

type LedgerService interface {
	GetAll(ctx context.Context, file transit.FileIdentifier) ([]transit.RecipientTransferRecord, error)
	WaitForEmptyOutbox(ctx context.Context, driveID uuid.UUID, timeout, pollEvery time.Duration) error
}

type OutboxService interface {
	List(ctx context.Context, driveID *uuid.UUID) ([]*models.OutboxItem, error)
	Get(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error)
	Remove(ctx context.Context, id uuid.UUID) error
	SetPriority(ctx context.Context, id uuid.UUID, priority int) error
	ProcessNow(ctx context.Context) (int, error)
}

type InboxService interface {
	List(ctx context.Context, driveID *uuid.UUID) ([]*models.InboxItem, error)
	Get(ctx context.Context, id uuid.UUID) (*models.InboxItem, error)
	Remove(ctx context.Context, id uuid.UUID) error
	ProcessNow(ctx context.Context, driveID *uuid.UUID) (services.InboxResult, error)
}

type HostService interface {
	CreateDrive(ctx context.Context, target transit.TargetDrive, name string) (*models.Drive, error)
	ListDrives(ctx context.Context) ([]*models.Drive, error)
	DeleteDrive(ctx context.Context, id uuid.UUID) error
	UpsertConnection(ctx context.Context, identity string, sharedSecret []byte, blocked bool, grants []services.DriveGrant) error
}

// SecretSource returns the shared secret held for a connected identity.
type SecretSource interface {
	SharedSecret(ctx context.Context, identity string) ([]byte, error)
}

// Services groups what the handlers delegate to.
type Services struct {
	Inbound PeerReceiver
	Upload  UploadService
	Ledger  LedgerService
	Outbox  OutboxService
	Inbox   InboxService
	Host    HostService
	Secrets SecretSource
}

type GRPCServer struct {
	address   string
	identity  string
	svc       Services
	logger    logging.Logger
	jwtSecret []byte
	// pollEvery is how often WaitForEmptyOutbox checks the outbox.
	pollEvery time.Duration
}

func NewGRPCServer(address, identity string, l logging.Logger, svc Services, secretKey string) *GRPCServer {
	return &GRPCServer{
		address:   address,
		identity:  identity,
		svc:       svc,
		logger:    l.With("module", "grpc_server"),
		jwtSecret: []byte(secretKey),
		pollEvery: 200 * time.Millisecond,
	}
}

// Register attaches both services and the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) *health.Server {
	srv.RegisterService(&peerServiceDesc, s)
	srv.RegisterService(&adminServiceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(PeerServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(AdminServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return hs
}

func (s *GRPCServer) newServer() *grpc.Server {
	return grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.recoverInterceptor, s.authInterceptor),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
}

// Run serves until ctx is done, then stops gracefully.
func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve is Run on an existing listener.
func (s *GRPCServer) Serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()
	hs := s.Register(srv)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		hs.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String(), "identity", s.identity)

	if err := srv.Serve(listen); err != nil {
		return err
	}
	<-stopped
	return nil
}
