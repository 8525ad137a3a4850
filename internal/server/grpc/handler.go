package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/cryptox"
	"github.com/dmitrijs2005/peertransit/internal/server/services"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// defaultWaitTimeout applies when WaitForEmptyOutbox is called without one.
const defaultWaitTimeout = 30 * time.Second

// mapError turns a service error into a status. Unexpected errors are
// logged and reported without detail.
func (s *GRPCServer) mapError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrorNotFound), errors.Is(err, common.ErrDriveNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, common.ErrorBadRequest),
		errors.Is(err, common.ErrorIncorrectMetadata),
		errors.Is(err, common.ErrVersionConflict),
		errors.Is(err, common.ErrUnknownIdentity),
		errors.Is(err, cryptox.ErrDecryption):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrorAccessDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	s.logger.Error(ctx, "request failed", "err", err)
	return status.Error(codes.Internal, "internal error")
}

func (s *GRPCServer) Deliver(ctx context.Context, req *DeliverRequest) (*DeliverResponse, error) {
	if req.Package == nil {
		return &DeliverResponse{Outcome: transit.OutcomeRejectedBadRequest}, nil
	}
	outcome := s.svc.Inbound.Receive(ctx, callerFrom(ctx), req.Package)
	return &DeliverResponse{Outcome: outcome}, nil
}

func (s *GRPCServer) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	res, err := s.svc.Upload.Upload(ctx, &services.UploadRequest{
		Instructions:     req.Instructions,
		Kind:             req.Kind,
		Metadata:         req.Metadata,
		Payload:          req.Payload,
		Priority:         req.Priority,
		DependencyFileID: req.DependencyFileID,
	})
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &UploadResponse{
		File:            res.File,
		GlobalTransitID: res.GlobalTransitID,
		VersionTag:      res.VersionTag,
		Recipients:      res.Recipients,
	}, nil
}

func (s *GRPCServer) DeleteFile(ctx context.Context, req *FileRequest) (*Empty, error) {
	if err := s.svc.Upload.DeleteFile(ctx, req.File); err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) SendReadReceipt(ctx context.Context, req *FileRequest) (*Empty, error) {
	if err := s.svc.Upload.SendReadReceipt(ctx, req.File); err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) GetTransferHistory(ctx context.Context, req *FileRequest) (*TransferHistoryResponse, error) {
	records, err := s.svc.Ledger.GetAll(ctx, req.File)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &TransferHistoryResponse{Records: records}, nil
}

func (s *GRPCServer) WaitForEmptyOutbox(ctx context.Context, req *WaitForEmptyOutboxRequest) (*Empty, error) {
	timeout := req.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if err := s.svc.Ledger.WaitForEmptyOutbox(ctx, req.DriveID, timeout, s.pollEvery); err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) ListOutbox(ctx context.Context, req *DriveFilter) (*OutboxListResponse, error) {
	items, err := s.svc.Outbox.List(ctx, req.DriveID)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	resp := &OutboxListResponse{Items: make([]OutboxItem, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, toOutboxItem(it))
	}
	return resp, nil
}

func (s *GRPCServer) GetOutboxItem(ctx context.Context, req *ItemRequest) (*OutboxItem, error) {
	it, err := s.svc.Outbox.Get(ctx, req.ID)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	out := toOutboxItem(it)
	return &out, nil
}

func (s *GRPCServer) RemoveOutboxItem(ctx context.Context, req *ItemRequest) (*Empty, error) {
	if err := s.svc.Outbox.Remove(ctx, req.ID); err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) SetOutboxPriority(ctx context.Context, req *SetPriorityRequest) (*Empty, error) {
	if err := s.svc.Outbox.SetPriority(ctx, req.ID, req.Priority); err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) ProcessOutbox(ctx context.Context, _ *Empty) (*ProcessOutboxResponse, error) {
	n, err := s.svc.Outbox.ProcessNow(ctx)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &ProcessOutboxResponse{Processed: n}, nil
}

func (s *GRPCServer) ListInbox(ctx context.Context, req *DriveFilter) (*InboxListResponse, error) {
	items, err := s.svc.Inbox.List(ctx, req.DriveID)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	resp := &InboxListResponse{Items: make([]InboxItem, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, toInboxItem(it))
	}
	return resp, nil
}

func (s *GRPCServer) GetInboxItem(ctx context.Context, req *ItemRequest) (*InboxItem, error) {
	it, err := s.svc.Inbox.Get(ctx, req.ID)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	out := toInboxItem(it)
	return &out, nil
}

func (s *GRPCServer) RemoveInboxItem(ctx context.Context, req *ItemRequest) (*Empty, error) {
	if err := s.svc.Inbox.Remove(ctx, req.ID); err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) ProcessInbox(ctx context.Context, req *DriveFilter) (*InboxResultResponse, error) {
	res, err := s.svc.Inbox.ProcessNow(ctx, req.DriveID)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &InboxResultResponse{Applied: res.Applied, Discarded: res.Discarded, Pending: res.Pending}, nil
}

func (s *GRPCServer) CreateDrive(ctx context.Context, req *CreateDriveRequest) (*Drive, error) {
	d, err := s.svc.Host.CreateDrive(ctx, req.Target, req.Name)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	out := toDrive(d)
	return &out, nil
}

func (s *GRPCServer) ListDrives(ctx context.Context, _ *Empty) (*ListDrivesResponse, error) {
	drives, err := s.svc.Host.ListDrives(ctx)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	resp := &ListDrivesResponse{Drives: make([]Drive, 0, len(drives))}
	for _, d := range drives {
		resp.Drives = append(resp.Drives, toDrive(d))
	}
	return resp, nil
}

func (s *GRPCServer) DeleteDrive(ctx context.Context, req *ItemRequest) (*Empty, error) {
	if err := s.svc.Host.DeleteDrive(ctx, req.ID); err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) UpsertConnection(ctx context.Context, req *UpsertConnectionRequest) (*Empty, error) {
	if err := s.svc.Host.UpsertConnection(ctx, req.Identity, req.SharedSecret, req.Blocked, req.Grants); err != nil {
		return nil, s.mapError(ctx, err)
	}
	return &Empty{}, nil
}
