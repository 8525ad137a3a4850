package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	PeerServiceName  = "peertransit.PeerTransit"
	AdminServiceName = "peertransit.HostAdmin"
)

// PeerTransitServer is the surface other hosts call.
type PeerTransitServer interface {
	Deliver(context.Context, *DeliverRequest) (*DeliverResponse, error)
}

// HostAdminServer is the owner's surface.
type HostAdminServer interface {
	Upload(context.Context, *UploadRequest) (*UploadResponse, error)
	DeleteFile(context.Context, *FileRequest) (*Empty, error)
	SendReadReceipt(context.Context, *FileRequest) (*Empty, error)
	GetTransferHistory(context.Context, *FileRequest) (*TransferHistoryResponse, error)
	WaitForEmptyOutbox(context.Context, *WaitForEmptyOutboxRequest) (*Empty, error)

	ListOutbox(context.Context, *DriveFilter) (*OutboxListResponse, error)
	GetOutboxItem(context.Context, *ItemRequest) (*OutboxItem, error)
	RemoveOutboxItem(context.Context, *ItemRequest) (*Empty, error)
	SetOutboxPriority(context.Context, *SetPriorityRequest) (*Empty, error)
	ProcessOutbox(context.Context, *Empty) (*ProcessOutboxResponse, error)

	ListInbox(context.Context, *DriveFilter) (*InboxListResponse, error)
	GetInboxItem(context.Context, *ItemRequest) (*InboxItem, error)
	RemoveInboxItem(context.Context, *ItemRequest) (*Empty, error)
	ProcessInbox(context.Context, *DriveFilter) (*InboxResultResponse, error)

	CreateDrive(context.Context, *CreateDriveRequest) (*Drive, error)
	ListDrives(context.Context, *Empty) (*ListDrivesResponse, error)
	DeleteDrive(context.Context, *ItemRequest) (*Empty, error)
	UpsertConnection(context.Context, *UpsertConnectionRequest) (*Empty, error)
}

// unary builds a method descriptor around a typed handler, the way
// generated code does for each RPC.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(S)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(s, ctx, r.(*Req))
			})
		},
	}
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: PeerServiceName,
	HandlerType: (*PeerTransitServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(PeerServiceName, "Deliver", PeerTransitServer.Deliver),
	},
	Metadata: "peertransit",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*HostAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "Upload", HostAdminServer.Upload),
		unary(AdminServiceName, "DeleteFile", HostAdminServer.DeleteFile),
		unary(AdminServiceName, "SendReadReceipt", HostAdminServer.SendReadReceipt),
		unary(AdminServiceName, "GetTransferHistory", HostAdminServer.GetTransferHistory),
		unary(AdminServiceName, "WaitForEmptyOutbox", HostAdminServer.WaitForEmptyOutbox),
		unary(AdminServiceName, "ListOutbox", HostAdminServer.ListOutbox),
		unary(AdminServiceName, "GetOutboxItem", HostAdminServer.GetOutboxItem),
		unary(AdminServiceName, "RemoveOutboxItem", HostAdminServer.RemoveOutboxItem),
		unary(AdminServiceName, "SetOutboxPriority", HostAdminServer.SetOutboxPriority),
		unary(AdminServiceName, "ProcessOutbox", HostAdminServer.ProcessOutbox),
		unary(AdminServiceName, "ListInbox", HostAdminServer.ListInbox),
		unary(AdminServiceName, "GetInboxItem", HostAdminServer.GetInboxItem),
		unary(AdminServiceName, "RemoveInboxItem", HostAdminServer.RemoveInboxItem),
		unary(AdminServiceName, "ProcessInbox", HostAdminServer.ProcessInbox),
		unary(AdminServiceName, "CreateDrive", HostAdminServer.CreateDrive),
		unary(AdminServiceName, "ListDrives", HostAdminServer.ListDrives),
		unary(AdminServiceName, "DeleteDrive", HostAdminServer.DeleteDrive),
		unary(AdminServiceName, "UpsertConnection", HostAdminServer.UpsertConnection),
	},
	Metadata: "peertransit",
}
