package grpc

import (
	"context"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// AdminClient calls the owner surface of one host.
type AdminClient struct {
	conn  *grpc.ClientConn
	token string
}

func NewAdminClient(endpointURL, token string, extra ...grpc.DialOption) (*AdminClient, error) {
	c := &AdminClient{token: token}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, extra...)
	conn, err := grpc.NewClient(endpointURL, opts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *AdminClient) accessTokenInterceptor(ctx context.Context, method string, req, reply any,
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	ctx = metadata.AppendToOutgoingContext(ctx, common.OwnerTokenHeaderName, c.token)
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (c *AdminClient) Close() error {
	return c.conn.Close()
}

func (c *AdminClient) call(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+AdminServiceName+"/"+method, req, resp)
}

func invoke[Resp any](ctx context.Context, c *AdminClient, method string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := c.call(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *AdminClient) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	return invoke[UploadResponse](ctx, c, "Upload", req)
}

func (c *AdminClient) DeleteFile(ctx context.Context, req *FileRequest) error {
	return c.call(ctx, "DeleteFile", req, &Empty{})
}

func (c *AdminClient) SendReadReceipt(ctx context.Context, req *FileRequest) error {
	return c.call(ctx, "SendReadReceipt", req, &Empty{})
}

func (c *AdminClient) GetTransferHistory(ctx context.Context, req *FileRequest) (*TransferHistoryResponse, error) {
	return invoke[TransferHistoryResponse](ctx, c, "GetTransferHistory", req)
}

func (c *AdminClient) WaitForEmptyOutbox(ctx context.Context, req *WaitForEmptyOutboxRequest) error {
	return c.call(ctx, "WaitForEmptyOutbox", req, &Empty{})
}

func (c *AdminClient) ListOutbox(ctx context.Context, req *DriveFilter) (*OutboxListResponse, error) {
	return invoke[OutboxListResponse](ctx, c, "ListOutbox", req)
}

func (c *AdminClient) RemoveOutboxItem(ctx context.Context, req *ItemRequest) error {
	return c.call(ctx, "RemoveOutboxItem", req, &Empty{})
}

func (c *AdminClient) SetOutboxPriority(ctx context.Context, req *SetPriorityRequest) error {
	return c.call(ctx, "SetOutboxPriority", req, &Empty{})
}

func (c *AdminClient) ProcessOutbox(ctx context.Context) (*ProcessOutboxResponse, error) {
	return invoke[ProcessOutboxResponse](ctx, c, "ProcessOutbox", &Empty{})
}

func (c *AdminClient) ListInbox(ctx context.Context, req *DriveFilter) (*InboxListResponse, error) {
	return invoke[InboxListResponse](ctx, c, "ListInbox", req)
}

func (c *AdminClient) RemoveInboxItem(ctx context.Context, req *ItemRequest) error {
	return c.call(ctx, "RemoveInboxItem", req, &Empty{})
}

func (c *AdminClient) ProcessInbox(ctx context.Context, req *DriveFilter) (*InboxResultResponse, error) {
	return invoke[InboxResultResponse](ctx, c, "ProcessInbox", req)
}

func (c *AdminClient) CreateDrive(ctx context.Context, req *CreateDriveRequest) (*Drive, error) {
	return invoke[Drive](ctx, c, "CreateDrive", req)
}

func (c *AdminClient) ListDrives(ctx context.Context) (*ListDrivesResponse, error) {
	return invoke[ListDrivesResponse](ctx, c, "ListDrives", &Empty{})
}

func (c *AdminClient) DeleteDrive(ctx context.Context, req *ItemRequest) error {
	return c.call(ctx, "DeleteDrive", req, &Empty{})
}

func (c *AdminClient) UpsertConnection(ctx context.Context, req *UpsertConnectionRequest) error {
	return c.call(ctx, "UpsertConnection", req, &Empty{})
}
