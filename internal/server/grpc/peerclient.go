package grpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/auth"
	"github.com/dmitrijs2005/peertransit/internal/server/registry"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// dialPeer is a seam for tests to route connections in memory.
var dialPeer = func(address string) (*grpc.ClientConn, error) {
	return grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
}

// PeerClient delivers packages to other hosts. Connections are kept per
// address and reused.
type PeerClient struct {
	self     string
	registry registry.Registry
	secrets  SecretSource
	tokenTTL time.Duration
	timeout  time.Duration
	logger   logging.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewPeerClient(self string, reg registry.Registry, secrets SecretSource, tokenTTL, timeout time.Duration, logger logging.Logger) *PeerClient {
	return &PeerClient{
		self:     self,
		registry: reg,
		secrets:  secrets,
		tokenTTL: tokenTTL,
		timeout:  timeout,
		logger:   logger.With("module", "peer_client"),
		conns:    map[string]*grpc.ClientConn{},
	}
}

func (c *PeerClient) conn(address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[address]; ok {
		return cc, nil
	}
	cc, err := dialPeer(address)
	if err != nil {
		return nil, err
	}
	c.conns[address] = cc
	return cc, nil
}

// Deliver sends pkg to recipient and returns its outcome. Every failure to
// obtain an outcome wraps common.ErrRecipientUnreachable.
func (c *PeerClient) Deliver(ctx context.Context, recipient string, pkg *transit.PeerPackage) (transit.Outcome, error) {
	host, err := c.registry.Resolve(ctx, recipient)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrRecipientUnreachable, err)
	}

	token, err := c.transitToken(ctx, host.Identity)
	if err != nil {
		return "", err
	}

	cc, err := c.conn(host.Address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrRecipientUnreachable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, common.TransitTokenHeaderName, token)
	}

	resp := &DeliverResponse{}
	if err := cc.Invoke(ctx, "/"+PeerServiceName+"/Deliver", &DeliverRequest{Package: pkg}, resp); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrRecipientUnreachable, err)
	}
	return resp.Outcome, nil
}

// transitToken signs a token for recipient. Without a connection the
// package goes out unauthenticated and the recipient decides.
func (c *PeerClient) transitToken(ctx context.Context, recipient string) (string, error) {
	secret, err := c.secrets.SharedSecret(ctx, recipient)
	if err != nil {
		if errors.Is(err, common.ErrUnknownIdentity) {
			c.logger.Warn(ctx, "no connection with recipient, sending anonymously", "recipient", recipient)
			return "", nil
		}
		return "", err
	}
	defer common.WipeByteArray(secret)
	return auth.GenerateTransitToken(c.self, recipient, secret, c.tokenTTL)
}

// Close closes every cached connection.
func (c *PeerClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}
