package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const (
	// CallerKey holds the authenticated peer identity on delivery calls.
	// It is "" when the caller could not be authenticated.
	CallerKey ctxKey = "caller"
	// OwnerKey holds the owner identity on admin calls.
	OwnerKey ctxKey = "owner"
)

func headerValue(ctx context.Context, name string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(name); len(values) > 0 {
		return values[0]
	}
	return ""
}

func callerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(CallerKey).(string)
	return caller
}

// authInterceptor authenticates peers on the delivery service and the
// owner on the admin service. A peer that fails authentication is not
// rejected here; it proceeds as anonymous and the grant check denies it.
func (s *GRPCServer) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	switch {
	case strings.HasPrefix(info.FullMethod, "/"+PeerServiceName+"/"):
		return handler(context.WithValue(ctx, CallerKey, s.authenticatePeer(ctx)), req)

	case strings.HasPrefix(info.FullMethod, "/"+AdminServiceName+"/"):
		token := headerValue(ctx, common.OwnerTokenHeaderName)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing token")
		}
		identity, err := auth.GetIdentityFromToken(token, s.jwtSecret)
		if err != nil {
			if errors.Is(err, common.ErrTokenExpired) {
				return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
			}
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if identity != s.identity {
			return nil, status.Error(codes.PermissionDenied, "not the owner of this host")
		}
		return handler(context.WithValue(ctx, OwnerKey, identity), req)
	}

	return handler(ctx, req)
}

func (s *GRPCServer) authenticatePeer(ctx context.Context) string {
	token := headerValue(ctx, common.TransitTokenHeaderName)
	if token == "" || s.svc.Secrets == nil {
		return ""
	}
	caller, err := auth.VerifyTransitToken(token, s.identity, func(identity string) ([]byte, error) {
		return s.svc.Secrets.SharedSecret(ctx, identity)
	})
	if err != nil {
		s.logger.Info(ctx, "transit token rejected, continuing as anonymous", "err", err)
		return ""
	}
	return caller
}

// recoverInterceptor turns a handler panic into an Internal status.
func (s *GRPCServer) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "panic in handler", "method", info.FullMethod, "panic", r)
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}
