package grpcapi

import (
	"context"
	"slices"
	"strings"

	"github.com/KevinKickass/OpenDeviceCore/internal/auth"
	"github.com/KevinKickass/OpenDeviceCore/internal/backend"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServerOptions returns interceptors that check bearer tokens against a.
// The health service stays open.
func ServerOptions(a *auth.AuthService) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			method, ok := ownMethod(info.FullMethod)
			if !ok {
				return handler(ctx, req)
			}
			var action backend.Action
			if in, ok := req.(*structpb.Struct); ok {
				action = backend.Action(in.GetFields()["action"].GetStringValue())
			}
			if err := authorize(ctx, a, permissionFor(method, action)); err != nil {
				return nil, err
			}
			return handler(ctx, req)
		}),
		grpc.ChainStreamInterceptor(func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			method, ok := ownMethod(info.FullMethod)
			if !ok {
				return handler(srv, ss)
			}
			if err := authorize(ss.Context(), a, permissionFor(method, "")); err != nil {
				return err
			}
			return handler(srv, ss)
		}),
	}
}

func ownMethod(fullMethod string) (string, bool) {
	return strings.CutPrefix(fullMethod, "/"+ServiceName+"/")
}

func authorize(ctx context.Context, a *auth.AuthService, required auth.Permission) error {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	token, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	var addr string
	if p, ok := peer.FromContext(ctx); ok {
		addr = p.Addr.String()
	}
	perms, err := a.ValidateToken(token, addr)
	if err != nil {
		return status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	if !slices.Contains(perms, required) {
		return status.Errorf(codes.PermissionDenied, "requires %s permission", required)
	}
	return nil
}

// BearerToken attaches token to every call made with the returned option.
func BearerToken(token string) grpc.CallOption {
	return grpc.PerRPCCredsCallOption{Creds: bearer(token)}
}

type bearer string

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(b)}, nil
}

// Tokens travel over plaintext on the local link.
func (bearer) RequireTransportSecurity() bool { return false }
