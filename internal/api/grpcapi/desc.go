package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	getStatusMethod   = "/" + ServiceName + "/GetStatus"
	watchStatusMethod = "/" + ServiceName + "/WatchStatus"
	invokeMethod      = "/" + ServiceName + "/Invoke"
)

// ServiceDesc describes the DeviceCore service. It is written by hand
// because every message is a well-known type.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchStatus", Handler: watchStatusHandler, ServerStreams: true},
	},
	Metadata: "devicecore/v1/devicecore.proto",
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceCoreServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceCoreServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceCoreServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceCoreServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchStatusHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DeviceCoreServer).WatchStatus(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// Client calls a DeviceCore server.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Invoke runs action with the given extra fields ("path", "address").
func (c *Client) Invoke(ctx context.Context, action string, fields map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	m := map[string]any{"action": action}
	for k, v := range fields {
		m[k] = v
	}
	in, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, invokeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) WatchStatus(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchStatusMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
