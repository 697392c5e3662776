package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"namingpush/internal/payload"
	"namingpush/internal/upstream"
)

// BiStreamServer serves push streams accepted by the gRPC server
type BiStreamServer interface {
	HandleStream(ctx context.Context, stream upstream.Stream, remoteAddr string) error
}

var biStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: payload.BiStreamServiceName,
	HandlerType: (*BiStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    payload.BiStreamMethodName,
			Handler:       biStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "namingpush/bistream",
}

// RegisterBiStreamServer registers srv on s
func RegisterBiStreamServer(s grpc.ServiceRegistrar, srv BiStreamServer) {
	s.RegisterService(&biStreamServiceDesc, srv)
}

func biStreamHandler(srv any, stream grpc.ServerStream) error {
	remoteAddr := ""
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remoteAddr = p.Addr.String()
	}
	return srv.(BiStreamServer).HandleStream(stream.Context(), &grpcServerStream{stream: stream}, remoteAddr)
}

// grpcServerStream adapts grpc.ServerStream to upstream.Stream.
// The stream ends when the handler returns, so Close has nothing to do.
type grpcServerStream struct {
	stream grpc.ServerStream
}

func (s *grpcServerStream) Send(f *payload.Frame) error {
	return s.stream.SendMsg(f)
}

func (s *grpcServerStream) Recv() (*payload.Frame, error) {
	f := new(payload.Frame)
	if err := s.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *grpcServerStream) Close() error {
	return nil
}
