package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"namingpush/internal/payload"
)

// GRPCChannel is a Channel backed by a gRPC client connection
type GRPCChannel struct {
	address string
	conn    *grpc.ClientConn
	logger  zerolog.Logger
}

// NewGRPCFactory returns a Factory dialing gRPC channels with extra options
func NewGRPCFactory(logger zerolog.Logger, opts ...grpc.DialOption) Factory {
	return func(address string) (Channel, error) {
		return DialGRPC(address, logger, opts...)
	}
}

// DialGRPC creates a lazily connecting gRPC channel for address
func DialGRPC(address string, logger zerolog.Logger, opts ...grpc.DialOption) (*GRPCChannel, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(payload.CodecName)),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	return &GRPCChannel{
		address: address,
		conn:    conn,
		logger:  logger.With().Str("component", "grpc-channel").Str("address", address).Logger(),
	}, nil
}

// Address implements Channel
func (c *GRPCChannel) Address() string {
	return c.address
}

// State implements Channel
func (c *GRPCChannel) State(tryConnect bool) ConnState {
	s := c.conn.GetState()
	if tryConnect && s == connectivity.Idle {
		c.conn.Connect()
	}
	return fromConnectivity(s)
}

// OpenStream implements Channel
func (c *GRPCChannel) OpenStream(ctx context.Context) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(ctx, &payload.BiStreamDesc, payload.BiStreamFullMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream to %s: %w", c.address, err)
	}
	c.logger.Debug().Msg("stream opened")
	return &grpcClientStream{cs: cs, cancel: cancel}, nil
}

// Close implements Channel
func (c *GRPCChannel) Close() error {
	return c.conn.Close()
}

func fromConnectivity(s connectivity.State) ConnState {
	switch s {
	case connectivity.Idle:
		return Idle
	case connectivity.Connecting:
		return Connecting
	case connectivity.Ready:
		return Ready
	case connectivity.TransientFailure:
		return TransientFailure
	default:
		return Shutdown
	}
}

type grpcClientStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcClientStream) Send(f *payload.Frame) error {
	return s.cs.SendMsg(f)
}

func (s *grpcClientStream) Recv() (*payload.Frame, error) {
	f := new(payload.Frame)
	if err := s.cs.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Close cancels the stream context. CloseSend is not used since it may not
// run concurrently with SendMsg.
func (s *grpcClientStream) Close() error {
	s.cancel()
	return nil
}
