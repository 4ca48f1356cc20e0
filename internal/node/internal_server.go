package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the gRPC service carrying membership traffic. The
	// health service reports it SERVING while the node is a member.
	ServiceName   = "clusterd.Membership"
	deliverMethod = "/clusterd.Membership/Deliver"
	frameCodec    = "clusterd-frame"
)

// frame is an encoded protocol message. It travels as raw bytes: the
// membership codec already produced the wire format.
type frame struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("frame codec cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("frame codec cannot unmarshal into %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

func (rawCodec) Name() string { return frameCodec }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// deliverServer is implemented by Transport.
type deliverServer interface {
	Deliver(ctx context.Context, in *frame) (*frame, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*frame))
	}
	return interceptor(ctx, in, info, handler)
}

var membershipServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clusterd/membership",
}

// RegisterMembershipServer registers t on s.
func RegisterMembershipServer(s grpc.ServiceRegistrar, t *Transport) {
	s.RegisterService(&membershipServiceDesc, t)
}

// Deliver decodes an inbound frame and hands it to the coordinator.
func (t *Transport) Deliver(ctx context.Context, in *frame) (*frame, error) {
	if t.closed.Load() {
		return nil, status.Error(codes.Unavailable, "transport closed")
	}
	msg, err := t.codec.Decode(in.data)
	if err != nil {
		t.log.Warn("dropping malformed frame", zap.Int("bytes", len(in.data)), zap.Error(err))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if h := t.handler.Load(); h != nil {
		(*h).OnReceive(msg)
	}
	return &frame{}, nil
}
