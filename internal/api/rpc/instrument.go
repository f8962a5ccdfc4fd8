// Package rpc is the gRPC surface of the instrument service. Messages use the
// protobuf well-known types, so the service descriptor is written by hand.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "m2k.v1.Instrument"

	GetStatusMethod     = "/" + ServiceName + "/GetStatus"
	CalibrateMethod     = "/" + ServiceName + "/Calibrate"
	StreamSamplesMethod = "/" + ServiceName + "/StreamSamples"
)

// InstrumentServer is the server API of m2k.v1.Instrument.
//
//	GetStatus(Empty) returns (Struct)
//	Calibrate(Struct{target}) returns (Struct)
//	StreamSamples(Struct{source, samples_per_frame, max_frame_rate, max_frames}) returns (stream Struct)
type InstrumentServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Calibrate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamSamples(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

func RegisterInstrumentServer(s grpc.ServiceRegistrar, srv InstrumentServer) {
	s.RegisterService(&Instrument_ServiceDesc, srv)
}

func _Instrument_GetStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InstrumentServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InstrumentServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Instrument_Calibrate_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InstrumentServer).Calibrate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CalibrateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InstrumentServer).Calibrate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Instrument_StreamSamples_Handler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(InstrumentServer).StreamSamples(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var Instrument_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InstrumentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Instrument_GetStatus_Handler},
		{MethodName: "Calibrate", Handler: _Instrument_Calibrate_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamSamples", Handler: _Instrument_StreamSamples_Handler, ServerStreams: true},
	},
	Metadata: "m2k/v1/instrument.proto",
}

// InstrumentClient is the client API of m2k.v1.Instrument.
type InstrumentClient interface {
	GetStatus(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Calibrate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	StreamSamples(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type instrumentClient struct {
	cc grpc.ClientConnInterface
}

func NewInstrumentClient(cc grpc.ClientConnInterface) InstrumentClient {
	return &instrumentClient{cc}
}

func (c *instrumentClient) GetStatus(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *instrumentClient) Calibrate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CalibrateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *instrumentClient) StreamSamples(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &Instrument_ServiceDesc.Streams[0], StreamSamplesMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
