package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "gencam.CameraService"

// CameraServiceServer is the command surface of one camera. Payloads are
// generic structs so the service needs no generated message types.
type CameraServiceServer interface {
	GetInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	TakeImages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetROI(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetFullFrame(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	StartLiveView(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StopLiveView(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	StartAutoExposure(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StopAutoExposure(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	StartStreamingMode(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StopStreamingMode(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ClearFault(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Events(*emptypb.Empty, grpc.ServerStream) error
}

func RegisterCameraServiceServer(s grpc.ServiceRegistrar, srv CameraServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

type unaryCall func(srv CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error)

func handler(method string, newIn func() interface{}, call unaryCall) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newIn()
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(CameraServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(s, ctx, req)
		})
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func newEmpty() interface{}  { return new(emptypb.Empty) }
func newStruct() interface{} { return new(structpb.Struct) }

func eventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CameraServiceServer).Events(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CameraServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInfo", Handler: handler("GetInfo", newEmpty, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.GetInfo(ctx, in.(*emptypb.Empty))
		})},
		{MethodName: "TakeImages", Handler: handler("TakeImages", newStruct, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.TakeImages(ctx, in.(*structpb.Struct))
		})},
		{MethodName: "SetROI", Handler: handler("SetROI", newStruct, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.SetROI(ctx, in.(*structpb.Struct))
		})},
		{MethodName: "SetFullFrame", Handler: handler("SetFullFrame", newEmpty, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.SetFullFrame(ctx, in.(*emptypb.Empty))
		})},
		{MethodName: "StartLiveView", Handler: handler("StartLiveView", newStruct, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.StartLiveView(ctx, in.(*structpb.Struct))
		})},
		{MethodName: "StopLiveView", Handler: handler("StopLiveView", newEmpty, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.StopLiveView(ctx, in.(*emptypb.Empty))
		})},
		{MethodName: "StartAutoExposure", Handler: handler("StartAutoExposure", newStruct, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.StartAutoExposure(ctx, in.(*structpb.Struct))
		})},
		{MethodName: "StopAutoExposure", Handler: handler("StopAutoExposure", newEmpty, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.StopAutoExposure(ctx, in.(*emptypb.Empty))
		})},
		{MethodName: "StartStreamingMode", Handler: handler("StartStreamingMode", newStruct, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.StartStreamingMode(ctx, in.(*structpb.Struct))
		})},
		{MethodName: "StopStreamingMode", Handler: handler("StopStreamingMode", newEmpty, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.StopStreamingMode(ctx, in.(*emptypb.Empty))
		})},
		{MethodName: "ClearFault", Handler: handler("ClearFault", newEmpty, func(s CameraServiceServer, ctx context.Context, in interface{}) (interface{}, error) {
			return s.ClearFault(ctx, in.(*emptypb.Empty))
		})},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
}
