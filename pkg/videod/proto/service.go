package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VideoService_ProcessVideo_FullMethodName is the fully-qualified method name.
const VideoService_ProcessVideo_FullMethodName = "/video.VideoService/ProcessVideo" //nolint:revive // matches generated naming

// VideoServiceServer is the server API for VideoService.
// Implementations must embed UnimplementedVideoServiceServer.
type VideoServiceServer interface {
	ProcessVideo(grpc.BidiStreamingServer[VideoRequest, VideoResponse]) error
	mustEmbedUnimplementedVideoServiceServer()
}

// UnimplementedVideoServiceServer must be embedded by server implementations.
type UnimplementedVideoServiceServer struct{}

// ProcessVideo returns codes.Unimplemented.
func (UnimplementedVideoServiceServer) ProcessVideo(grpc.BidiStreamingServer[VideoRequest, VideoResponse]) error {
	return status.Error(codes.Unimplemented, "method ProcessVideo not implemented")
}

func (UnimplementedVideoServiceServer) mustEmbedUnimplementedVideoServiceServer() {}

// RegisterVideoServiceServer registers srv on s. The server must have been
// created with ServerCodec so the chunk messages can be decoded.
func RegisterVideoServiceServer(s grpc.ServiceRegistrar, srv VideoServiceServer) {
	s.RegisterService(&VideoService_ServiceDesc, srv)
}

// ServerCodec returns the server option that installs Codec.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}

func _VideoService_ProcessVideo_Handler(srv any, stream grpc.ServerStream) error { //nolint:revive // matches generated naming
	return srv.(VideoServiceServer).ProcessVideo(&grpc.GenericServerStream[VideoRequest, VideoResponse]{ServerStream: stream})
}

// VideoService_ServiceDesc is the grpc.ServiceDesc for VideoService.
var VideoService_ServiceDesc = grpc.ServiceDesc{ //nolint:revive // matches generated naming
	ServiceName: "video.VideoService",
	HandlerType: (*VideoServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ProcessVideo",
			Handler:       _VideoService_ProcessVideo_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "video_service.proto",
}

// VideoServiceClient is the client API for VideoService.
type VideoServiceClient interface {
	ProcessVideo(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[VideoRequest, VideoResponse], error)
}

type videoServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewVideoServiceClient creates a VideoService client on cc.
func NewVideoServiceClient(cc grpc.ClientConnInterface) VideoServiceClient {
	return &videoServiceClient{cc: cc}
}

// ProcessVideo opens the bidirectional chunk stream.
func (c *videoServiceClient) ProcessVideo(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[VideoRequest, VideoResponse], error) {
	callOpts := append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &VideoService_ServiceDesc.Streams[0], VideoService_ProcessVideo_FullMethodName, callOpts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[VideoRequest, VideoResponse]{ClientStream: stream}, nil
}
