// Package daemon hosts the gRPC endpoint for the video processing service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/jmylchreest/vidpipe/internal/config"
	"github.com/jmylchreest/vidpipe/internal/observability"
	"github.com/jmylchreest/vidpipe/internal/pipeline"
	"github.com/jmylchreest/vidpipe/pkg/videod/proto"
)

// Server implements the VideoService gRPC service.
type Server struct {
	proto.UnimplementedVideoServiceServer

	logger     *slog.Logger
	config     config.ServerConfig
	service    *pipeline.Service
	grpcServer *grpc.Server
	health     *health.Server

	mu       sync.Mutex
	listener net.Listener

	activeCalls    atomic.Int64
	totalCompleted atomic.Uint64
	totalFailed    atomic.Uint64
}

// Stats is a snapshot of call counters.
type Stats struct {
	ActiveCalls    int64
	TotalCompleted uint64
	TotalFailed    uint64
	QueuedCalls    int
}

// NewServer creates the gRPC server and registers the video and health services.
func NewServer(logger *slog.Logger, cfg config.ServerConfig, svc *pipeline.Service) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = config.DefaultMaxRecvMsgSize
	}

	s := &Server{
		logger:  observability.WithComponent(logger, "grpc"),
		config:  cfg,
		service: svc,
		health:  health.NewServer(),
	}

	s.grpcServer = grpc.NewServer(
		proto.ServerCodec(),
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize.Int()),
		grpc.MaxSendMsgSize(config.MaxChunkSize+1024),
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	)
	proto.RegisterVideoServiceServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(proto.VideoService_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	s.logger.Info("starting gRPC server",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_workers", s.service.Pool().Size()),
	)

	go func() {
		if err := s.Serve(listener); err != nil {
			s.logger.Error("gRPC server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the listening address, or nil before serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting calls and waits for in-flight calls to finish, up to
// the shutdown timeout or until ctx ends, then forces the remaining ones closed.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
		s.logger.Warn("gRPC server force stopped",
			slog.Int64("active_calls", s.activeCalls.Load()),
		)
	}
	return nil
}

// Stats returns the current call counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveCalls:    s.activeCalls.Load(),
		TotalCompleted: s.totalCompleted.Load(),
		TotalFailed:    s.totalFailed.Load(),
		QueuedCalls:    s.service.Pool().Waiting(),
	}
}

// ProcessVideo receives a video as chunks, processes it and streams the
// result back. Nothing is sent unless processing succeeded.
func (s *Server) ProcessVideo(stream grpc.BidiStreamingServer[proto.VideoRequest, proto.VideoResponse]) error {
	ctx := stream.Context()
	callID := uuid.NewString()

	logger := observability.WithCallID(s.logger, callID)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		logger = logger.With(slog.String("peer", p.Addr.String()))
	}

	s.activeCalls.Add(1)
	defer s.activeCalls.Add(-1)

	logger.Info("call started")
	err := s.service.Process(ctx, callID, &streamSource{stream: stream}, &streamSink{stream: stream})
	if err != nil {
		s.totalFailed.Add(1)
		observability.WithError(logger, err).Warn("call failed",
			slog.String("summary", pipeline.Summary(err)),
		)
		return toStatus(ctx, err)
	}

	s.totalCompleted.Add(1)
	logger.Info("call completed")
	return nil
}

// toStatus maps a pipeline error to a gRPC status. Messages never include
// artifact paths or codec output.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return status.Error(codes.Canceled, "call canceled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}
	return status.Error(codes.Internal, "processing failed: "+pipeline.Summary(err))
}

// streamSource adapts the inbound half of the stream to pipeline.ChunkSource.
type streamSource struct {
	stream grpc.BidiStreamingServer[proto.VideoRequest, proto.VideoResponse]
}

func (s *streamSource) Recv() ([]byte, error) {
	req, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return req.GetChunkData(), nil
}

// streamSink adapts the outbound half of the stream to pipeline.ChunkSink.
type streamSink struct {
	stream grpc.BidiStreamingServer[proto.VideoRequest, proto.VideoResponse]
}

func (s *streamSink) Send(chunk []byte) error {
	return s.stream.Send(&proto.VideoResponse{ChunkData: chunk})
}

// unaryInterceptor adds logging to unary RPCs (health checks).
func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	if err != nil {
		s.logger.Debug("gRPC call failed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Log(ctx, observability.LevelTrace, "gRPC call completed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
		)
	}

	return resp, err
}

// streamInterceptor adds logging to streaming RPCs.
func (s *Server) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	duration := time.Since(start)

	if err != nil {
		s.logger.Debug("gRPC stream ended with error",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
			slog.String("code", status.Code(err).String()),
		)
	} else {
		s.logger.Debug("gRPC stream ended",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
		)
	}

	return err
}
