package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmylchreest/vidpipe/internal/config"
	"github.com/jmylchreest/vidpipe/internal/observability"
)

// Service runs one processing run per call: assemble, transform, stream back.
// It holds no per-call state; each call gets its own State and artifacts.
type Service struct {
	artifacts    ManagerFactory
	pool         *WorkerPool
	assembler    *Assembler
	orchestrator *Orchestrator
	responder    *Responder
	logger       *slog.Logger
}

// NewService wires the pipeline components together.
func NewService(artifacts ManagerFactory, codec MediaCodec, pool *WorkerPool, cfg config.StreamConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "pipeline")
	return &Service{
		artifacts:    artifacts,
		pool:         pool,
		assembler:    NewAssembler(cfg.MaxInputSize.Bytes(), cfg.ReceiveTimeout, logger),
		orchestrator: NewOrchestrator(codec, logger),
		responder:    NewResponder(cfg.ChunkSize.Int(), logger),
		logger:       logger,
	}
}

// Pool returns the worker pool calls are scheduled on.
func (s *Service) Pool() *WorkerPool {
	return s.pool
}

// ChunkSize returns the outbound chunk size.
func (s *Service) ChunkSize() int {
	return s.responder.ChunkSize()
}

// Process handles a single call. It waits for a worker slot, reassembles src,
// runs the transformation stages and streams the final artifact to sink.
// Every artifact allocated for the call is released before Process returns.
// Nothing is sent to sink unless all transformation stages succeeded.
func (s *Service) Process(ctx context.Context, callID string, src ChunkSource, sink ChunkSink) error {
	logger := observability.WithCallID(s.logger, callID)
	ctx = observability.ContextWithLogger(ctx, logger)

	err := s.pool.Do(ctx, func(ctx context.Context) error {
		return s.run(ctx, callID, src, sink, logger)
	})
	var se *StageError
	if err != nil && !errors.As(err, &se) && ctx.Err() != nil {
		// Context ended while queued for a worker.
		err = NewStageError(StageReceiving, ErrProtocolFailure, err)
	}
	return err
}

func (s *Service) run(ctx context.Context, callID string, src ChunkSource, sink ChunkSink, logger *slog.Logger) (err error) {
	st := NewState(callID, s.artifacts.NewManager(logger), logger)
	defer func() {
		st.Fail(err)
		// Cleanup problems are logged by Close and never change the outcome.
		_ = st.Close()
	}()

	done := observability.TimedOperationWithError(ctx, logger, "process_video", &err)
	defer done()

	if _, err = s.assembler.Assemble(ctx, st, src); err != nil {
		return err
	}
	if _, err = s.orchestrator.Run(ctx, st); err != nil {
		return err
	}
	if err = s.responder.Stream(ctx, st, sink); err != nil {
		return err
	}

	st.Succeed()
	return nil
}
