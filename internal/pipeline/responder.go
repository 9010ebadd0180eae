package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/jmylchreest/vidpipe/internal/artifact"
	"github.com/jmylchreest/vidpipe/internal/observability"
)

// DefaultChunkSize is the outbound chunk size used when none is configured.
const DefaultChunkSize = 64 * 1024

// Responder re-chunks a finished artifact into fixed-size outbound chunks.
type Responder struct {
	chunkSize int
	logger    *slog.Logger
}

// NewResponder creates a Responder emitting chunks of chunkSize bytes.
func NewResponder(chunkSize int, logger *slog.Logger) *Responder {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{chunkSize: chunkSize, logger: logger}
}

// ChunkSize returns the outbound chunk size.
func (r *Responder) ChunkSize() int {
	return r.chunkSize
}

// Chunks returns a lazy, finite sequence over the contents of a. Every chunk
// is chunkSize bytes except possibly the last. The artifact is opened when
// iteration starts. The sequence can be iterated once; a second iteration
// yields ErrSequenceConsumed. A read failure is yielded as an IO failure and
// ends the sequence.
func (r *Responder) Chunks(a *artifact.Artifact) iter.Seq2[[]byte, error] {
	var used atomic.Bool

	return func(yield func([]byte, error) bool) {
		if used.Swap(true) {
			yield(nil, NewStageError(StageStreaming, ErrProtocolFailure, ErrSequenceConsumed))
			return
		}

		f, err := a.Open()
		if err != nil {
			yield(nil, NewStageError(StageStreaming, ErrIOFailure, err))
			return
		}
		defer f.Close()

		for {
			buf := make([]byte, r.chunkSize)
			n, err := io.ReadFull(f, buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			switch {
			case err == nil:
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				yield(nil, NewStageError(StageStreaming, ErrIOFailure, fmt.Errorf("reading artifact %s: %w", a.ID, err)))
				return
			}
		}
	}
}

// Stream sends st.Final to sink, moving the run into StageStreaming.
func (r *Responder) Stream(ctx context.Context, st *State, sink ChunkSink) error {
	if st.Final == nil {
		return NewStageError(st.Stage(), ErrIOFailure, fmt.Errorf("no final artifact"))
	}
	if err := st.Advance(StageStreaming); err != nil {
		return err
	}

	logger := observability.LoggerFromContext(ctx, r.logger)
	var sent int64
	var chunks int
	for chunk, err := range r.Chunks(st.Final) {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return NewStageError(StageStreaming, ErrProtocolFailure, err)
		}
		if err := sink.Send(chunk); err != nil {
			return stageFailure(ctx, StageStreaming, ErrProtocolFailure, err)
		}
		sent += int64(len(chunk))
		chunks++
		logger.Log(ctx, observability.LevelTrace, "chunk sent",
			slog.Int("size", len(chunk)),
			slog.Int64("total", sent),
		)
	}

	logger.DebugContext(ctx, "output streamed",
		slog.String("artifact_id", st.Final.ID.String()),
		slog.Int64("bytes", sent),
		slog.Int("chunks", chunks),
	)
	return nil
}
