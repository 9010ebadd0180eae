package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/vidpipe/internal/artifact"
	"github.com/jmylchreest/vidpipe/internal/observability"
)

// Assembler writes an inbound chunk sequence, in arrival order, into a single
// newly allocated input artifact. Chunk contents and sizes are not inspected.
type Assembler struct {
	// MaxSize bounds the reassembled input in bytes. Zero means unlimited.
	MaxSize int64

	// ReceiveTimeout bounds the wait for each chunk. Zero disables it.
	ReceiveTimeout time.Duration

	logger *slog.Logger
}

// NewAssembler creates an Assembler with the given limits.
func NewAssembler(maxSize int64, receiveTimeout time.Duration, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		MaxSize:        maxSize,
		ReceiveTimeout: receiveTimeout,
		logger:         logger,
	}
}

// Assemble drains src into a new video artifact recorded as st.Input.
// The artifact is registered with st before the first byte is written.
func (a *Assembler) Assemble(ctx context.Context, st *State, src ChunkSource) (*artifact.Artifact, error) {
	input, err := st.Allocate(artifact.KindVideoContainer)
	if err != nil {
		return nil, NewStageError(StageReceiving, ErrIOFailure, fmt.Errorf("allocating input artifact: %w", err))
	}
	st.Input = input

	f, err := input.Create()
	if err != nil {
		return nil, NewStageError(StageReceiving, ErrIOFailure, err)
	}

	total, chunks, err := a.copyChunks(ctx, f, src)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = NewStageError(StageReceiving, ErrIOFailure, fmt.Errorf("closing input artifact: %w", closeErr))
	}
	if err != nil {
		return nil, err
	}

	observability.LoggerFromContext(ctx, a.logger).DebugContext(ctx, "input assembled",
		slog.String("artifact_id", input.ID.String()),
		slog.Int64("bytes", total),
		slog.Int("chunks", chunks),
	)
	return input, nil
}

func (a *Assembler) copyChunks(ctx context.Context, w io.Writer, src ChunkSource) (int64, int, error) {
	logger := observability.LoggerFromContext(ctx, a.logger)
	var total int64
	var chunks int

	for {
		if err := ctx.Err(); err != nil {
			return total, chunks, NewStageError(StageReceiving, ErrProtocolFailure, err)
		}

		chunk, err := a.recv(ctx, src)
		if errors.Is(err, io.EOF) {
			return total, chunks, nil
		}
		if err != nil {
			return total, chunks, stageFailure(ctx, StageReceiving, ErrProtocolFailure, err)
		}

		total += int64(len(chunk))
		chunks++
		if a.MaxSize > 0 && total > a.MaxSize {
			return total, chunks, NewStageError(StageReceiving, ErrProtocolFailure,
				fmt.Errorf("%w: more than %d bytes", ErrInputTooLarge, a.MaxSize))
		}

		if _, err := w.Write(chunk); err != nil {
			return total, chunks, NewStageError(StageReceiving, ErrIOFailure, fmt.Errorf("writing input artifact: %w", err))
		}

		logger.Log(ctx, observability.LevelTrace, "chunk received",
			slog.Int("size", len(chunk)),
			slog.Int64("total", total),
		)
	}
}

type recvResult struct {
	chunk []byte
	err   error
}

// recv reads the next chunk, giving up after ReceiveTimeout or when ctx ends.
// A source implementing Aborter is interrupted and its Recv waited for, so no
// read is left running against it. Any other source's Recv is left to return
// once the transport tears the call down.
func (a *Assembler) recv(ctx context.Context, src ChunkSource) ([]byte, error) {
	if a.ReceiveTimeout <= 0 {
		return src.Recv()
	}

	done := make(chan recvResult, 1)
	go func() {
		chunk, err := src.Recv()
		done <- recvResult{chunk: chunk, err: err}
	}()

	timer := time.NewTimer(a.ReceiveTimeout)
	defer timer.Stop()

	var err error
	select {
	case r := <-done:
		return r.chunk, r.err
	case <-timer.C:
		err = fmt.Errorf("%w after %s", ErrReceiveTimeout, a.ReceiveTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if ab, ok := src.(Aborter); ok {
		ab.Abort()
		<-done
	}
	return nil, err
}

// ReaderSource adapts an io.Reader to a ChunkSource, producing chunks of at
// most chunkSize bytes.
type ReaderSource struct {
	r     io.Reader
	buf   []byte
	abort func()
}

// NewReaderSource creates a ChunkSource reading from r.
func NewReaderSource(r io.Reader, chunkSize int) *ReaderSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ReaderSource{r: r, buf: make([]byte, chunkSize)}
}

// WithAbort sets the func that interrupts a Read blocked on the underlying
// reader, typically by closing it or expiring its deadline.
func (s *ReaderSource) WithAbort(fn func()) *ReaderSource {
	s.abort = fn
	return s
}

// Abort interrupts a pending Recv. It is a no-op without an abort func.
func (s *ReaderSource) Abort() {
	if s.abort != nil {
		s.abort()
	}
}

// Recv returns the next chunk or io.EOF. The returned slice is only valid
// until the next call.
func (s *ReaderSource) Recv() ([]byte, error) {
	n, err := io.ReadFull(s.r, s.buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return s.buf[:n], nil
}
