// Package pipeline turns an inbound stream of video chunks into an outbound
// stream of processed video chunks.
//
// A run moves through a fixed sequence of stages:
//
//	Receiving -> ExtractingAudio -> TransformingFrames
//	  -> Merging | SelectingTransformedAsFinal -> Streaming -> Cleanup -> Done | Failed
//
// The Assembler writes inbound chunks to an input artifact, the Orchestrator
// drives the MediaCodec over it, and the Responder re-chunks the final
// artifact. Every artifact allocated during a run is tracked by its State and
// released when the State is closed, whatever the outcome.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/jmylchreest/vidpipe/internal/artifact"
)

// MediaCodec performs the actual media work. Each method reads src and writes
// into a destination artifact that the caller has already allocated; src is
// never modified.
type MediaCodec interface {
	// ExtractAudio writes the audio track of src into dst. It reports false,
	// with a nil error, when src has no audio; dst is then left unused.
	ExtractAudio(ctx context.Context, src, dst *artifact.Artifact) (bool, error)

	// TransformFrames writes a frame-transformed, audio-less copy of src into dst.
	TransformFrames(ctx context.Context, src, dst *artifact.Artifact) error

	// Mux combines the video of video and the audio of audio into dst.
	Mux(ctx context.Context, video, audio, dst *artifact.Artifact) error
}

// ChunkSource yields inbound chunks in order. Recv returns io.EOF once the
// sender has finished.
type ChunkSource interface {
	Recv() ([]byte, error)
}

// Aborter is implemented by a ChunkSource whose pending Recv can be
// interrupted. After Abort, a blocked Recv must return promptly with an error.
type Aborter interface {
	Abort()
}

// ChunkSink accepts outbound chunks in order.
type ChunkSink interface {
	Send(chunk []byte) error
}

// ManagerFactory creates the per-call artifact manager.
// *artifact.Store implements it.
type ManagerFactory interface {
	NewManager(logger *slog.Logger) *artifact.Manager
}
