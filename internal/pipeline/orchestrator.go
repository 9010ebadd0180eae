package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/vidpipe/internal/artifact"
	"github.com/jmylchreest/vidpipe/internal/observability"
)

// Orchestrator drives the media codec over an assembled input artifact.
type Orchestrator struct {
	codec  MediaCodec
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator using the given codec.
func NewOrchestrator(codec MediaCodec, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		codec:  codec,
		logger: logger,
	}
}

// Run executes the transformation stages over st.Input and returns the final
// artifact. The first failing stage aborts the run; nothing is retried and
// no artifacts are released here, that is left to st.Close.
func (o *Orchestrator) Run(ctx context.Context, st *State) (*artifact.Artifact, error) {
	if st.Input == nil {
		return nil, NewStageError(st.Stage(), ErrIOFailure, fmt.Errorf("no input artifact"))
	}

	if err := o.executeStage(ctx, st, StageExtractingAudio, o.extractAudio); err != nil {
		return nil, err
	}
	if err := o.executeStage(ctx, st, StageTransformingFrames, o.transformFrames); err != nil {
		return nil, err
	}

	if st.Audio != nil {
		if err := o.executeStage(ctx, st, StageMerging, o.merge); err != nil {
			return nil, err
		}
		st.Final = st.Merged
	} else {
		if err := st.Advance(StageSelectingTransformedAsFinal); err != nil {
			return nil, err
		}
		st.Final = st.Transformed
	}

	logger := observability.LoggerFromContext(ctx, o.logger)
	if size, err := st.Final.Size(); err == nil {
		logger = logger.With(slog.Int64("bytes", size))
	}
	logger.DebugContext(ctx, "final artifact selected",
		slog.String("artifact_id", st.Final.ID.String()),
		slog.Bool("merged", st.Merged != nil),
	)
	return st.Final, nil
}

// executeStage enters stage, runs fn and logs the outcome.
func (o *Orchestrator) executeStage(ctx context.Context, st *State, stage Stage, fn func(context.Context, *State) error) error {
	if err := ctx.Err(); err != nil {
		return NewStageError(st.Stage(), ErrProtocolFailure, err)
	}
	if err := st.Advance(stage); err != nil {
		return err
	}

	logger := observability.LoggerFromContext(ctx, o.logger)
	start := time.Now()
	logger.InfoContext(ctx, "executing stage", slog.String("stage", string(stage)))

	if err := fn(ctx, st); err != nil {
		logger.ErrorContext(ctx, "stage failed",
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return err
	}

	logger.InfoContext(ctx, "stage completed",
		slog.String("stage", string(stage)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (o *Orchestrator) extractAudio(ctx context.Context, st *State) error {
	audio, err := st.Allocate(artifact.KindAudioTrack)
	if err != nil {
		return NewStageError(StageExtractingAudio, ErrIOFailure, fmt.Errorf("allocating audio artifact: %w", err))
	}

	hasAudio, err := o.codec.ExtractAudio(ctx, st.Input, audio)
	if err != nil {
		return stageFailure(ctx, StageExtractingAudio, ErrCodecFailure, err)
	}
	if !hasAudio {
		observability.LoggerFromContext(ctx, o.logger).DebugContext(ctx, "input has no audio track")
		st.Release(audio)
		return nil
	}

	st.Audio = audio
	return nil
}

func (o *Orchestrator) transformFrames(ctx context.Context, st *State) error {
	video, err := st.Allocate(artifact.KindVideoContainer)
	if err != nil {
		return NewStageError(StageTransformingFrames, ErrIOFailure, fmt.Errorf("allocating video artifact: %w", err))
	}

	if err := o.codec.TransformFrames(ctx, st.Input, video); err != nil {
		return stageFailure(ctx, StageTransformingFrames, ErrCodecFailure, err)
	}

	st.Transformed = video
	return nil
}

func (o *Orchestrator) merge(ctx context.Context, st *State) error {
	merged, err := st.Allocate(artifact.KindVideoContainer)
	if err != nil {
		return NewStageError(StageMerging, ErrIOFailure, fmt.Errorf("allocating merged artifact: %w", err))
	}

	if err := o.codec.Mux(ctx, st.Transformed, st.Audio, merged); err != nil {
		return stageFailure(ctx, StageMerging, ErrCodecFailure, err)
	}

	st.Merged = merged
	return nil
}
