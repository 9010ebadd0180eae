package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/vidpipe/internal/artifact"
)

// errAborted is recorded when a run is closed before it succeeded and no
// other error was reported.
var errAborted = errors.New("run aborted before completion")

// State is the per-call record of a processing run: its current stage, the
// artifacts it owns and its outcome. All artifacts are allocated through the
// State and released exactly once by Close.
type State struct {
	// CallID identifies the call this run belongs to.
	CallID string

	// StartTime records when the run began.
	StartTime time.Time

	// Input is the reassembled inbound video.
	Input *artifact.Artifact

	// Audio is the extracted audio track, nil when the input has none.
	Audio *artifact.Artifact

	// Transformed is the frame-transformed video without audio.
	Transformed *artifact.Artifact

	// Merged is the transformed video muxed with Audio, nil when Audio is nil.
	Merged *artifact.Artifact

	// Final is the artifact streamed back to the caller: Merged or Transformed.
	Final *artifact.Artifact

	artifacts *artifact.Manager
	logger    *slog.Logger

	mu        sync.Mutex
	stage     Stage
	history   []Stage
	err       error
	succeeded bool
}

// NewState creates the state for a new run, starting in StageReceiving.
func NewState(callID string, artifacts *artifact.Manager, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		CallID:    callID,
		StartTime: time.Now(),
		artifacts: artifacts,
		logger:    logger,
		stage:     StageReceiving,
		history:   []Stage{StageReceiving},
	}
}

// Stage returns the current stage.
func (s *State) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// History returns every stage entered so far, in order.
func (s *State) History() []Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Stage(nil), s.history...)
}

// Err returns the error that failed the run, if any.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Advance moves the run to the next stage.
func (s *State) Advance(to Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(to)
}

func (s *State) advanceLocked(to Stage) error {
	if !CanTransition(s.stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.stage, to)
	}
	s.logger.Debug("stage transition",
		slog.String("from", string(s.stage)),
		slog.String("to", string(to)),
	)
	s.stage = to
	s.history = append(s.history, to)
	return nil
}

// Allocate creates and registers a new artifact for this run.
func (s *State) Allocate(kind artifact.Kind) (*artifact.Artifact, error) {
	return s.artifacts.Allocate(kind)
}

// Release releases a single artifact early. Failures are logged, not returned.
func (s *State) Release(a *artifact.Artifact) {
	if err := s.artifacts.Release(a); err != nil {
		s.logger.Warn("failed to release artifact",
			slog.String("artifact_id", a.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// LiveArtifacts returns the number of artifacts allocated and not yet released.
func (s *State) LiveArtifacts() int {
	return s.artifacts.Live()
}

// Fail records err as the reason the run failed. The first error wins.
func (s *State) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Succeed marks the run as successful once the final artifact has been streamed.
func (s *State) Succeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded = true
}

// Close moves the run through Cleanup into its terminal stage, releasing
// every artifact the run allocated. Release failures are logged and returned
// but never change the outcome of the run. Close is safe to call more than once.
func (s *State) Close() error {
	s.mu.Lock()
	if s.stage.Terminal() || s.stage == StageCleanup {
		s.mu.Unlock()
		return nil
	}
	if err := s.advanceLocked(StageCleanup); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	releaseErr := s.artifacts.ReleaseAll()

	s.mu.Lock()
	defer s.mu.Unlock()

	final := StageDone
	if !s.succeeded || s.err != nil {
		final = StageFailed
		if s.err == nil {
			s.err = errAborted
		}
	}
	if err := s.advanceLocked(final); err != nil {
		return err
	}

	attrs := []any{
		slog.String("outcome", string(final)),
		slog.Duration("duration", time.Since(s.StartTime)),
		slog.Int("artifacts_released", s.artifacts.Released()),
	}
	if releaseErr != nil {
		s.logger.Warn("run cleanup completed with errors", append(attrs, slog.String("error", releaseErr.Error()))...)
	} else {
		s.logger.Debug("run cleanup completed", attrs...)
	}
	return releaseErr
}
