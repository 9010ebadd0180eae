package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by this package matches exactly one
// of them with errors.Is.
var (
	// ErrIOFailure indicates a local artifact could not be created, read or written.
	ErrIOFailure = errors.New("io failure")

	// ErrCodecFailure indicates the media codec could not process an artifact.
	ErrCodecFailure = errors.New("codec failure")

	// ErrProtocolFailure indicates the inbound stream ended abnormally or the
	// outbound stream could not be written.
	ErrProtocolFailure = errors.New("protocol failure")
)

// Causes reported under ErrProtocolFailure.
var (
	// ErrInputTooLarge indicates the reassembled input exceeded the configured maximum.
	ErrInputTooLarge = errors.New("input exceeds maximum size")

	// ErrReceiveTimeout indicates no chunk arrived within the receive timeout.
	ErrReceiveTimeout = errors.New("timed out waiting for chunk")
)

// ErrInvalidTransition indicates a stage change the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid stage transition")

// ErrSequenceConsumed is yielded when a one-shot chunk sequence is iterated twice.
var ErrSequenceConsumed = errors.New("chunk sequence already consumed")

// StageError wraps an error with the stage it occurred in and its failure kind.
// errors.Is matches both the kind and the underlying cause.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the failure kind and the underlying error.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStageError creates a new StageError.
func NewStageError(stage Stage, kind, err error) *StageError {
	return &StageError{
		Stage: stage,
		Kind:  kind,
		Err:   err,
	}
}

// stageFailure builds a StageError for err, reporting a cancelled or expired
// context as a protocol failure regardless of what the stage itself returned.
func stageFailure(ctx context.Context, stage Stage, kind, err error) *StageError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return NewStageError(stage, ErrProtocolFailure, ctxErr)
	}
	return NewStageError(stage, kind, err)
}

// Summary returns a caller-safe description of err: the stage and failure
// kind, without paths or codec output.
func Summary(err error) string {
	if err == nil {
		return ""
	}

	var se *StageError
	if errors.As(err, &se) {
		switch {
		case errors.Is(se.Err, ErrInputTooLarge), errors.Is(se.Err, ErrReceiveTimeout):
			return fmt.Sprintf("%s: %v: %v", se.Stage, se.Kind, se.Err)
		case errors.Is(se.Err, context.Canceled):
			return fmt.Sprintf("%s: canceled", se.Stage)
		case errors.Is(se.Err, context.DeadlineExceeded):
			return fmt.Sprintf("%s: deadline exceeded", se.Stage)
		}
		return fmt.Sprintf("%s: %v", se.Stage, se.Kind)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	}
	return "internal error"
}
