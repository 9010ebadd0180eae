package pipeline

// Stage is a state of a single processing run.
type Stage string

const (
	StageReceiving                   Stage = "receiving"
	StageExtractingAudio             Stage = "extracting_audio"
	StageTransformingFrames          Stage = "transforming_frames"
	StageMerging                     Stage = "merging"
	StageSelectingTransformedAsFinal Stage = "selecting_transformed_as_final"
	StageStreaming                   Stage = "streaming"
	StageCleanup                     Stage = "cleanup"
	StageDone                        Stage = "done"
	StageFailed                      Stage = "failed"
)

// transitions lists the stages reachable from each non-terminal stage.
// Any running stage may abort into cleanup.
var transitions = map[Stage][]Stage{
	StageReceiving:                   {StageExtractingAudio, StageCleanup},
	StageExtractingAudio:             {StageTransformingFrames, StageCleanup},
	StageTransformingFrames:          {StageMerging, StageSelectingTransformedAsFinal, StageCleanup},
	StageMerging:                     {StageStreaming, StageCleanup},
	StageSelectingTransformedAsFinal: {StageStreaming, StageCleanup},
	StageStreaming:                   {StageCleanup},
	StageCleanup:                     {StageDone, StageFailed},
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// CanTransition reports whether the state machine allows moving from one stage to another.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
