package types

// RecordingState is the session-wide logical state. All pipelines of a
// session observe the same state within one command dispatch; divergence is
// a defect.
type RecordingState string

const (
	StateIdle      RecordingState = "idle"
	StateArmed     RecordingState = "armed"
	StateRecording RecordingState = "recording"
	StatePaused    RecordingState = "paused"
	StateStopping  RecordingState = "stopping"
	StateFinalized RecordingState = "finalized"
	StateFailed    RecordingState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RecordingState) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

// CanTransition reports whether moving from s to next is legal.
// Failed is reachable from any non-terminal state.
func (s RecordingState) CanTransition(next RecordingState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	switch s {
	case StateIdle:
		return next == StateArmed
	case StateArmed:
		return next == StateRecording || next == StateIdle
	case StateRecording:
		return next == StatePaused || next == StateStopping
	case StatePaused:
		return next == StateRecording || next == StateStopping
	case StateStopping:
		return next == StateFinalized
	}
	return false
}
