package model

// StageState represents the lifecycle state of one (stage, sample) invocation.
type StageState string

const (
	StageStatePending   StageState = "PENDING"
	StageStateSkipped   StageState = "SKIPPED"
	StageStateRunning   StageState = "RUNNING"
	StageStatePublished StageState = "PUBLISHED"
	StageStateFailed    StageState = "FAILED"
)

// String returns the string representation of the stage state.
func (s StageState) String() string {
	return string(s)
}

// IsTerminal returns true if the invocation is in a final state.
func (s StageState) IsTerminal() bool {
	switch s {
	case StageStateSkipped, StageStatePublished, StageStateFailed:
		return true
	}
	return false
}

// ValidStageTransitions defines the allowed state transitions for stage invocations.
// Failed is terminal: there is no in-process retry, a later run resumes instead.
var ValidStageTransitions = map[StageState][]StageState{
	StageStatePending: {StageStateSkipped, StageStateRunning},
	StageStateRunning: {StageStatePublished, StageStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s StageState) CanTransitionTo(next StageState) bool {
	for _, allowed := range ValidStageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of a whole pipeline run.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}
