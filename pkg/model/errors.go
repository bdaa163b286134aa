package model

import "fmt"

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Stage  string
	Sample string
	From   StageState
	To     StageState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid stage state transition: %s → %s (stage %s, sample %s)", e.From, e.To, e.Stage, e.Sample)
}
