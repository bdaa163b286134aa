package model

// AggregateSampleID names the artifact owner of stages that batch every sample.
const AggregateSampleID = "all"

// Sample is one pair of discovered input files.
// It is created once by discovery and never modified afterwards.
type Sample struct {
	ID        string `json:"id"`
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
}

// SampleIDs returns the ids of the given samples in order.
func SampleIDs(samples []Sample) []string {
	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.ID
	}
	return ids
}

// Invocation tracks the state of one stage run for one sample.
type Invocation struct {
	Stage  string     `json:"stage"`
	Sample string     `json:"sample"`
	State  StageState `json:"state"`
}

// NewInvocation returns an invocation in the Pending state.
func NewInvocation(stage, sample string) *Invocation {
	return &Invocation{Stage: stage, Sample: sample, State: StageStatePending}
}

// Advance moves the invocation to next, rejecting transitions the lifecycle does not allow.
func (i *Invocation) Advance(next StageState) error {
	if !i.State.CanTransitionTo(next) {
		return &InvalidTransitionError{Stage: i.Stage, Sample: i.Sample, From: i.State, To: next}
	}
	i.State = next
	return nil
}
