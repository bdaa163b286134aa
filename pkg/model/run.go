package model

import "time"

// RunRecord describes one pipeline run for the history ledger.
type RunRecord struct {
	ID         string     `json:"id"`
	State      RunState   `json:"state"`
	InputDir   string     `json:"input_dir"`
	OutDir     string     `json:"out_dir"`
	Samples    int        `json:"samples"`
	Threads    int        `json:"threads"`
	Jobs       int        `json:"jobs"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// InvocationRecord describes the outcome of one stage invocation.
type InvocationRecord struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Sample    string        `json:"sample"`
	State     StageState    `json:"state"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}
