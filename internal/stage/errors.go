package stage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrEmptyCommand = errors.New("empty command")
	ErrMissingInput = errors.New("upstream artifact missing")
)

// ProcessStatus is the outcome of one process in a pipeline.
type ProcessStatus struct {
	Program  string
	ExitCode int   // -1 when the process did not start or was killed by a signal
	Err      error // start error or wait error; nil on clean exit 0
}

// OK reports whether the process exited with status 0.
func (p ProcessStatus) OK() bool {
	return p.Err == nil && p.ExitCode == 0
}

func (p ProcessStatus) String() string {
	if p.Err != nil && p.ExitCode == -1 {
		return fmt.Sprintf("%s: %v", p.Program, p.Err)
	}
	return fmt.Sprintf("%s exited %d", p.Program, p.ExitCode)
}

// PipelineError reports that at least one process of a chain failed.
// All statuses are kept, including those that exited 0.
type PipelineError struct {
	Statuses []ProcessStatus
}

func (e *PipelineError) Error() string {
	var failed []string
	for i, s := range e.Statuses {
		if !s.OK() {
			failed = append(failed, fmt.Sprintf("[%d] %s", i, s))
		}
	}
	return "pipeline failed: " + strings.Join(failed, "; ")
}

// FirstFailure returns the index of the first failed process, or -1.
func (e *PipelineError) FirstFailure() int {
	for i, s := range e.Statuses {
		if !s.OK() {
			return i
		}
	}
	return -1
}

// ValidationError reports an output that is missing or fails its integrity check.
type ValidationError struct {
	Role string
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("output %s: %v", e.Role, e.Err)
	}
	return fmt.Sprintf("output %s (%s): %v", e.Role, e.Path, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Failure is returned when a stage invocation fails. It is fatal to the run.
type Failure struct {
	Stage  string
	Sample string
	Cause  error
	Stderr string // tail of the invocation's stderr log, if any
}

func (e *Failure) Error() string {
	return fmt.Sprintf("stage %s failed for sample %s: %v", e.Stage, e.Sample, e.Cause)
}

func (e *Failure) Unwrap() error {
	return e.Cause
}
