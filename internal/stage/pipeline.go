package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// PipelineOptions configures the environment of a process chain.
type PipelineOptions struct {
	Dir    string    // working directory of every process
	Stdin  io.Reader // first process's stdin; nil reads from the null device
	Stdout io.Writer // last process's stdout; nil discards
	Stderr io.Writer // shared by every process; nil discards
	Env    []string  // extra KEY=VALUE entries appended to the current environment
}

// RunPipeline starts every command with stdout of command i connected to
// stdin of command i+1, then waits for all of them. The chain succeeds only
// if every process exits 0; a failing producer is not masked by a consumer
// that happens to exit cleanly on truncated input.
func RunPipeline(ctx context.Context, argvs [][]string, opts PipelineOptions) ([]ProcessStatus, error) {
	if len(argvs) == 0 {
		return nil, ErrEmptyCommand
	}

	stderr := opts.Stderr
	if stderr != nil {
		if _, isFile := stderr.(*os.File); !isFile {
			stderr = &lockedWriter{w: stderr}
		}
	}

	cmds := make([]*exec.Cmd, len(argvs))
	statuses := make([]ProcessStatus, len(argvs))
	for i, argv := range argvs {
		if len(argv) == 0 {
			return nil, fmt.Errorf("command %d: %w", i, ErrEmptyCommand)
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = opts.Dir
		cmd.Stderr = stderr
		if len(opts.Env) > 0 {
			cmd.Env = append(os.Environ(), opts.Env...)
		}
		cmds[i] = cmd
		statuses[i] = ProcessStatus{Program: filepath.Base(argv[0]), ExitCode: -1}
	}
	cmds[0].Stdin = opts.Stdin
	cmds[len(cmds)-1].Stdout = opts.Stdout

	// The parent must drop its copies of every pipe end once the children
	// hold them, otherwise readers never see EOF.
	var ends []*os.File
	closeEnds := func() {
		for _, f := range ends {
			f.Close()
		}
		ends = nil
	}
	for i := 0; i < len(cmds)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeEnds()
			return nil, fmt.Errorf("create pipe: %w", err)
		}
		ends = append(ends, r, w)
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
	}

	started := 0
	var startErr error
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			statuses[i].Err = err
			startErr = err
			break
		}
		started++
	}
	closeEnds()

	if startErr != nil {
		for _, cmd := range cmds[:started] {
			_ = cmd.Process.Kill()
		}
	}
	for i, cmd := range cmds[:started] {
		statuses[i] = waitStatus(statuses[i].Program, cmd.Wait())
	}

	for _, s := range statuses {
		if !s.OK() {
			perr := &PipelineError{Statuses: statuses}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return statuses, fmt.Errorf("%w: %w", ctxErr, perr)
			}
			return statuses, perr
		}
	}
	return statuses, nil
}

func waitStatus(program string, err error) ProcessStatus {
	if err == nil {
		return ProcessStatus{Program: program}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := ProcessStatus{Program: program, ExitCode: exitErr.ExitCode()}
		if status.ExitCode == -1 {
			status.Err = err // terminated by a signal
		}
		return status
	}
	return ProcessStatus{Program: program, ExitCode: -1, Err: err}
}

// lockedWriter serializes writes from the copy goroutines exec starts for
// non-file writers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
