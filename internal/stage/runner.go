package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/rnapipe/internal/artifact"
	"github.com/me/rnapipe/internal/logging"
	"github.com/me/rnapipe/internal/metadata"
	"github.com/me/rnapipe/pkg/model"
)

const (
	stderrLogName = "stderr.log"
	logDirName    = "logs"
	stderrTail    = 4096
)

// Options configures a Runner. Threads is passed to every stage as ${threads}.
type Options struct {
	Threads int
	Vars    map[string]string // extra template variables, e.g. index and annotation
	Env     []string
}

// Invocation describes one run of a stage.
type Invocation struct {
	// SampleID owns the produced artifacts; model.AggregateSampleID for
	// stages that batch all samples.
	SampleID string
	// ModeSample is the sample whose mode code parameterizes the commands.
	ModeSample string
	// Inputs holds upstream artifact paths by role, exposed as ${in.<role>}.
	Inputs map[string][]string
}

// Result describes a finished invocation.
type Result struct {
	Stage     string
	Sample    string
	State     model.StageState
	Outputs   map[string]string // role → published path
	Processes []ProcessStatus
	Duration  time.Duration
	Bytes     int64 // total size of the artifacts published by this invocation
}

// Runner executes stage invocations.
type Runner struct {
	store    *artifact.Store
	resolver *metadata.Resolver
	opts     Options
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(store *artifact.Store, resolver *metadata.Resolver, opts Options, logger *slog.Logger) *Runner {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	return &Runner{
		store:    store,
		resolver: resolver,
		opts:     opts,
		logger:   logging.OrDiscard(logger).With("component", "stage-runner"),
	}
}

// Outputs returns the final artifact paths of spec for sampleID, by role.
func (r *Runner) Outputs(spec *Spec, sampleID string) (map[string]string, error) {
	refs, err := spec.Refs(sampleID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		out[ref.Role] = r.store.Location(ref)
	}
	return out, nil
}

// Done reports whether every output of spec for sampleID is published and valid.
func (r *Runner) Done(spec *Spec, sampleID string) (bool, error) {
	refs, err := spec.Refs(sampleID)
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if !r.store.IsDone(ref) {
			return false, nil
		}
	}
	return true, nil
}

// Run executes spec for one invocation. If every output is already
// published it returns a Skipped result without starting any process.
// Any failure discards the invocation's temporary outputs and is returned
// as a *Failure.
func (r *Runner) Run(ctx context.Context, spec *Spec, inv Invocation) (*Result, error) {
	start := time.Now()
	state := model.NewInvocation(spec.Name, inv.SampleID)
	res := &Result{Stage: spec.Name, Sample: inv.SampleID, State: state.State}
	logger := r.logger.With("stage", spec.Name, "sample", inv.SampleID)

	fail := func(cause error, stderr string) (*Result, error) {
		if err := state.Advance(model.StageStateFailed); err != nil {
			return nil, err
		}
		res.State = state.State
		res.Duration = time.Since(start)
		return res, &Failure{Stage: spec.Name, Sample: inv.SampleID, Cause: cause, Stderr: stderr}
	}

	refs, err := spec.Refs(inv.SampleID)
	if err != nil {
		return nil, &Failure{Stage: spec.Name, Sample: inv.SampleID, Cause: err}
	}
	if r.allDone(refs) {
		if err := state.Advance(model.StageStateSkipped); err != nil {
			return nil, err
		}
		res.State = state.State
		res.Outputs = r.locations(refs)
		logger.Debug("artifacts already published, skipping")
		return res, nil
	}

	if err := state.Advance(model.StageStateRunning); err != nil {
		return nil, err
	}
	res.State = state.State

	for role, paths := range inv.Inputs {
		for _, p := range paths {
			if _, err := os.Stat(p); err != nil {
				return fail(fmt.Errorf("%w: %s %s: %v", ErrMissingInput, role, p, err), "")
			}
		}
	}

	workDir, err := r.store.BeginDir(spec.Name, inv.SampleID)
	if err != nil {
		return fail(err, "")
	}
	defer func() {
		if err := r.store.Discard(workDir); err != nil {
			logger.Warn("discard working directory", "error", err)
		}
	}()

	argvs, err := BuildCommands(spec.Commands, r.vars(inv, workDir), r.paramFunc(inv.ModeSample))
	if err != nil {
		return fail(err, "")
	}

	logger.Info("running stage", "command", FormatPipeline(argvs))
	statuses, runErr := r.execute(ctx, spec, argvs, workDir)
	res.Processes = statuses
	stderr := r.keepStderrLog(spec.Name, inv.SampleID, workDir, logger)
	if runErr != nil {
		return fail(runErr, stderr)
	}

	// Validate everything before publishing anything.
	produced := make([]string, len(refs))
	var size int64
	for i, out := range spec.Outputs {
		path, err := r.locate(workDir, out, refs[i])
		if err != nil {
			return fail(err, stderr)
		}
		produced[i] = path
		if info, err := os.Stat(path); err == nil {
			size += info.Size()
		}
	}

	for i, ref := range refs {
		if err := r.store.Publish(produced[i], r.store.Location(ref)); err != nil {
			for _, done := range refs[:i] {
				if uerr := r.store.Unpublish(done); uerr != nil {
					logger.Error("roll back published artifact", "artifact", done.String(), "error", uerr)
				}
			}
			return fail(err, stderr)
		}
	}

	if err := state.Advance(model.StageStatePublished); err != nil {
		return nil, err
	}
	res.State = state.State
	res.Outputs = r.locations(refs)
	res.Duration = time.Since(start)
	res.Bytes = size
	logger.Info("stage published", "outputs", len(refs), "size", humanize.Bytes(uint64(size)),
		"duration", humanize.RelTime(start, time.Now(), "", ""))
	return res, nil
}

func (r *Runner) allDone(refs []artifact.Ref) bool {
	for _, ref := range refs {
		if !r.store.IsDone(ref) {
			return false
		}
	}
	return true
}

func (r *Runner) locations(refs []artifact.Ref) map[string]string {
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		out[ref.Role] = r.store.Location(ref)
	}
	return out
}

func (r *Runner) vars(inv Invocation, workDir string) Vars {
	vars := Vars{}
	for k, v := range r.opts.Vars {
		vars.Set(k, v)
	}
	vars.Set("threads", strconv.Itoa(r.opts.Threads))
	vars.Set("sample", inv.SampleID)
	vars.Set("workdir", workDir)
	for role, paths := range inv.Inputs {
		vars["in."+role] = paths
	}
	return vars
}

func (r *Runner) paramFunc(modeSample string) ParamFunc {
	return func(a Arg) (string, error) {
		if r.resolver == nil {
			return "", fmt.Errorf("no metadata resolver for param %s", a.Param)
		}
		return r.resolver.Resolve(modeSample, a.Param)
	}
}

func (r *Runner) execute(ctx context.Context, spec *Spec, argvs [][]string, workDir string) ([]ProcessStatus, error) {
	stderrFile, err := os.Create(filepath.Join(workDir, stderrLogName))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer stderrFile.Close()

	opts := PipelineOptions{Dir: workDir, Stderr: stderrFile, Env: r.opts.Env}
	if spec.Stdout != "" {
		stdoutFile, err := os.Create(filepath.Join(workDir, spec.Stdout))
		if err != nil {
			return nil, fmt.Errorf("create stdout file: %w", err)
		}
		defer stdoutFile.Close()
		opts.Stdout = stdoutFile
	}

	return RunPipeline(ctx, argvs, opts)
}

// keepStderrLog moves the invocation's stderr log next to the stage's
// artifacts and returns its tail. Logs are never consulted for completion.
func (r *Runner) keepStderrLog(stage, sample, workDir string, logger *slog.Logger) string {
	src := filepath.Join(workDir, stderrLogName)
	tail := readTail(src, stderrTail)

	dst := filepath.Join(r.store.StageDir(stage), logDirName, sample+".stderr.log")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		logger.Warn("keep stderr log", "error", err)
		return tail
	}
	if err := os.Rename(src, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("keep stderr log", "error", err)
	}
	return tail
}

func (r *Runner) locate(workDir string, out Output, ref artifact.Ref) (string, error) {
	matches, err := filepath.Glob(filepath.Join(workDir, out.Glob))
	if err != nil {
		return "", &ValidationError{Role: out.Role, Err: err}
	}
	switch len(matches) {
	case 0:
		return "", &ValidationError{Role: out.Role, Err: fmt.Errorf("no file matches %q", out.Glob)}
	case 1:
	default:
		return "", &ValidationError{Role: out.Role, Err: fmt.Errorf("%d files match %q", len(matches), out.Glob)}
	}
	if err := artifact.Validate(matches[0], ref.Format); err != nil {
		return "", &ValidationError{Role: out.Role, Path: matches[0], Err: err}
	}
	return matches[0], nil
}

func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > n {
		if _, err := f.Seek(info.Size()-n, io.SeekStart); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}
