// Package orchestrator drives the fixed stage sequence across all samples.
//
// The orchestrator keeps no durable state of its own: whether a (stage,
// sample) pair still needs work is decided from the published artifacts, so
// a failed or interrupted run is resumed by running it again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/me/rnapipe/internal/artifact"
	"github.com/me/rnapipe/internal/config"
	"github.com/me/rnapipe/internal/discovery"
	"github.com/me/rnapipe/internal/logging"
	"github.com/me/rnapipe/internal/metadata"
	"github.com/me/rnapipe/internal/stage"
	"github.com/me/rnapipe/pkg/model"
)

// Recorder receives run and invocation records. It is an audit trail only;
// it is never consulted to decide what to run.
type Recorder interface {
	BeginRun(ctx context.Context, run *model.RunRecord) error
	RecordInvocation(ctx context.Context, rec *model.InvocationRecord) error
	FinishRun(ctx context.Context, run *model.RunRecord) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets the history recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	cfg      config.Config
	store    *artifact.Store
	recorder Recorder
	logger   *slog.Logger
	runID    string
	err      error // deferred construction error, reported by Preflight
}

// New creates an Orchestrator. cfg must already be validated. Relative paths
// in cfg are resolved against the current directory.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
		runID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator", "run_id", o.runID)
	o.err = o.cfg.Resolve()
	o.store = artifact.NewStore(o.cfg.OutDir, o.logger)
	return o
}

// RunID returns the id of this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Plan is the outcome of the pre-flight checks.
type Plan struct {
	Samples  []model.Sample
	Resolver *metadata.Resolver
	// Gate is nil when the aggregation artifact is already published.
	Gate *GateDecision

	runner *stage.Runner
}

// Preflight performs every check that can fail before any external command
// runs: discovery and pairing, metadata coverage, the aligner index and the
// aggregation gate.
func (o *Orchestrator) Preflight() (*Plan, error) {
	if o.err != nil {
		return nil, o.err
	}
	samples, err := discovery.Scan(o.cfg.InputDir, o.cfg.Pairing)
	if err != nil {
		return nil, err
	}
	o.logger.Info("discovered samples", "count", len(samples), "input_dir", o.cfg.InputDir)

	table, err := metadata.Load(o.cfg.Metadata)
	if err != nil {
		return nil, err
	}
	ids := model.SampleIDs(samples)
	if err := table.Require(ids); err != nil {
		return nil, err
	}
	o.logger.Debug("loaded metadata", "entries", table.Len(), "path", o.cfg.Metadata)
	resolver := metadata.NewResolver(table)

	if err := o.checkIndex(); err != nil {
		return nil, err
	}

	runner := stage.NewRunner(o.store, resolver, stage.Options{
		Threads: o.cfg.Threads,
		Vars:    o.cfg.TemplateVars(),
	}, o.logger)
	plan := &Plan{Samples: samples, Resolver: resolver, runner: runner}

	countSpec := o.cfg.Stages[config.StageCount]
	done, err := runner.Done(countSpec, model.AggregateSampleID)
	if err != nil {
		return nil, err
	}
	if !done {
		gate := NewGate(o.cfg.Aggregation, countSpec)
		decision, err := gate.Evaluate(resolver, ids, o.logger)
		if err != nil {
			return nil, err
		}
		plan.Gate = decision
		o.logger.Info("aggregation parameters", "representative", decision.Representative, "mode", decision.Mode)
	}
	return plan, nil
}

func (o *Orchestrator) checkIndex() error {
	tried := make([]string, 0, len(o.cfg.IndexSuffixes))
	for _, suffix := range o.cfg.IndexSuffixes {
		path := o.cfg.Index + suffix
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return nil
		}
		tried = append(tried, path)
	}
	return &IndexMissingError{Prefix: o.cfg.Index, Tried: tried}
}

// Run executes the pipeline to completion or first fatal failure.
func (o *Orchestrator) Run(ctx context.Context) (*RunMetrics, error) {
	metrics := NewMetricsCollector(o.runID)
	record := &model.RunRecord{
		ID:        o.runID,
		State:     model.RunStateRunning,
		InputDir:  o.cfg.InputDir,
		OutDir:    o.cfg.OutDir,
		Threads:   o.cfg.Threads,
		Jobs:      o.cfg.EffectiveJobs(),
		StartedAt: time.Now().UTC(),
	}

	plan, err := o.Preflight()
	if err == nil {
		record.Samples = len(plan.Samples)
	}
	o.beginRun(ctx, record)

	if err == nil {
		err = o.execute(ctx, plan, metrics)
	}

	finished := time.Now().UTC()
	record.FinishedAt = &finished
	record.State = model.RunStateCompleted
	if err != nil {
		record.State = model.RunStateFailed
		record.Error = err.Error()
	}
	o.finishRun(record)

	return metrics.Finalize(config.StageOrder), err
}

func (o *Orchestrator) execute(ctx context.Context, plan *Plan, metrics *MetricsCollector) error {
	for _, name := range config.StageOrder {
		if _, err := o.store.Sweep(name); err != nil {
			return err
		}
	}

	d := &driver{
		o:       o,
		runner:  plan.runner,
		plan:    plan,
		metrics: metrics,
		sem:     NewSemaphore(o.cfg.EffectiveJobs()),
	}
	o.logger.Info("executing stages", "samples", len(plan.Samples), "jobs", d.sem.Capacity())
	stages := o.cfg.Stages

	trim := stages[config.StageTrim]
	err := d.forEachSample(ctx, trim, func(s model.Sample) (stage.Invocation, error) {
		return stage.Invocation{
			SampleID:   s.ID,
			ModeSample: s.ID,
			Inputs:     map[string][]string{"r1": {s.Primary}, "r2": {s.Secondary}},
		}, nil
	})
	if err != nil {
		return err
	}

	fromTrim := d.upstream(trim, "r1", "r2")
	if err := d.forEachSample(ctx, stages[config.StageQC], fromTrim); err != nil {
		return err
	}
	align := stages[config.StageAlign]
	if err := d.forEachSample(ctx, align, fromTrim); err != nil {
		return err
	}

	// Aggregation and per-sample quantification only share the published
	// alignments, so they run side by side.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.aggregate(gctx, stages[config.StageCount], align)
	})
	g.Go(func() error {
		return d.forEachSample(gctx, stages[config.StageQuant], d.upstream(align, "bam"))
	})
	return g.Wait()
}

func (o *Orchestrator) beginRun(ctx context.Context, rec *model.RunRecord) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.BeginRun(ctx, rec); err != nil {
		o.logger.Warn("record run start", "error", err)
	}
}

func (o *Orchestrator) finishRun(rec *model.RunRecord) {
	if o.recorder == nil {
		return
	}
	// The run context may already be cancelled; the final record is still wanted.
	if err := o.recorder.FinishRun(context.Background(), rec); err != nil {
		o.logger.Warn("record run finish", "error", err)
	}
}

// driver holds the per-run collaborators used while executing stages.
type driver struct {
	o       *Orchestrator
	runner  *stage.Runner
	plan    *Plan
	metrics *MetricsCollector
	sem     *Semaphore
}

type invocationFunc func(model.Sample) (stage.Invocation, error)

// upstream wires the given output roles of a per-sample stage as inputs.
func (d *driver) upstream(from *stage.Spec, roles ...string) invocationFunc {
	return func(s model.Sample) (stage.Invocation, error) {
		outputs, err := d.runner.Outputs(from, s.ID)
		if err != nil {
			return stage.Invocation{}, err
		}
		inputs := make(map[string][]string, len(roles))
		for _, role := range roles {
			path, ok := outputs[role]
			if !ok {
				return stage.Invocation{}, fmt.Errorf("stage %s has no output %q", from.Name, role)
			}
			inputs[role] = []string{path}
		}
		return stage.Invocation{SampleID: s.ID, ModeSample: s.ID, Inputs: inputs}, nil
	}
}

// forEachSample runs spec for every sample on the shared worker pool. The
// first failure cancels the level: no new invocations start and running
// processes are killed. Failures of a diagnostic stage are logged and dropped
// instead when the QC failure policy is warn.
func (d *driver) forEachSample(ctx context.Context, spec *stage.Spec, build invocationFunc) error {
	tolerate := spec.Diagnostic && d.o.cfg.QCFailure == config.QCWarn
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.plan.Samples {
		inv, err := build(s)
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		if !d.sem.Acquire(gctx) {
			break
		}
		g.Go(func() error {
			defer d.sem.Release()
			err := d.invoke(gctx, spec, inv)
			var failure *stage.Failure
			if err != nil && tolerate && errors.As(err, &failure) && gctx.Err() == nil {
				d.o.logger.Warn("diagnostic stage failed, continuing", "stage", spec.Name, "sample", inv.SampleID, "error", err)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *driver) aggregate(ctx context.Context, spec *stage.Spec, from *stage.Spec) error {
	var bams []string
	for _, s := range d.plan.Samples {
		outputs, err := d.runner.Outputs(from, s.ID)
		if err != nil {
			return err
		}
		bams = append(bams, outputs["bam"])
	}

	inv := stage.Invocation{SampleID: model.AggregateSampleID, Inputs: map[string][]string{"bam": bams}}
	if d.plan.Gate != nil {
		inv.ModeSample = d.plan.Gate.Representative
	} else {
		// Already published: the runner skips without resolving parameters.
		inv.ModeSample = d.plan.Samples[0].ID
	}

	if !d.sem.Acquire(ctx) {
		return ctx.Err()
	}
	defer d.sem.Release()
	return d.invoke(ctx, spec, inv)
}

func (d *driver) invoke(ctx context.Context, spec *stage.Spec, inv stage.Invocation) error {
	start := time.Now()
	res, err := d.runner.Run(ctx, spec, inv)

	state := model.StageStateFailed
	var duration time.Duration
	var size int64
	if res != nil && res.State.IsTerminal() {
		state = res.State
		duration = res.Duration
		size = res.Bytes
	}
	d.metrics.Record(InvocationMetrics{
		Stage:     spec.Name,
		Sample:    inv.SampleID,
		StartTime: start,
		Duration:  duration,
		State:     state,
		Bytes:     size,
	})

	if d.o.recorder != nil {
		rec := &model.InvocationRecord{
			RunID:     d.o.runID,
			Stage:     spec.Name,
			Sample:    inv.SampleID,
			State:     state,
			Duration:  duration,
			StartedAt: start.UTC(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if rerr := d.o.recorder.RecordInvocation(context.WithoutCancel(ctx), rec); rerr != nil {
			d.o.logger.Warn("record invocation", "stage", spec.Name, "sample", inv.SampleID, "error", rerr)
		}
	}

	if err != nil {
		var failure *stage.Failure
		if errors.As(err, &failure) && failure.Stderr != "" {
			d.o.logger.Debug("stage stderr", "stage", spec.Name, "sample", inv.SampleID, "stderr", failure.Stderr)
		}
	}
	return err
}

// IndexMissingError is returned when the aligner index cannot be found.
type IndexMissingError struct {
	Prefix string
	Tried  []string
}

func (e *IndexMissingError) Error() string {
	return fmt.Sprintf("aligner index %s not found (tried %v)", e.Prefix, e.Tried)
}
