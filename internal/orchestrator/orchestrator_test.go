package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/me/rnapipe/internal/artifact"
	"github.com/me/rnapipe/internal/config"
	"github.com/me/rnapipe/internal/discovery"
	"github.com/me/rnapipe/internal/logging"
	"github.com/me/rnapipe/internal/metadata"
	"github.com/me/rnapipe/internal/stage"
	"github.com/me/rnapipe/pkg/model"
)

// fakeStages stands in for the real tools with shell snippets. Every
// invocation appends one line to ${calls}.
func fakeStages() map[string]*stage.Spec {
	return map[string]*stage.Spec{
		config.StageTrim: {
			Name:  config.StageTrim,
			Scope: stage.ScopeSample,
			Commands: [][]stage.Arg{
				stage.Cmd("sh", "-c", `echo "trim $2" >> "$1"; cat "$3" > r1.out; cat "$4" > r2.out`,
					"sh", "${calls}", "${sample}", "${in.r1}", "${in.r2}"),
			},
			Outputs: []stage.Output{
				{Role: "r1", Glob: "r1.out", Name: "${sample}_R1.trimmed", Format: artifact.FormatNonEmpty},
				{Role: "r2", Glob: "r2.out", Name: "${sample}_R2.trimmed", Format: artifact.FormatNonEmpty},
			},
		},
		config.StageQC: {
			Name:       config.StageQC,
			Scope:      stage.ScopeSample,
			Diagnostic: true,
			Commands: [][]stage.Arg{
				stage.Cmd("sh", "-c", `echo "qc $2" >> "$1"; [ "$2" = "${qcfail}" ] && exit 3; echo ok > report.html`,
					"sh", "${calls}", "${sample}"),
			},
			Outputs: []stage.Output{
				{Role: "report", Glob: "report.html", Name: "${sample}.html", Format: artifact.FormatNonEmpty},
			},
		},
		config.StageAlign: {
			Name:  config.StageAlign,
			Scope: stage.ScopeSample,
			Commands: [][]stage.Arg{
				{
					stage.Lit("sh"), stage.Lit("-c"),
					stage.Lit(`calls=$1; sample=$2; r1=$3; shift 3; echo "align $sample $*" >> "$calls"; cat "$r1"`),
					stage.Lit("sh"), stage.Lit("${calls}"), stage.Lit("${sample}"), stage.Lit("${in.r1}"),
					stage.ParamFlag("--strand", metadata.ParamAlignOrientation),
				},
				stage.Cmd("sh", "-c", "cat > aligned.bam"),
			},
			Outputs: []stage.Output{
				{Role: "bam", Glob: "aligned.bam", Name: "${sample}.bam", Format: artifact.FormatNonEmpty},
			},
		},
		config.StageCount: {
			Name:  config.StageCount,
			Scope: stage.ScopeAll,
			Commands: [][]stage.Arg{
				{
					stage.Lit("sh"), stage.Lit("-c"),
					stage.Lit(`calls=$1; shift; echo "count $*" >> "$calls"; echo counted > counts.txt; echo summary > counts.txt.summary`),
					stage.Lit("sh"), stage.Lit("${calls}"),
					stage.ParamFlag("-s", metadata.ParamCountMode),
					stage.Lit("${in.bam}"),
				},
			},
			Outputs: []stage.Output{
				{Role: "summary", Glob: "counts.txt.summary", Name: "counts.txt.summary", Format: artifact.FormatNonEmpty},
				{Role: "counts", Glob: "counts.txt", Name: "counts.txt", Format: artifact.FormatNonEmpty},
			},
		},
		config.StageQuant: {
			Name:  config.StageQuant,
			Scope: stage.ScopeSample,
			Commands: [][]stage.Arg{
				{
					stage.Lit("sh"), stage.Lit("-c"),
					stage.Lit(`calls=$1; sample=$2; shift 2; echo "quant $sample $*" >> "$calls"; echo 42`),
					stage.Lit("sh"), stage.Lit("${calls}"), stage.Lit("${sample}"),
					stage.ParamFlag("-s", metadata.ParamStrandLabel),
				},
			},
			Stdout: "counts.tsv",
			Outputs: []stage.Output{
				{Role: "counts", Glob: "counts.tsv", Name: "${sample}.tsv", Format: artifact.FormatNonEmpty},
			},
		},
	}
}

type env struct {
	cfg   config.Config
	calls string
}

func newEnv(t *testing.T, modes map[string]string) *env {
	t.Helper()
	root := t.TempDir()
	in := filepath.Join(root, "reads")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}

	var meta strings.Builder
	meta.WriteString("# sample mode\n")
	for _, id := range []string{"S1", "S2", "S3"} {
		mode, ok := modes[id]
		if !ok {
			continue
		}
		for _, mate := range []string{"_R1_", "_R2_"} {
			if err := os.WriteFile(filepath.Join(in, id+mate+"001.fastq.gz"), []byte("@"+id+"\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		meta.WriteString(id + "\t" + mode + "\n")
	}
	metaPath := filepath.Join(root, "metadata.tsv")
	if err := os.WriteFile(metaPath, []byte(meta.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	index := filepath.Join(root, "genome")
	if err := os.WriteFile(index+".1.ht2", []byte("idx"), 0o644); err != nil {
		t.Fatal(err)
	}

	calls := filepath.Join(root, "calls.log")
	cfg := config.Default()
	cfg.InputDir = in
	cfg.OutDir = filepath.Join(root, "out")
	cfg.Metadata = metaPath
	cfg.Index = index
	cfg.Annotation = filepath.Join(root, "genes.gtf")
	cfg.Threads = 1
	cfg.Jobs = 2
	cfg.Vars = map[string]string{"calls": calls, "qcfail": "none"}
	cfg.Stages = fakeStages()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return &env{cfg: cfg, calls: calls}
}

func (e *env) lines(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(e.calls)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func (e *env) linesWithPrefix(t *testing.T, prefix string) []string {
	t.Helper()
	var out []string
	for _, l := range e.lines(t) {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

func TestRun_FullPipelineThenResume(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "SR", "S3": "SR"})

	m, err := New(e.cfg, logging.Discard()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 3 samples x 4 per-sample stages + 1 aggregation.
	if got := len(e.lines(t)); got != 13 {
		t.Fatalf("invocations = %d, want 13:\n%s", got, strings.Join(e.lines(t), "\n"))
	}
	if m.Published != 13 || m.Failed != 0 {
		t.Errorf("metrics published/failed = %d/%d, want 13/0", m.Published, m.Failed)
	}
	for _, l := range e.linesWithPrefix(t, "align ") {
		if !strings.HasSuffix(l, "--strand R") {
			t.Errorf("align call %q lacks reverse orientation", l)
		}
	}
	count := e.linesWithPrefix(t, "count ")
	if len(count) != 1 || !strings.HasPrefix(count[0], "count -s 2 ") {
		t.Fatalf("count calls = %v, want one with -s 2", count)
	}
	for _, id := range []string{"S1", "S2", "S3"} {
		if !strings.Contains(count[0], id+".bam") {
			t.Errorf("count call %q missing %s.bam", count[0], id)
		}
	}
	for _, p := range []string{"count/counts.txt", "count/counts.txt.summary", "quant/S2.tsv", "align/S3.bam"} {
		if _, err := os.Stat(filepath.Join(e.cfg.OutDir, p)); err != nil {
			t.Errorf("artifact %s: %v", p, err)
		}
	}

	// Second run over the same output: nothing executes.
	if err := os.Remove(e.calls); err != nil {
		t.Fatal(err)
	}
	m, err = New(e.cfg, logging.Discard()).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := e.lines(t); len(got) != 0 {
		t.Errorf("second run invoked %v", got)
	}
	if m.Skipped != 13 || m.Published != 0 {
		t.Errorf("second run skipped/published = %d/%d, want 13/0", m.Skipped, m.Published)
	}
}

func TestRun_ResumesOnlyMissingArtifacts(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "SR"})
	if _, err := New(e.cfg, logging.Discard()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := os.Remove(e.calls); err != nil {
		t.Fatal(err)
	}
	// Truncate one alignment: only that invocation reruns. Completion is
	// judged per artifact, so downstream artifacts already published stay.
	if err := os.WriteFile(filepath.Join(e.cfg.OutDir, "align", "S2.bam"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(e.cfg, logging.Discard()).Run(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := e.lines(t)
	if len(got) != 1 || !strings.HasPrefix(got[0], "align S2") {
		t.Fatalf("resume invoked %v, want only align for S2", got)
	}
	info, err := os.Stat(filepath.Join(e.cfg.OutDir, "align", "S2.bam"))
	if err != nil || info.Size() == 0 {
		t.Errorf("S2.bam not republished: %v", err)
	}
}

func TestRun_PerSampleParamsFollowEachSample(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "U", "S3": "SF"})
	e.cfg.Aggregation = config.GateFirstSample

	if _, err := New(e.cfg, logging.Discard()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]string{
		"quant S1": "quant S1 -s reverse",
		"quant S2": "quant S2 -s no",
		"quant S3": "quant S3 -s yes",
	}
	for _, l := range e.linesWithPrefix(t, "quant ") {
		key := l[:len("quant S1")]
		if l != want[key] {
			t.Errorf("got %q, want %q", l, want[key])
		}
	}
	align := e.linesWithPrefix(t, "align S2")
	if len(align) != 1 || strings.Contains(align[0], "--strand") {
		t.Errorf("unstranded align should omit the flag: %v", align)
	}
	count := e.linesWithPrefix(t, "count ")
	if len(count) != 1 || !strings.HasPrefix(count[0], "count -s 2 ") {
		t.Errorf("count under first-sample policy = %v, want S1's -s 2", count)
	}
}

func TestRun_StrictGateFailsBeforeAnyStage(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "SR", "S3": "SF"})

	_, err := New(e.cfg, logging.Discard()).Run(context.Background())
	var inconsistent *InconsistentModeError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("err = %v, want *InconsistentModeError", err)
	}
	if got := e.lines(t); len(got) != 0 {
		t.Errorf("stages ran before the gate failed: %v", got)
	}
}

func TestRun_MissingMateFailsBeforeAnyStage(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "SR"})
	if err := os.Remove(filepath.Join(e.cfg.InputDir, "S2_R2_001.fastq.gz")); err != nil {
		t.Fatal(err)
	}

	_, err := New(e.cfg, logging.Discard()).Run(context.Background())
	var missing *discovery.MissingPairError
	if !errors.As(err, &missing) || missing.SampleID != "S2" {
		t.Fatalf("err = %v, want *MissingPairError for S2", err)
	}
	if got := e.lines(t); len(got) != 0 {
		t.Errorf("stages ran: %v", got)
	}
}

func TestRun_SampleWithoutMetadataFailsBeforeAnyStage(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR"})
	for _, mate := range []string{"_R1_", "_R2_"} {
		if err := os.WriteFile(filepath.Join(e.cfg.InputDir, "S9"+mate+"001.fastq.gz"), []byte("@"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	_, err := New(e.cfg, logging.Discard()).Run(context.Background())
	var unknown *metadata.UnknownSampleError
	if !errors.As(err, &unknown) || unknown.SampleID != "S9" {
		t.Fatalf("err = %v, want *UnknownSampleError for S9", err)
	}
	if got := e.lines(t); len(got) != 0 {
		t.Errorf("stages ran: %v", got)
	}
}

func TestRun_MissingIndex(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR"})
	e.cfg.Index = filepath.Join(t.TempDir(), "nope")

	_, err := New(e.cfg, logging.Discard()).Run(context.Background())
	var missing *IndexMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *IndexMissingError", err)
	}
	if len(missing.Tried) != len(e.cfg.IndexSuffixes) {
		t.Errorf("Tried = %v", missing.Tried)
	}
}

func TestRun_StageFailureHalts(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "SR"})
	e.cfg.Vars["qcfail"] = "S2"

	_, err := New(e.cfg, logging.Discard()).Run(context.Background())
	var failure *stage.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *stage.Failure", err)
	}
	if failure.Stage != config.StageQC || failure.Sample != "S2" {
		t.Errorf("failure at %s/%s, want %s/S2", failure.Stage, failure.Sample, config.StageQC)
	}
	if got := e.linesWithPrefix(t, "align "); len(got) != 0 {
		t.Errorf("align ran after a halting failure: %v", got)
	}
	if _, err := os.Stat(filepath.Join(e.cfg.OutDir, config.StageQC, "S2.html")); !os.IsNotExist(err) {
		t.Errorf("failed invocation left a published artifact: %v", err)
	}
}

func TestRun_QCWarnPolicyContinues(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "SR"})
	e.cfg.Vars["qcfail"] = "S2"
	e.cfg.QCFailure = config.QCWarn

	m, err := New(e.cfg, logging.Discard()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Failed != 1 {
		t.Errorf("Failed = %d, want 1", m.Failed)
	}
	if got := e.linesWithPrefix(t, "quant "); len(got) != 2 {
		t.Errorf("quant calls = %v, want both samples", got)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "SR"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(e.cfg, logging.Discard()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := e.lines(t); len(got) != 0 {
		t.Errorf("stages ran after cancellation: %v", got)
	}
}

func TestRun_SweepsStaleTemporaries(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR"})
	stale := filepath.Join(e.cfg.OutDir, config.StageAlign, ".tmp", "S1.bam.crashed")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(e.cfg, logging.Discard()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temporary survived: %v", err)
	}
}

type memRecorder struct {
	mu          sync.Mutex
	runs        []model.RunRecord
	invocations []model.InvocationRecord
}

func (r *memRecorder) BeginRun(_ context.Context, run *model.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *memRecorder) RecordInvocation(_ context.Context, rec *model.InvocationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations = append(r.invocations, *rec)
	return nil
}

func (r *memRecorder) FinishRun(_ context.Context, run *model.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func TestRun_RecordsHistory(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR"})
	rec := &memRecorder{}

	o := New(e.cfg, logging.Discard(), WithRecorder(rec), WithRunID("run-42"))
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.runs) != 2 {
		t.Fatalf("run records = %d, want begin and finish", len(rec.runs))
	}
	if rec.runs[0].State != model.RunStateRunning || rec.runs[1].State != model.RunStateCompleted {
		t.Errorf("run states = %s then %s", rec.runs[0].State, rec.runs[1].State)
	}
	if rec.runs[1].ID != "run-42" || rec.runs[1].Samples != 1 || rec.runs[1].FinishedAt == nil {
		t.Errorf("finish record = %+v", rec.runs[1])
	}
	if len(rec.invocations) != 5 {
		t.Errorf("invocation records = %d, want 5", len(rec.invocations))
	}
	for _, inv := range rec.invocations {
		if inv.RunID != "run-42" || inv.State != model.StageStatePublished {
			t.Errorf("invocation record %+v", inv)
		}
	}
}

func TestRun_RelativePaths(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "U"})
	root := filepath.Dir(e.cfg.Metadata)
	chdir(t, root)

	e.cfg.InputDir = "reads"
	e.cfg.OutDir = "./results"
	e.cfg.Metadata = "metadata.tsv"
	e.cfg.Index = "genome"
	e.cfg.Annotation = "genes.gtf"

	if _, err := New(e.cfg, logging.Discard()).Run(context.Background()); err != nil {
		t.Fatalf("Run with relative paths: %v", err)
	}
	for _, p := range []string{"results/count/counts.txt", "results/align/S1.bam", "results/quant/S2.tsv"} {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			t.Errorf("artifact %s: %v", p, err)
		}
	}
}

func TestRun_WarnPolicyOnlyCoversDiagnosticStages(t *testing.T) {
	e := newEnv(t, map[string]string{"S1": "SR", "S2": "SR"})
	e.cfg.Vars["qcfail"] = "S2"
	e.cfg.QCFailure = config.QCWarn
	e.cfg.Stages[config.StageQC].Diagnostic = false

	_, err := New(e.cfg, logging.Discard()).Run(context.Background())
	var failure *stage.Failure
	if !errors.As(err, &failure) || failure.Stage != config.StageQC {
		t.Fatalf("err = %v, want a %s failure", err, config.StageQC)
	}
	if got := e.linesWithPrefix(t, "align "); len(got) != 0 {
		t.Errorf("align ran after a non-diagnostic failure: %v", got)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
