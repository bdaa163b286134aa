package stage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunPipeline_Chain(t *testing.T) {
	var out bytes.Buffer
	statuses, err := RunPipeline(context.Background(), [][]string{
		{"printf", "a\nc\nb\n"},
		{"sort", "-r"},
		{"head", "-n", "1"},
	}, PipelineOptions{Dir: t.TempDir(), Stdout: &out})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if out.String() != "c\n" {
		t.Errorf("stdout = %q, want %q", out.String(), "c\n")
	}
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	for i, s := range statuses {
		if !s.OK() {
			t.Errorf("status[%d] = %v", i, s)
		}
	}
}

// A failing producer must fail the chain even though the consumer exits 0.
func TestRunPipeline_FirstCommandFails(t *testing.T) {
	var out bytes.Buffer
	statuses, err := RunPipeline(context.Background(), [][]string{
		{"sh", "-c", "echo partial; exit 3"},
		{"cat"},
	}, PipelineOptions{Dir: t.TempDir(), Stdout: &out})

	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if perr.FirstFailure() != 0 {
		t.Errorf("FirstFailure = %d, want 0", perr.FirstFailure())
	}
	if statuses[0].ExitCode != 3 {
		t.Errorf("producer exit = %d, want 3", statuses[0].ExitCode)
	}
	if !statuses[1].OK() {
		t.Errorf("consumer status = %v, want clean exit", statuses[1])
	}
	if out.String() != "partial\n" {
		t.Errorf("consumer still ran to completion; stdout = %q", out.String())
	}
	if !strings.Contains(err.Error(), "sh exited 3") {
		t.Errorf("error %q does not name the failing process", err)
	}
}

func TestRunPipeline_LastCommandFails(t *testing.T) {
	_, err := RunPipeline(context.Background(), [][]string{
		{"printf", "x"},
		{"sh", "-c", "cat >/dev/null; exit 1"},
	}, PipelineOptions{Dir: t.TempDir()})
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.FirstFailure() != 1 {
		t.Fatalf("expected failure at index 1, got %v", err)
	}
}

func TestRunPipeline_StartFailure(t *testing.T) {
	statuses, err := RunPipeline(context.Background(), [][]string{
		{"sh", "-c", "sleep 5"},
		{"/nonexistent/rnapipe-tool"},
		{"cat"},
	}, PipelineOptions{Dir: t.TempDir()})
	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if statuses[1].Err == nil {
		t.Error("missing binary should record a start error")
	}
	if statuses[2].OK() {
		t.Error("command after the start failure must not be reported as successful")
	}
	if statuses[0].OK() {
		t.Error("already started command should have been killed")
	}
}

func TestRunPipeline_Stderr(t *testing.T) {
	var stderr bytes.Buffer
	_, err := RunPipeline(context.Background(), [][]string{
		{"sh", "-c", "echo one >&2; echo data"},
		{"sh", "-c", "cat >/dev/null; echo two >&2"},
	}, PipelineOptions{Dir: t.TempDir(), Stderr: &stderr})
	if err != nil {
		t.Fatal(err)
	}
	got := stderr.String()
	if !strings.Contains(got, "one") || !strings.Contains(got, "two") {
		t.Errorf("stderr = %q, want output from both processes", got)
	}
}

func TestRunPipeline_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := RunPipeline(ctx, [][]string{{"sleep", "10"}}, PipelineOptions{Dir: t.TempDir()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled pipeline was not killed promptly")
	}
}

func TestRunPipeline_Empty(t *testing.T) {
	if _, err := RunPipeline(context.Background(), nil, PipelineOptions{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("nil pipeline: %v", err)
	}
	if _, err := RunPipeline(context.Background(), [][]string{{}}, PipelineOptions{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("empty argv: %v", err)
	}
}
