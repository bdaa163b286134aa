package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"

	"github.com/me/rnapipe/pkg/model"
)

// InvocationMetrics holds metrics for a single stage invocation.
type InvocationMetrics struct {
	Stage     string           `json:"stage"`
	Sample    string           `json:"sample"`
	StartTime time.Time        `json:"start_time"`
	Duration  time.Duration    `json:"duration_ns"`
	State     model.StageState `json:"state"`
	Bytes     int64            `json:"bytes"`
}

// StageSummary aggregates the invocations of one stage.
type StageSummary struct {
	Stage          string        `json:"stage"`
	Published      int           `json:"published"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	DurationMean   time.Duration `json:"duration_mean_ns"`
	DurationStddev time.Duration `json:"duration_stddev_ns"`
	DurationMax    time.Duration `json:"duration_max_ns"`
}

// RunMetrics holds aggregate metrics for a pipeline run.
type RunMetrics struct {
	RunID       string              `json:"run_id"`
	StartTime   time.Time           `json:"start_time"`
	Duration    time.Duration       `json:"duration_ns"`
	Published   int                 `json:"published"`
	Skipped     int                 `json:"skipped"`
	Failed      int                 `json:"failed"`
	Bytes       int64               `json:"bytes"` // published during this run
	Invocations []InvocationMetrics `json:"invocations"`
	Stages      []StageSummary      `json:"stages"`
}

// MetricsCollector collects invocation metrics during a run. It is safe for
// concurrent use and a nil collector ignores every call.
type MetricsCollector struct {
	mu  sync.Mutex
	run *RunMetrics
}

// NewMetricsCollector creates a collector for runID.
func NewMetricsCollector(runID string) *MetricsCollector {
	return &MetricsCollector{run: &RunMetrics{RunID: runID, StartTime: time.Now()}}
}

// Record adds one finished invocation.
func (mc *MetricsCollector) Record(m InvocationMetrics) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.run.Invocations = append(mc.run.Invocations, m)
	mc.run.Bytes += m.Bytes
	switch m.State {
	case model.StageStatePublished:
		mc.run.Published++
	case model.StageStateSkipped:
		mc.run.Skipped++
	case model.StageStateFailed:
		mc.run.Failed++
	}
}

// Finalize computes per-stage summaries. stageOrder fixes the output order;
// stages without invocations are omitted.
func (mc *MetricsCollector) Finalize(stageOrder []string) *RunMetrics {
	if mc == nil {
		return nil
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.run.Duration = time.Since(mc.run.StartTime)
	sort.SliceStable(mc.run.Invocations, func(i, j int) bool {
		return mc.run.Invocations[i].StartTime.Before(mc.run.Invocations[j].StartTime)
	})

	byStage := make(map[string][]InvocationMetrics)
	for _, inv := range mc.run.Invocations {
		byStage[inv.Stage] = append(byStage[inv.Stage], inv)
	}
	mc.run.Stages = mc.run.Stages[:0]
	for _, name := range stageOrder {
		if invs, ok := byStage[name]; ok {
			mc.run.Stages = append(mc.run.Stages, summarizeStage(name, invs))
		}
	}
	return mc.run
}

// summarizeStage computes duration statistics over the invocations that
// actually ran; skipped invocations only count.
func summarizeStage(name string, invs []InvocationMetrics) StageSummary {
	s := StageSummary{Stage: name}
	var durations stats.Float64Data
	for _, inv := range invs {
		switch inv.State {
		case model.StageStatePublished:
			s.Published++
		case model.StageStateSkipped:
			s.Skipped++
			continue
		case model.StageStateFailed:
			s.Failed++
		}
		durations = append(durations, float64(inv.Duration))
	}
	if len(durations) == 0 {
		return s
	}
	if mean, err := stats.Mean(durations); err == nil {
		s.DurationMean = time.Duration(mean)
	}
	if sd, err := stats.StandardDeviationPopulation(durations); err == nil {
		s.DurationStddev = time.Duration(sd)
	}
	if mx, err := stats.Max(durations); err == nil {
		s.DurationMax = time.Duration(mx)
	}
	return s
}

// WriteSummary prints a human-readable table of run metrics.
func WriteSummary(w io.Writer, m *RunMetrics) {
	if m == nil {
		return
	}
	fmt.Fprintf(w, "run %s finished in %s: %s published (%s), %s skipped, %s failed\n",
		m.RunID, formatDuration(m.Duration),
		humanize.Comma(int64(m.Published)), humanize.Bytes(uint64(m.Bytes)),
		humanize.Comma(int64(m.Skipped)), humanize.Comma(int64(m.Failed)))
	if len(m.Stages) == 0 {
		return
	}
	fmt.Fprintf(w, "%-16s %9s %7s %6s %10s %10s %10s\n", "STAGE", "PUBLISHED", "SKIPPED", "FAILED", "MEAN", "STDDEV", "MAX")
	for _, s := range m.Stages {
		fmt.Fprintf(w, "%-16s %9d %7d %6d %10s %10s %10s\n", s.Stage, s.Published, s.Skipped, s.Failed,
			formatDuration(s.DurationMean), formatDuration(s.DurationStddev), formatDuration(s.DurationMax))
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
}
