package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/me/rnapipe/internal/config"
	"github.com/me/rnapipe/internal/metadata"
	"github.com/me/rnapipe/internal/stage"
)

// Gate checks that an aggregation stage can parameterize all samples with
// a single value per mode-derived parameter.
type Gate struct {
	Policy config.GatePolicy
	Params []metadata.Param
}

// GateDecision is the parameterization chosen for an aggregation stage.
type GateDecision struct {
	// Representative is the sample whose mode parameterizes the stage: the
	// first participating sample in metadata file order.
	Representative string
	Mode           metadata.ModeCode
	Values         map[metadata.Param]string
	// Divergent lists samples whose derived value differs, by parameter.
	// Only populated under the first-sample policy; strict fails instead.
	Divergent map[metadata.Param][]string
}

// NewGate builds a gate for the parameters used by spec.
func NewGate(policy config.GatePolicy, spec *stage.Spec) Gate {
	seen := make(map[metadata.Param]bool)
	var params []metadata.Param
	for _, cmd := range spec.Commands {
		for _, a := range cmd {
			if a.IsParam() && !seen[a.Param] {
				seen[a.Param] = true
				params = append(params, a.Param)
			}
		}
	}
	return Gate{Policy: policy, Params: params}
}

// Evaluate picks the representative sample and checks every sample in ids
// against it.
func (g Gate) Evaluate(resolver *metadata.Resolver, ids []string, logger *slog.Logger) (*GateDecision, error) {
	participating := make(map[string]bool, len(ids))
	for _, id := range ids {
		participating[id] = true
	}

	var rep string
	for _, id := range resolver.Table().Order() {
		if participating[id] {
			rep = id
			break
		}
	}
	if rep == "" {
		if len(ids) == 0 {
			return nil, fmt.Errorf("aggregation gate: no samples")
		}
		return nil, &metadata.UnknownSampleError{SampleID: ids[0]}
	}

	mode, err := resolver.Mode(rep)
	if err != nil {
		return nil, err
	}
	d := &GateDecision{
		Representative: rep,
		Mode:           mode,
		Values:         make(map[metadata.Param]string),
		Divergent:      make(map[metadata.Param][]string),
	}

	for _, p := range g.Params {
		want, err := resolver.Resolve(rep, p)
		if err != nil {
			return nil, err
		}
		d.Values[p] = want

		var divergent []string
		for _, id := range ids {
			got, err := resolver.Resolve(id, p)
			if err != nil {
				return nil, err
			}
			if got != want {
				divergent = append(divergent, id)
			}
		}
		if len(divergent) == 0 {
			continue
		}
		sort.Strings(divergent)
		if g.Policy != config.GateFirstSample {
			return nil, &InconsistentModeError{Param: p, Representative: rep, Value: want, Divergent: divergent}
		}
		d.Divergent[p] = divergent
		for _, id := range divergent {
			logger.Warn("sample aggregated under another sample's parameter",
				"param", p, "sample", id, "representative", rep, "value", want)
		}
	}
	return d, nil
}

// InconsistentModeError is returned when samples would need different
// parameter values in a stage that processes them together.
type InconsistentModeError struct {
	Param          metadata.Param
	Representative string
	Value          string
	Divergent      []string
}

func (e *InconsistentModeError) Error() string {
	return fmt.Sprintf("aggregation needs a single %s value: sample %s gives %q but %s differ",
		e.Param, e.Representative, e.Value, strings.Join(e.Divergent, ", "))
}
