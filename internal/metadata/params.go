package metadata

import (
	"fmt"
	"sort"
)

// Param names a tool-specific parameter derived from a sample's mode code.
type Param string

const (
	// ParamAlignOrientation is the aligner's strandness flag value.
	// Empty means the flag is omitted entirely.
	ParamAlignOrientation Param = "align-orientation"
	// ParamCountMode is the read counter's strand mode (0, 1 or 2).
	ParamCountMode Param = "count-mode"
	// ParamStrandLabel is the per-sample quantifier's strand label.
	ParamStrandLabel Param = "strand-label"
)

// paramTable is the single source of truth for mode → parameter values.
// Every param must cover every code in Modes.
var paramTable = map[Param]map[ModeCode]string{
	ParamAlignOrientation: {
		ModeReverse:    "R",
		ModeForward:    "F",
		ModeUnstranded: "",
		ModeUnknown:    "",
	},
	ParamCountMode: {
		ModeReverse:    "2",
		ModeForward:    "1",
		ModeUnstranded: "0",
		ModeUnknown:    "0",
	},
	ParamStrandLabel: {
		ModeReverse:    "reverse",
		ModeForward:    "yes",
		ModeUnstranded: "no",
		ModeUnknown:    "no",
	},
}

// Params returns the registered parameter names, sorted.
func Params() []Param {
	out := make([]Param, 0, len(paramTable))
	for p := range paramTable {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Value maps a mode code to the value of param.
func Value(param Param, mode ModeCode) (string, error) {
	byMode, ok := paramTable[param]
	if !ok {
		return "", &UnknownToolError{Param: string(param)}
	}
	v, ok := byMode[mode]
	if !ok {
		return "", &UnknownModeError{Mode: string(mode)}
	}
	return v, nil
}

// Resolver answers parameter lookups for samples in a table.
type Resolver struct {
	table *Table
}

// NewResolver creates a resolver over table.
func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Table returns the underlying mode table.
func (r *Resolver) Table() *Table {
	return r.table
}

// Mode returns the mode code of a sample.
func (r *Resolver) Mode(sampleID string) (ModeCode, error) {
	return r.table.Mode(sampleID)
}

// Resolve looks up the sample's mode and maps it through param.
func (r *Resolver) Resolve(sampleID string, param Param) (string, error) {
	mode, err := r.table.Mode(sampleID)
	if err != nil {
		return "", err
	}
	return Value(param, mode)
}

// UnknownToolError is returned when no parameter map is registered under a name.
type UnknownToolError struct {
	Param string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("no parameter map registered for %q", e.Param)
}
