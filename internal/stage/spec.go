// Package stage runs one pipeline stage for one sample: it builds the
// stage's command chain, executes it with pipefail semantics, validates the
// outputs and publishes them through the artifact store.
package stage

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/me/rnapipe/internal/artifact"
	"github.com/me/rnapipe/internal/metadata"
)

// Scope says whether a stage runs once per sample or once for the whole run.
type Scope string

const (
	ScopeSample Scope = "sample"
	ScopeAll    Scope = "all"
)

// Spec declares how a stage is executed.
type Spec struct {
	Name  string `yaml:"name"`
	Scope Scope  `yaml:"scope"`

	// Commands are chained: each command's stdout feeds the next one's stdin.
	Commands [][]Arg `yaml:"commands"`

	// Stdout names a file in the working directory that receives the last
	// command's standard output. Empty discards it.
	Stdout string `yaml:"stdout,omitempty"`

	Outputs []Output `yaml:"outputs"`

	// Diagnostic stages produce artifacts nothing downstream consumes.
	Diagnostic bool `yaml:"diagnostic,omitempty"`
}

// Output maps a file produced in the working directory to a published artifact.
type Output struct {
	Role   string          `yaml:"role"`
	Glob   string          `yaml:"glob"` // relative to the working directory, must match exactly one file
	Name   string          `yaml:"name"` // final file name template, e.g. "${sample}.bam"
	Format artifact.Format `yaml:"format"`
}

// Arg is one command-line argument: either a literal template or a flag
// whose value is resolved from the sample's mode code.
type Arg struct {
	Value string
	Flag  string
	Param metadata.Param
}

// Lit returns a literal template argument.
func Lit(s string) Arg {
	return Arg{Value: s}
}

// ParamFlag returns an argument expanding to "flag value", or to nothing when
// the resolved value is empty.
func ParamFlag(flag string, p metadata.Param) Arg {
	return Arg{Flag: flag, Param: p}
}

// Cmd builds a command from literal templates.
func Cmd(args ...string) []Arg {
	out := make([]Arg, len(args))
	for i, a := range args {
		out[i] = Lit(a)
	}
	return out
}

// IsParam reports whether the argument is parameterized by mode.
func (a Arg) IsParam() bool {
	return a.Param != ""
}

// UnmarshalYAML accepts either a scalar literal or a {flag, param} mapping.
func (a *Arg) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		a.Value = node.Value
		return nil
	case yaml.MappingNode:
		var raw struct {
			Flag  string `yaml:"flag"`
			Param string `yaml:"param"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if raw.Param == "" {
			return fmt.Errorf("line %d: parameterized argument needs a param", node.Line)
		}
		a.Flag = raw.Flag
		a.Param = metadata.Param(raw.Param)
		return nil
	}
	return fmt.Errorf("line %d: argument must be a string or a {flag, param} mapping", node.Line)
}

// MarshalYAML mirrors UnmarshalYAML.
func (a Arg) MarshalYAML() (any, error) {
	if a.IsParam() {
		return map[string]string{"flag": a.Flag, "param": string(a.Param)}, nil
	}
	return a.Value, nil
}

// Validate checks the stage definition for structural errors.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage name is empty")
	}
	switch s.Scope {
	case ScopeSample, ScopeAll:
	default:
		return fmt.Errorf("stage %s: invalid scope %q", s.Name, s.Scope)
	}
	if len(s.Commands) == 0 {
		return fmt.Errorf("stage %s: no commands", s.Name)
	}
	known := make(map[metadata.Param]bool)
	for _, p := range metadata.Params() {
		known[p] = true
	}
	for i, cmd := range s.Commands {
		if len(cmd) == 0 || cmd[0].IsParam() || cmd[0].Value == "" {
			return fmt.Errorf("stage %s: command %d has no program", s.Name, i)
		}
		for _, a := range cmd {
			if a.IsParam() && !known[a.Param] {
				return fmt.Errorf("stage %s: %w", s.Name, &metadata.UnknownToolError{Param: string(a.Param)})
			}
		}
	}
	if len(s.Outputs) == 0 {
		return fmt.Errorf("stage %s: no outputs", s.Name)
	}
	roles := make(map[string]bool)
	for _, o := range s.Outputs {
		if o.Role == "" || o.Glob == "" || o.Name == "" {
			return fmt.Errorf("stage %s: output needs role, glob and name", s.Name)
		}
		if roles[o.Role] {
			return fmt.Errorf("stage %s: duplicate output role %q", s.Name, o.Role)
		}
		roles[o.Role] = true
		if _, err := artifact.ParseFormat(string(o.Format)); err != nil {
			return fmt.Errorf("stage %s: output %s: %w", s.Name, o.Role, err)
		}
	}
	return nil
}

// Refs returns the artifact references of the stage's outputs for sampleID.
func (s *Spec) Refs(sampleID string) ([]artifact.Ref, error) {
	vars := Vars{"sample": {sampleID}}
	refs := make([]artifact.Ref, 0, len(s.Outputs))
	for _, o := range s.Outputs {
		name, err := vars.Expand(o.Name)
		if err != nil {
			return nil, fmt.Errorf("stage %s: output %s: %w", s.Name, o.Role, err)
		}
		format := o.Format
		if format == "" {
			format = artifact.FormatExists
		}
		refs = append(refs, artifact.Ref{
			Stage:  s.Name,
			Sample: sampleID,
			Role:   o.Role,
			Name:   name,
			Format: format,
		})
	}
	return refs, nil
}
