package stage

import (
	"fmt"
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// Vars holds template variables. A variable may carry several values; it can
// then only be used as a whole argument, which expands to one argument per value.
type Vars map[string][]string

// Set assigns a single value.
func (v Vars) Set(name, value string) {
	v[name] = []string{value}
}

// Expand substitutes ${name} references inside s. Every referenced variable
// must be defined and single-valued.
func (v Vars) Expand(s string) (string, error) {
	var err error
	out := varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		vals, ok := v[name]
		switch {
		case !ok:
			if err == nil {
				err = fmt.Errorf("undefined variable ${%s}", name)
			}
			return ""
		case len(vals) != 1:
			if err == nil {
				err = fmt.Errorf("variable ${%s} has %d values and must stand alone", name, len(vals))
			}
			return ""
		}
		return vals[0]
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// ExpandArg expands one template argument into zero or more arguments.
func (v Vars) ExpandArg(s string) ([]string, error) {
	if m := varPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		vals, ok := v[m[1]]
		if !ok {
			return nil, fmt.Errorf("undefined variable ${%s}", m[1])
		}
		return append([]string(nil), vals...), nil
	}
	out, err := v.Expand(s)
	if err != nil {
		return nil, err
	}
	return []string{out}, nil
}

// ParamFunc resolves a mode-derived parameter value.
type ParamFunc func(Arg) (string, error)

// BuildCommands expands the stage's command templates into argv lists.
func BuildCommands(cmds [][]Arg, vars Vars, resolve ParamFunc) ([][]string, error) {
	out := make([][]string, 0, len(cmds))
	for i, cmd := range cmds {
		var argv []string
		for _, a := range cmd {
			if a.IsParam() {
				val, err := resolve(a)
				if err != nil {
					return nil, fmt.Errorf("command %d: %w", i, err)
				}
				if val == "" {
					continue // empty value means the flag is omitted
				}
				if a.Flag != "" {
					argv = append(argv, a.Flag)
				}
				argv = append(argv, val)
				continue
			}
			expanded, err := vars.ExpandArg(a.Value)
			if err != nil {
				return nil, fmt.Errorf("command %d: %w", i, err)
			}
			argv = append(argv, expanded...)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("command %d: %w", i, ErrEmptyCommand)
		}
		out = append(out, argv)
	}
	return out, nil
}

// FormatPipeline renders argv lists as a shell-like pipeline for logs.
func FormatPipeline(argvs [][]string) string {
	parts := make([]string, len(argvs))
	for i, argv := range argvs {
		parts[i] = strings.Join(argv, " ")
	}
	return strings.Join(parts, " | ")
}
