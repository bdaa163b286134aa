// Package metadata loads per-sample strandedness codes and maps them to the
// parameter values each external tool expects.
package metadata

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ModeCode is the strandedness category of one sample.
type ModeCode string

const (
	ModeReverse    ModeCode = "SR" // stranded, read 1 maps to the reverse strand
	ModeForward    ModeCode = "SF" // stranded, read 1 maps to the forward strand
	ModeUnstranded ModeCode = "U"
	ModeUnknown    ModeCode = "X"
)

// Modes is the closed set of recognized mode codes.
var Modes = []ModeCode{ModeReverse, ModeForward, ModeUnstranded, ModeUnknown}

// ParseMode validates s against the closed set.
func ParseMode(s string) (ModeCode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", &UnknownModeError{Mode: s}
}

// Table maps sample ids to mode codes. It is immutable once loaded.
type Table struct {
	modes map[string]ModeCode
	order []string // metadata file order
}

// NewTable builds a table from an id → mode mapping. Order follows ids.
func NewTable(ids []string, modes map[string]ModeCode) *Table {
	t := &Table{modes: make(map[string]ModeCode, len(ids))}
	for _, id := range ids {
		t.modes[id] = modes[id]
		t.order = append(t.order, id)
	}
	return t
}

// Load reads a metadata file from disk.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", path, err)
	}
	return t, nil
}

// Parse reads whitespace-delimited "<sample_id> <mode_code>" lines.
// Blank lines and lines starting with '#' are ignored.
func Parse(r io.Reader) (*Table, error) {
	var ids []string
	modes := make(map[string]ModeCode)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("expected 2 columns, got %d", len(fields))}
		}
		id := fields[0]
		mode, err := ParseMode(fields[1])
		if err != nil {
			return nil, &ParseError{Line: lineNo, Msg: err.Error()}
		}
		if _, dup := modes[id]; dup {
			return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("duplicate sample %s", id)}
		}
		modes[id] = mode
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return NewTable(ids, modes), nil
}

// Mode returns the mode code for id.
func (t *Table) Mode(id string) (ModeCode, error) {
	m, ok := t.modes[id]
	if !ok {
		return "", &UnknownSampleError{SampleID: id}
	}
	return m, nil
}

// Order returns sample ids in metadata file order.
func (t *Table) Order() []string {
	return append([]string(nil), t.order...)
}

// Len returns the number of samples in the table.
func (t *Table) Len() int {
	return len(t.order)
}

// Require checks that every id has an entry. Run before any stage executes.
func (t *Table) Require(ids []string) error {
	for _, id := range ids {
		if _, ok := t.modes[id]; !ok {
			return &UnknownSampleError{SampleID: id}
		}
	}
	return nil
}

// UnknownSampleError is returned when a sample has no metadata entry.
type UnknownSampleError struct {
	SampleID string
}

func (e *UnknownSampleError) Error() string {
	return fmt.Sprintf("sample %s has no metadata entry", e.SampleID)
}

// UnknownModeError is returned for a mode code outside the closed set.
type UnknownModeError struct {
	Mode string
}

func (e *UnknownModeError) Error() string {
	return fmt.Sprintf("unknown mode code %q", e.Mode)
}

// ParseError reports a malformed metadata line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}
