// Package discovery finds paired-end input files and turns them into samples.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/rnapipe/pkg/model"
)

// Pairing describes how the two members of a pair are named.
type Pairing struct {
	Primary   string `yaml:"primary"`   // marker in the first-read file name, e.g. "_R1_"
	Secondary string `yaml:"secondary"` // marker substituted to get the mate, e.g. "_R2_"
	Suffix    string `yaml:"suffix"`    // required file name suffix, e.g. ".fastq.gz"
}

// DefaultPairing returns the Illumina-style naming convention.
func DefaultPairing() Pairing {
	return Pairing{
		Primary:   "_R1_",
		Secondary: "_R2_",
		Suffix:    ".fastq.gz",
	}
}

// IsPrimary reports whether name is the first member of a pair.
func (p Pairing) IsPrimary(name string) bool {
	return strings.HasSuffix(name, p.Suffix) && strings.Contains(name, p.Primary)
}

// SampleID truncates name at the first primary marker.
func (p Pairing) SampleID(name string) string {
	return name[:strings.Index(name, p.Primary)]
}

// MateName substitutes the first primary marker with the secondary marker.
func (p Pairing) MateName(name string) string {
	return strings.Replace(name, p.Primary, p.Secondary, 1)
}

// Scan enumerates dir for primary files and pairs each with its mate.
// Every mate must exist; a missing one is fatal rather than skipped.
func Scan(dir string, p Pairing) ([]model.Sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DiscoveryError{Dir: dir, Pattern: p.pattern(), Err: err}
	}

	seen := make(map[string]string)
	var samples []model.Sample
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !p.IsPrimary(name) {
			continue
		}
		id := p.SampleID(name)
		if id == "" {
			return nil, &DiscoveryError{Dir: dir, Pattern: p.pattern(), Err: fmt.Errorf("%s: empty sample id", name)}
		}
		if prev, ok := seen[id]; ok {
			return nil, &DuplicateSampleError{SampleID: id, First: prev, Second: name}
		}
		seen[id] = name

		mate := filepath.Join(dir, p.MateName(name))
		info, err := os.Stat(mate)
		if err != nil || info.IsDir() {
			return nil, &MissingPairError{SampleID: id, Path: mate}
		}
		samples = append(samples, model.Sample{
			ID:        id,
			Primary:   filepath.Join(dir, name),
			Secondary: mate,
		})
	}

	if len(samples) == 0 {
		return nil, &DiscoveryError{Dir: dir, Pattern: p.pattern()}
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].ID < samples[j].ID })
	return samples, nil
}

func (p Pairing) pattern() string {
	return "*" + p.Primary + "*" + p.Suffix
}

// DiscoveryError is returned when no primary inputs can be found or a
// primary file name does not yield a sample id.
type DiscoveryError struct {
	Dir     string
	Pattern string
	Err     error // read or naming error, nil when the directory was simply empty
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discover inputs in %s: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("no input files matching %s in %s", e.Pattern, e.Dir)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// MissingPairError is returned when the mate of a primary file does not exist.
type MissingPairError struct {
	SampleID string
	Path     string
}

func (e *MissingPairError) Error() string {
	return fmt.Sprintf("sample %s: paired file %s not found", e.SampleID, e.Path)
}

// DuplicateSampleError is returned when two primary files map to one sample id.
type DuplicateSampleError struct {
	SampleID string
	First    string
	Second   string
}

func (e *DuplicateSampleError) Error() string {
	return fmt.Sprintf("sample %s: ambiguous primary files %s and %s", e.SampleID, e.First, e.Second)
}
