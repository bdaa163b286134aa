// Package config holds the immutable run configuration shared by every
// pipeline component.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/me/rnapipe/internal/discovery"
	"github.com/me/rnapipe/internal/stage"
)

// QCPolicy controls what a failing diagnostic stage does to the run.
type QCPolicy string

const (
	QCHalt QCPolicy = "halt" // fail the run, like any other stage
	QCWarn QCPolicy = "warn" // log the failure and keep going
)

// GatePolicy controls how the aggregation stage treats samples whose
// derived parameter differs from the representative sample.
type GatePolicy string

const (
	GateStrict      GatePolicy = "strict"       // every sample must agree
	GateFirstSample GatePolicy = "first-sample" // use the first sample in metadata order, warn on divergence
)

// Config holds configuration for one pipeline run.
type Config struct {
	InputDir      string                 `yaml:"input_dir"`
	OutDir        string                 `yaml:"out_dir"`
	Metadata      string                 `yaml:"metadata"`
	Index         string                 `yaml:"index"`          // aligner index prefix
	IndexSuffixes []string               `yaml:"index_suffixes"` // files proving the index exists, appended to Index
	Annotation    string                 `yaml:"annotation"`     // GTF used by the counting stages
	Threads       int                    `yaml:"threads"`        // per external tool
	Jobs          int                    `yaml:"jobs"`           // concurrent invocations, 0 = NumCPU/Threads
	Pairing       discovery.Pairing      `yaml:"pairing"`
	QCFailure     QCPolicy               `yaml:"qc_failure"`
	Aggregation   GatePolicy             `yaml:"aggregation_policy"`
	History       string                 `yaml:"history"` // SQLite run history, empty disables
	LogLevel      string                 `yaml:"log_level"`
	LogFormat     string                 `yaml:"log_format"`
	Vars          map[string]string      `yaml:"vars"`   // extra command template variables
	Stages        map[string]*stage.Spec `yaml:"stages"` // per-stage overrides of the default commands
}

// Default returns sensible defaults. Paths are left empty.
func Default() Config {
	return Config{
		OutDir:        "./results",
		IndexSuffixes: []string{".1.ht2", ".1.ht2l"},
		Threads:       4,
		Pairing:       discovery.DefaultPairing(),
		QCFailure:     QCHalt,
		Aggregation:   GateStrict,
		LogLevel:      "info",
		LogFormat:     "text",
		Stages:        DefaultStages(),
	}
}

// Load reads a YAML config file on top of Default. Stage entries replace the
// default definition of the stage with the same name.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var file Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.merge(file)
	return cfg, nil
}

func (c *Config) merge(o Config) {
	setString(&c.InputDir, o.InputDir)
	setString(&c.OutDir, o.OutDir)
	setString(&c.Metadata, o.Metadata)
	setString(&c.Index, o.Index)
	setString(&c.Annotation, o.Annotation)
	setString(&c.History, o.History)
	setString(&c.LogLevel, o.LogLevel)
	setString(&c.LogFormat, o.LogFormat)
	setString(&c.Pairing.Primary, o.Pairing.Primary)
	setString(&c.Pairing.Secondary, o.Pairing.Secondary)
	setString(&c.Pairing.Suffix, o.Pairing.Suffix)
	if len(o.IndexSuffixes) > 0 {
		c.IndexSuffixes = o.IndexSuffixes
	}
	if o.Threads != 0 {
		c.Threads = o.Threads
	}
	if o.Jobs != 0 {
		c.Jobs = o.Jobs
	}
	if o.QCFailure != "" {
		c.QCFailure = o.QCFailure
	}
	if o.Aggregation != "" {
		c.Aggregation = o.Aggregation
	}
	for k, v := range o.Vars {
		if c.Vars == nil {
			c.Vars = make(map[string]string)
		}
		c.Vars[k] = v
	}
	for name, spec := range o.Stages {
		if spec == nil {
			continue
		}
		spec.Name = name
		if spec.Scope == "" {
			if def, ok := c.Stages[name]; ok {
				spec.Scope = def.Scope
				spec.Diagnostic = spec.Diagnostic || def.Diagnostic
			}
		}
		c.Stages[name] = spec
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Env variable names recognized by ApplyEnv.
const (
	EnvInputDir   = "RNAPIPE_INPUT_DIR"
	EnvOutDir     = "RNAPIPE_OUT_DIR"
	EnvMetadata   = "RNAPIPE_METADATA"
	EnvIndex      = "RNAPIPE_INDEX"
	EnvAnnotation = "RNAPIPE_ANNOTATION"
	EnvThreads    = "RNAPIPE_THREADS"
	EnvJobs       = "RNAPIPE_JOBS"
	EnvHistory    = "RNAPIPE_HISTORY"
	EnvLogLevel   = "RNAPIPE_LOG_LEVEL"
)

// ApplyEnv overlays values from lookup (typically os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvInputDir:   &c.InputDir,
		EnvOutDir:     &c.OutDir,
		EnvMetadata:   &c.Metadata,
		EnvIndex:      &c.Index,
		EnvAnnotation: &c.Annotation,
		EnvHistory:    &c.History,
		EnvLogLevel:   &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{EnvThreads: &c.Threads, EnvJobs: &c.Jobs}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// ApplyEnvFile overlays values from a dotenv file, then from the process
// environment, which wins.
func (c *Config) ApplyEnvFile(path string) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	if err := c.ApplyEnv(func(k string) (string, bool) {
		v, ok := vals[k]
		return v, ok
	}); err != nil {
		return err
	}
	return c.ApplyEnv(os.LookupEnv)
}

// EffectiveJobs returns the worker pool size. Unless set explicitly it is
// sized so the tools' own threads do not oversubscribe the machine.
func (c Config) EffectiveJobs() int {
	if c.Jobs > 0 {
		return c.Jobs
	}
	jobs := runtime.NumCPU() / max(c.Threads, 1)
	return max(jobs, 1)
}

// TemplateVars returns the variables every stage command can reference.
func (c Config) TemplateVars() map[string]string {
	vars := map[string]string{
		"index":      c.Index,
		"annotation": c.Annotation,
	}
	for k, v := range c.Vars {
		vars[k] = v
	}
	return vars
}

// Resolve makes the input, output, metadata, index and annotation paths
// absolute. Stage commands run inside private working directories, where a
// relative path would name a different file.
func (c *Config) Resolve() error {
	for _, p := range []*string{&c.InputDir, &c.OutDir, &c.Metadata, &c.Index, &c.Annotation} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("config: resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	required := []struct{ name, val string }{
		{"input_dir", c.InputDir},
		{"out_dir", c.OutDir},
		{"metadata", c.Metadata},
		{"index", c.Index},
		{"annotation", c.Annotation},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("config: %s is required", r.name)
		}
	}
	if c.Threads < 1 {
		return fmt.Errorf("config: threads must be at least 1, got %d", c.Threads)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("config: jobs must not be negative, got %d", c.Jobs)
	}
	if len(c.IndexSuffixes) == 0 {
		return fmt.Errorf("config: index_suffixes must not be empty")
	}
	p := c.Pairing
	if p.Primary == "" || p.Secondary == "" || p.Primary == p.Secondary {
		return fmt.Errorf("config: pairing markers must be non-empty and distinct")
	}
	switch c.QCFailure {
	case QCHalt, QCWarn:
	default:
		return fmt.Errorf("config: invalid qc_failure %q", c.QCFailure)
	}
	switch c.Aggregation {
	case GateStrict, GateFirstSample:
	default:
		return fmt.Errorf("config: invalid aggregation_policy %q", c.Aggregation)
	}
	for _, name := range StageOrder {
		spec, ok := c.Stages[name]
		if !ok || spec == nil {
			return fmt.Errorf("config: stage %s is not defined", name)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if want := stageScopes[name]; spec.Scope != want {
			return fmt.Errorf("config: stage %s must have scope %s", name, want)
		}
	}
	for name := range c.Stages {
		if _, ok := stageScopes[name]; !ok {
			return fmt.Errorf("config: unknown stage %q", name)
		}
	}
	return nil
}
