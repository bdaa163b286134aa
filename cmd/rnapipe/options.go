package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/rnapipe/internal/config"
)

// options holds the flags shared by every subcommand. Flags override the
// config file and the environment, but only when given explicitly.
type options struct {
	configPath string
	envFile    string
	verbose    bool
	quiet      bool

	inputDir    string
	outDir      string
	metadata    string
	index       string
	annotation  string
	threads     int
	jobs        int
	qcFailure   string
	aggregation string
	history     string
	logFormat   string
}

func (o *options) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "Pipeline config file (YAML)")
	f.StringVar(&o.envFile, "env-file", "", "Read RNAPIPE_* settings from a dotenv file")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Enable debug logging")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "Only log errors")

	f.StringVarP(&o.inputDir, "input-dir", "i", "", "Directory holding paired FASTQ files")
	f.StringVarP(&o.outDir, "out-dir", "o", "", "Output directory (default ./results)")
	f.StringVarP(&o.metadata, "metadata", "m", "", "Sample metadata file (<sample_id> <mode_code> per line)")
	f.StringVar(&o.index, "index", "", "Aligner index prefix")
	f.StringVar(&o.annotation, "annotation", "", "Gene annotation (GTF)")
	f.IntVarP(&o.threads, "threads", "t", 0, "Threads per external tool (default 4)")
	f.IntVarP(&o.jobs, "jobs", "j", 0, "Concurrent stage invocations (default: CPUs / threads)")
	f.StringVar(&o.qcFailure, "qc-failure", "", "Quality report failure policy: halt or warn")
	f.StringVar(&o.aggregation, "aggregation-policy", "", "Mixed strandedness in aggregation: strict or first-sample")
	f.StringVar(&o.history, "history", "", "SQLite run history database (empty disables)")
	f.StringVar(&o.logFormat, "log-format", "", "Log format: text or json")
}

// load builds the configuration: defaults, then the config file, then the
// environment, then explicit flags.
func (o *options) load(cmd *cobra.Command, lookup func(string) (string, bool)) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}

	if o.envFile != "" {
		if err := cfg.ApplyEnvFile(o.envFile); err != nil {
			return cfg, err
		}
	} else if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	strs := []struct {
		name string
		src  string
		dst  *string
	}{
		{"input-dir", o.inputDir, &cfg.InputDir},
		{"out-dir", o.outDir, &cfg.OutDir},
		{"metadata", o.metadata, &cfg.Metadata},
		{"index", o.index, &cfg.Index},
		{"annotation", o.annotation, &cfg.Annotation},
		{"history", o.history, &cfg.History},
		{"log-format", o.logFormat, &cfg.LogFormat},
	}
	for _, s := range strs {
		if flags.Changed(s.name) {
			*s.dst = s.src
		}
	}
	if flags.Changed("threads") {
		cfg.Threads = o.threads
	}
	if flags.Changed("jobs") {
		cfg.Jobs = o.jobs
	}
	if flags.Changed("qc-failure") {
		cfg.QCFailure = config.QCPolicy(o.qcFailure)
	}
	if flags.Changed("aggregation-policy") {
		cfg.Aggregation = config.GatePolicy(o.aggregation)
	}

	switch {
	case o.verbose && o.quiet:
		return cfg, fmt.Errorf("--verbose and --quiet are mutually exclusive")
	case o.verbose:
		cfg.LogLevel = "debug"
	case o.quiet:
		cfg.LogLevel = "error"
	}
	if err := cfg.Resolve(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// require checks the fields a read-only subcommand needs, without the full
// validation a run performs.
func require(fields map[string]string) error {
	for _, name := range []string{"input_dir", "metadata", "history"} {
		if v, ok := fields[name]; ok && v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}
