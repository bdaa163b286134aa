// rnapipe runs the paired-end RNA-seq processing pipeline: trimming, quality
// reports, alignment, gene-level counting and per-sample quantification.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/rnapipe/internal/discovery"
	"github.com/me/rnapipe/internal/history"
	"github.com/me/rnapipe/internal/logging"
	"github.com/me/rnapipe/internal/metadata"
	"github.com/me/rnapipe/internal/orchestrator"
	"github.com/me/rnapipe/pkg/model"
)

const version = "0.3.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rnapipe: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:     "rnapipe",
		Short:   "Paired-end RNA-seq pipeline",
		Version: version,
		Long: `rnapipe runs every sample in an input directory through trimming, quality
reports, alignment, gene counting and per-sample quantification. Published
artifacts are never recomputed, so rerunning after a failure resumes it.

Examples:
  # Run the pipeline
  rnapipe run -i reads/ -m samples.tsv --index ref/genome --annotation genes.gtf

  # Show discovered samples and their strandedness
  rnapipe samples -i reads/ -m samples.tsv

  # Show the tool parameters each sample resolves to
  rnapipe params -m samples.tsv
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(rootCmd)

	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(samplesCmd(opts))
	rootCmd.AddCommand(paramsCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func runCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, os.LookupEnv)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Handle signals.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					logger.Info("received interrupt, cancelling...")
					cancel()
				case <-ctx.Done():
				}
			}()

			var orchOpts []orchestrator.Option
			if cfg.History != "" {
				hist, err := history.Open(ctx, cfg.History, logger)
				if err != nil {
					return err
				}
				defer hist.Close()
				orchOpts = append(orchOpts, orchestrator.WithRecorder(hist))
			}

			orch := orchestrator.New(cfg, logger, orchOpts...)
			logger.Info("starting run", "run_id", orch.RunID(), "out_dir", cfg.OutDir,
				"threads", cfg.Threads, "jobs", cfg.EffectiveJobs())
			metrics, err := orch.Run(ctx)
			orchestrator.WriteSummary(cmd.OutOrStdout(), metrics)
			return err
		},
	}
}

func samplesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "samples",
		Short: "List discovered samples with their strandedness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, os.LookupEnv)
			if err != nil {
				return err
			}
			if err := require(map[string]string{"input_dir": cfg.InputDir, "metadata": cfg.Metadata}); err != nil {
				return err
			}
			samples, err := discovery.Scan(cfg.InputDir, cfg.Pairing)
			if err != nil {
				return err
			}
			table, err := metadata.Load(cfg.Metadata)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SAMPLE\tMODE\tREAD 1\tREAD 2")
			for _, s := range samples {
				mode := "?"
				if m, err := table.Mode(s.ID); err == nil {
					mode = string(m)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, mode, s.Primary, s.Secondary)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return table.Require(model.SampleIDs(samples))
		},
	}
}

func paramsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "params [sample...]",
		Short: "Show the tool parameters each sample resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, os.LookupEnv)
			if err != nil {
				return err
			}
			if err := require(map[string]string{"metadata": cfg.Metadata}); err != nil {
				return err
			}
			table, err := metadata.Load(cfg.Metadata)
			if err != nil {
				return err
			}
			resolver := metadata.NewResolver(table)

			ids := args
			if len(ids) == 0 {
				ids = table.Order()
			}
			params := metadata.Params()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := []string{"SAMPLE", "MODE"}
			for _, p := range params {
				header = append(header, strings.ToUpper(string(p)))
			}
			fmt.Fprintln(tw, strings.Join(header, "\t"))
			for _, id := range ids {
				mode, err := resolver.Mode(id)
				if err != nil {
					return err
				}
				row := []string{id, string(mode)}
				for _, p := range params {
					v, err := resolver.Resolve(id, p)
					if err != nil {
						return err
					}
					if v == "" {
						v = "(omitted)"
					}
					row = append(row, v)
				}
				fmt.Fprintln(tw, strings.Join(row, "\t"))
			}
			return tw.Flush()
		},
	}
}

func historyCmd(opts *options) *cobra.Command {
	var (
		limit int
		state string
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or the invocations of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, os.LookupEnv)
			if err != nil {
				return err
			}
			if err := require(map[string]string{"history": cfg.History}); err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			hist, err := history.Open(cmd.Context(), cfg.History, logger)
			if err != nil {
				return err
			}
			defer hist.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if len(args) == 1 {
				run, err := hist.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("run %s not found in %s", args[0], cfg.History)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s %s, %d samples, started %s\n",
					run.ID, run.State, run.Samples, humanize.Time(run.StartedAt))
				if run.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", run.Error)
				}

				invs, err := hist.ListInvocations(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "STAGE\tSAMPLE\tSTATE\tDURATION\tERROR")
				for _, inv := range invs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inv.Stage, inv.Sample, inv.State, inv.Duration.Round(time.Millisecond), inv.Error)
				}
				return tw.Flush()
			}

			runs, err := hist.ListRuns(cmd.Context(), history.ListOptions{State: model.RunState(strings.ToUpper(state)), Limit: limit})
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tSTATE\tSAMPLES\tSTARTED\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.State, r.Samples, humanize.Time(r.StartedAt), r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().StringVar(&state, "state", "", "Only list runs in this state (running, completed, failed)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rnapipe %s\n", version)
		},
	}
}

var _ orchestrator.Recorder = (*history.SQLiteStore)(nil)
