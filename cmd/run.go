package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/optimizer"
	"github.com/cwbudde/simcalib/internal/recorder"
	"github.com/cwbudde/simcalib/internal/store"
)

// runOptions are the flags of the run command.
type runOptions struct {
	configPath  string
	optimizer   string
	maxIters    int
	parallelism int
	dataDir     string
	resume      string
	trace       bool
	archive     bool
	out         string
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a calibration from a config file",
	Long: `Runs the calibration described by a YAML config and stores the result
under <data-dir>/runs/<run-id>. Flags override the corresponding config
fields. --resume starts from the parameters of a stored run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRunConfig(cmd, runOpts)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		_, err = runCalibration(ctx, cfg, runOpts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	addRunFlags(runCmd, &runOpts)
	runCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Calibration config file (required)")
	f.StringVar(&o.optimizer, "optimizer", "", "Override the optimizer kind")
	f.IntVar(&o.maxIters, "max-iters", 0, "Override the maximum number of iterations")
	f.IntVar(&o.parallelism, "parallelism", 0, "Override the number of parallel simulations")
	f.StringVar(&o.dataDir, "data-dir", "", "Override the directory runs are stored in")
	f.StringVar(&o.resume, "resume", "", "Start from the parameters of a stored run")
	f.BoolVar(&o.trace, "trace", false, "Write a per-iteration trace")
	f.BoolVar(&o.archive, "archive", false, "Archive the full iteration history")
	f.StringVar(&o.out, "out", "", "Also write the full history as JSON to this file")
}

// loadRunConfig loads the config file and applies the flag overrides.
func loadRunConfig(cmd *cobra.Command, o runOptions) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("optimizer") {
		cfg.Optimizer.Kind = o.optimizer
	}
	if flags.Changed("max-iters") {
		cfg.Optimizer.MaxIterations = o.maxIters
	}
	if flags.Changed("parallelism") {
		cfg.Evaluator.Parallelism = o.parallelism
	}
	if flags.Changed("data-dir") {
		cfg.Output.DataDir = o.dataDir
	}
	if flags.Changed("trace") {
		cfg.Output.Trace = o.trace
	}
	if flags.Changed("archive") {
		cfg.Output.Archive = o.archive
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runCalibration builds and runs cfg, persists the run and prints a
// summary to w. It returns the stored record.
func runCalibration(ctx context.Context, cfg *config.Config, o runOptions, w io.Writer) (*store.RunRecord, error) {
	runStore, err := store.NewFSStore(cfg.Output.DataDir)
	if err != nil {
		return nil, err
	}

	cal, err := cfg.Build(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	rec := recorder.NewResult()
	rec.AddRunMetadata("run_id", runID)

	if o.resume != "" {
		prev, err := runStore.LoadRun(o.resume)
		if err != nil {
			return nil, fmt.Errorf("failed to load run to resume: %w", err)
		}
		if err := prev.IsCompatible(cal.Manager.Parameters()); err != nil {
			return nil, err
		}
		cal.Initial = prev.Parameters
		rec.AddRunMetadata("resumed_from", prev.RunID)
		slog.Info("Resuming run", "from", prev.RunID, "state", prev.State, "residual_norm", prev.ResidualNorm)
	}

	if cfg.Output.Trace {
		tw, err := store.NewTraceWriter(runStore.BaseDir(), runID, false)
		if err != nil {
			return nil, err
		}
		defer tw.Close()
		rec.AddSink(tw)
	}

	slog.Info("Starting calibration", "run_id", runID, "config", cfg.Summary())
	started := time.Now()
	res, err := cal.Run(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("calibration failed: %w", err)
	}

	record := store.NewRunRecord(runID, cal.Name, cal.Optimizer.Name(), cal.Manager.Parameters(), res, started)
	physical, err := cal.Physical(res.Parameters)
	if err != nil {
		slog.Warn("Result outside parameter bounds", "error", err)
	}
	record.Physical = physical
	if raw, err := json.Marshal(cfg); err == nil {
		record.Config = raw
	}
	if err := runStore.SaveRun(runID, record); err != nil {
		return nil, err
	}
	if cfg.Output.Archive {
		if err := runStore.SaveHistory(runID, rec.Snapshot()); err != nil {
			return nil, err
		}
	}
	if o.out != "" {
		if err := rec.Save(o.out); err != nil {
			return nil, err
		}
	}

	slog.Info("Calibration finished",
		"run_id", runID,
		"state", res.State,
		"iterations", res.Iterations,
		"residual_norm", res.ResidualNorm,
		"elapsed", time.Since(started),
	)
	printRecord(w, record)
	return record, nil
}

func printRecord(w io.Writer, r *store.RunRecord) {
	fmt.Fprintf(w, "Run %s (%s, %s)\n", r.RunID, r.Name, r.Optimizer)
	fmt.Fprintf(w, "  State: %s", r.State)
	if r.Phase != optimizer.PhaseNone {
		fmt.Fprintf(w, " in %s", r.Phase)
	}
	if r.Reason != "" {
		fmt.Fprintf(w, " (%s)", r.Reason)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Iterations: %d, evaluations: %d\n", r.Iterations, r.Stats.Total)
	if r.FirstResidualNorm > 0 && r.ResidualNorm >= 0 {
		fmt.Fprintf(w, "  Residual norm: %g -> %g (%.3g)\n", r.FirstResidualNorm, r.ResidualNorm, r.ResidualNorm/r.FirstResidualNorm)
	} else if r.ResidualNorm >= 0 {
		fmt.Fprintf(w, "  Residual norm: %g\n", r.ResidualNorm)
	}
	for i, name := range r.ParameterNames {
		if v, ok := r.Physical[name]; ok {
			fmt.Fprintf(w, "  %s = %g\n", name, v)
			continue
		}
		fmt.Fprintf(w, "  %s = %g (optimization space)\n", name, r.Parameters[i])
	}
}
