package commands

import (
	"dmagma/config"
	"dmagma/internal/campaign"
	"dmagma/internal/catalog"
	"dmagma/internal/chord"
	"dmagma/internal/dispatch"
	"dmagma/internal/pipeline"
	"dmagma/internal/printer"
	"dmagma/internal/reduce"
	"dmagma/internal/scheduler"
	"dmagma/internal/shell"
	"dmagma/internal/toolkit"
	"dmagma/internal/worker"
	"dmagma/pkg/storage"
	"dmagma/pkg/telemetry"
	"dmagma/pkg/watchdog"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runLocal   bool
	runMemory  bool
	runWorkers int
	runMagma   string
)

var runCmd = &cobra.Command{
	Use:   "run --local <campaign-file>",
	Short: "Run a whole campaign on this host",
	Long: `Run every pipeline of a campaign and its reduce step in this process,
without a broker or a Redis barrier. Results go to the configured object
store, or stay in memory with --memory.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runLocal, "local", false, "run in this process (required)")
	runCmd.Flags().BoolVar(&runMemory, "memory", false, "keep results and report in memory")
	runCmd.Flags().IntVar(&runWorkers, "workers", 1, "pipelines run concurrently")
	runCmd.Flags().StringVar(&runMagma, "magma", "", "toolkit checkout (default $MAGMA_PATH)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if !runLocal {
		return printer.Error("Only local runs are supported", "Use \"dmagma submit\" to schedule a campaign on the worker pool.", nil)
	}

	cfg := config.LoadConfig()
	cfg.Toolkit.MagmaPath = toolkitPath(cfg, runMagma)
	log := newCLILogger()
	defer log.Sync()

	c, err := campaign.Load(args[0])
	if err != nil {
		return printer.Error("Failed to read campaign", err.Error(), nil)
	}
	cat, err := catalog.Load(cfg.Toolkit.MagmaPath)
	if err != nil {
		return printer.Error("Failed to load toolkit catalog", err.Error(), nil)
	}

	buckets := storage.NewMemoryBuckets(cfg)
	if !runMemory {
		if buckets, err = storage.NewBuckets(cfg, log); err != nil {
			return printer.Error("Failed to configure object store", err.Error(), nil)
		}
	}

	workers := runWorkers
	if cfg.Workdir.InContainer && workers > 1 {
		// every pipeline would share the one mounted workdir
		printer.Warning(cmd.ErrOrStderr(), "running in a container, pipelines run one at a time")
		workers = 1
	}

	ctx := cmd.Context()
	local := dispatch.NewLocal(ctx, workers, log)
	barrier := chord.NewMemory()
	tk := toolkit.NewMagma(shell.NewRunner(log), cfg, log)
	tracers := telemetry.NewNoopTracerFactory()

	runner := pipeline.NewRunner(pipeline.RunnerParams{
		Config:          cfg,
		Toolkit:         tk,
		Buckets:         buckets,
		WatchDogFactory: watchdog.NewWatchDogFactory(log),
		TracerFactory:   tracers,
		Logger:          log,
	})
	reducer := reduce.NewReducer(reduce.ReducerParams{
		Config:        cfg,
		Toolkit:       tk,
		Buckets:       buckets,
		TracerFactory: tracers,
		Logger:        log,
	})
	local.Bind(worker.New(runner, reducer, barrier, local, nil, log).Handlers())

	s := scheduler.NewScheduler(scheduler.SchedulerParams{
		Validator:     catalog.NewValidator(cat),
		Barrier:       barrier,
		Dispatcher:    local,
		TracerFactory: tracers,
		Logger:        log,
	})

	out := cmd.OutOrStdout()
	printer.Step(out, "Running campaign %s: %d pipelines on %d workers", c.ID, c.Leaves(), workers)
	handle, err := s.Schedule(ctx, c)
	var verr *catalog.ValidationError
	if errors.As(err, &verr) {
		return printer.Error("Invalid campaign", fmt.Sprintf("%s has %d violations:", args[0], len(verr.Violations)), violationLines(verr))
	}
	if err != nil && handle == "" {
		return printer.Error("Failed to schedule campaign", err.Error(), nil)
	}

	// pipeline failures are listed in the status below
	if waitErr := local.Wait(); waitErr != nil {
		log.Debug("Campaign finished with failures", zap.Error(waitErr))
	}

	status, err := barrier.Status(ctx, handle)
	if err != nil {
		return printer.Error("Failed to read campaign status", err.Error(), nil)
	}
	return printStatus(cmd, status)
}
