package pipeline

import (
	"context"
	"dmagma/config"
	"dmagma/internal/toolkit"
	"dmagma/internal/types"
	"dmagma/pkg/storage"
	"dmagma/pkg/telemetry"
	"dmagma/pkg/watchdog"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Runner runs one fuzzing pipeline on this host: build, start, wait, pack and
// store. Stages run strictly in order and the first failure stops the run.
type Runner struct {
	toolkit       toolkit.Toolkit
	results       storage.Storage
	workdirCfg    config.WorkdirConfig
	watchdogs     *watchdog.WatchDogFactory
	tracerFactory *telemetry.TracerFactory
	logger        *zap.Logger
}

type RunnerParams struct {
	fx.In

	Config          *config.AppConfig
	Toolkit         toolkit.Toolkit
	Buckets         storage.Buckets
	WatchDogFactory *watchdog.WatchDogFactory `optional:"true"`
	TracerFactory   *telemetry.TracerFactory  `optional:"true"`
	Logger          *zap.Logger
}

func NewRunner(p RunnerParams) *Runner {
	return &Runner{
		toolkit:       p.Toolkit,
		results:       p.Buckets.Results,
		workdirCfg:    p.Config.Workdir,
		watchdogs:     p.WatchDogFactory,
		tracerFactory: p.TracerFactory,
		logger:        p.Logger.Named("pipeline"),
	}
}

// Run executes the pipeline described by task and returns the key of the
// stored archive. Every failure is a *WorkerError.
func (r *Runner) Run(ctx context.Context, task types.PipelineTask) (string, error) {
	if task.PipelineID == "" {
		return "", stageError(StagePrepare, ErrUndefinedPipeline)
	}

	logger := r.logger.With(
		zap.String("campaign_id", task.CampaignID),
		zap.String("pipeline_id", task.PipelineID),
		zap.String("fuzzer", task.Fuzzer),
		zap.String("target", task.Target),
		zap.String("program", task.Program),
	)

	tracer := r.tracerFactory.NewTracerSpawnedFrom(ctx, task.TraceContext, "pipeline "+task.PipelineID).
		WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
			WithCampaignID(task.CampaignID).
			WithPipelineID(task.PipelineID).
			WithLeaf(task.Fuzzer, task.Target, task.Program))
	tracer.Start()
	defer tracer.End()
	ctx = context.WithValue(ctx, telemetry.TracerKey{}, tracer)

	key, err := r.run(ctx, task, logger)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		logger.Error("Pipeline failed", zap.Error(err))
		return "", err
	}
	tracer.SetStatus(codes.Ok, "stored "+key)
	logger.Info("Pipeline finished", zap.String("key", key))
	return key, nil
}

func (r *Runner) run(ctx context.Context, task types.PipelineTask, logger *zap.Logger) (string, error) {
	workdir, err := ResolveWorkdir(r.workdirCfg, task.PipelineID, logger)
	if err != nil {
		return "", stageError(StagePrepare, err)
	}
	if workdir.Private {
		defer os.RemoveAll(workdir.Path)
	}
	if err := CleanupDir(workdir.Path); err != nil {
		return "", stageError(StagePrepare, fmt.Errorf("failed to clean workdir: %w", err))
	}
	logger.Debug("Resolved workdir", zap.String("path", workdir.Path), zap.String("shared", workdir.Shared))

	if err := r.stage(ctx, StageBuild, func(ctx context.Context) error {
		return r.toolkit.Build(ctx, task.Fuzzer, task.Target)
	}); err != nil {
		return "", err
	}

	if err := r.stage(ctx, StageStart, func(ctx context.Context) error {
		stop := r.monitor(ctx, workdir.Path, logger)
		defer stop()
		return r.toolkit.Start(ctx, toolkit.StartRequest{
			Fuzzer:  task.Fuzzer,
			Target:  task.Target,
			Program: task.Program,
			Args:    task.Args,
			Shared:  workdir.Shared,
			Poll:    task.Poll,
			Timeout: task.Timeout,
		})
	}); err != nil {
		return "", err
	}

	packDir, err := os.MkdirTemp("", task.CampaignID+"-"+task.PipelineID+"-")
	if err != nil {
		return "", stageError(StagePack, err)
	}
	defer os.RemoveAll(packDir)
	archive := filepath.Join(packDir, types.ArchiveName)

	if err := r.stage(ctx, StagePack, func(ctx context.Context) error {
		empty, err := isEmptyDir(workdir.Path)
		if err != nil {
			return err
		}
		if empty {
			return ErrEmptyWorkdir
		}
		return r.toolkit.Pack(ctx, workdir.Path, archive)
	}); err != nil {
		return "", err
	}

	key := types.ArtifactKey(task, types.ArchiveName)
	if err := r.stage(ctx, StageStore, func(ctx context.Context) error {
		return r.results.Put(ctx, archive, key)
	}); err != nil {
		return "", err
	}
	return key, nil
}

// stage runs fn under a child span and tags its failure with the stage name
func (r *Runner) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	span := telemetry.FromContext(ctx).Spawn(string(stage)).
		WithAttributes(telemetry.NewSpanAttributes(stageCategory(stage)))
	span.Start()
	defer span.End()

	if err := fn(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return stageError(stage, err)
	}
	return nil
}

// monitor logs files appearing in the workdir while the fuzzer runs. It never
// affects the pipeline outcome.
func (r *Runner) monitor(ctx context.Context, dir string, logger *zap.Logger) (stop func()) {
	if r.watchdogs == nil {
		return func() {}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	notify := make(chan string, 64)
	wd, err := r.watchdogs.New(watchCtx, notify, nil)
	if err != nil {
		cancel()
		logger.Warn("Workdir monitor unavailable", zap.Error(err))
		return func() {}
	}
	if err := wd.AddDir(dir); err != nil {
		logger.Warn("Failed to monitor workdir", zap.Error(err))
	}

	var wg sync.WaitGroup
	created := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for name := range notify {
			created++
			logger.Debug("Fuzzer produced file", zap.String("file", name))
		}
	}()

	return func() {
		cancel()
		wg.Wait()
		logger.Info("Fuzzing finished", zap.Int("created_files", created))
		telemetry.FromContext(ctx).AddEvent("fuzzing_finished", telemetry.EventAttributes{
			attribute.Int("created_files", created),
		})
	}
}

func stageCategory(stage Stage) telemetry.ActionCategory {
	switch stage {
	case StageBuild:
		return telemetry.Building
	case StagePack:
		return telemetry.Packing
	case StageStore:
		return telemetry.Storing
	default:
		return telemetry.Fuzzing
	}
}
