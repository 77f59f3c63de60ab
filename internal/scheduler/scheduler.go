package scheduler

import (
	"context"
	"dmagma/internal/catalog"
	"dmagma/internal/chord"
	"dmagma/internal/dispatch"
	"dmagma/internal/types"
	"dmagma/pkg/telemetry"
	"dmagma/repository"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler turns a campaign into one pipeline task per leaf and registers the
// fan-in that triggers the reduce step. It never waits for pipelines.
type Scheduler struct {
	validator     *catalog.Validator
	barrier       chord.Barrier
	dispatcher    dispatch.Dispatcher
	ledger        repository.CampaignRepository
	tracerFactory *telemetry.TracerFactory
	newID         func() string
	logger        *zap.Logger
}

type SchedulerParams struct {
	fx.In

	Validator     *catalog.Validator
	Barrier       chord.Barrier
	Dispatcher    dispatch.Dispatcher
	Ledger        repository.CampaignRepository `optional:"true"`
	TracerFactory *telemetry.TracerFactory      `optional:"true"`
	Logger        *zap.Logger
}

func NewScheduler(p SchedulerParams) *Scheduler {
	if p.Ledger == nil {
		p.Ledger = repository.NewCampaignRepository(nil, p.Logger)
	}
	return &Scheduler{
		validator:     p.Validator,
		barrier:       p.Barrier,
		dispatcher:    p.Dispatcher,
		ledger:        p.Ledger,
		tracerFactory: p.TracerFactory,
		newID:         func() string { return uuid.New().String() },
		logger:        p.Logger.Named("scheduler"),
	}
}

// Expand lists the pipelines of a campaign in declaration order: fuzzers, then
// targets, then programs. newID supplies each pipeline id.
func Expand(c *types.Campaign, handle string, newID func() string) []types.PipelineTask {
	tasks := make([]types.PipelineTask, 0, c.Leaves())
	for _, f := range c.Fuzzers {
		for _, t := range f.Targets {
			for _, p := range t.Programs {
				tasks = append(tasks, types.PipelineTask{
					Handle:     handle,
					CampaignID: c.ID,
					PipelineID: newID(),
					Fuzzer:     f.Name,
					Target:     t.Name,
					Program:    p.Name,
					Args:       p.Args,
					Poll:       c.Poll,
					Timeout:    c.Timeout,
				})
			}
		}
	}
	return tasks
}

// Schedule validates c, registers the fan-in and dispatches every pipeline. It
// returns the handle to poll. Validation errors are returned before anything
// is dispatched. When dispatching fails midway the handle is still returned
// and the pipelines that never left are recorded as failed, so the campaign
// still reaches its reduce step.
func (s *Scheduler) Schedule(ctx context.Context, c *types.Campaign) (string, error) {
	if err := s.validator.Validate(c); err != nil {
		return "", err
	}

	handle := s.newID()
	tasks := Expand(c, handle, s.newID)
	logger := s.logger.With(zap.String("campaign_id", c.ID), zap.String("handle", handle))

	tracer := s.tracerFactory.NewTracer(ctx, "campaign "+c.ID).
		WithAttributes(telemetry.NewSpanAttributes(telemetry.Scheduling).
			WithCampaignID(c.ID).
			WithPipelines(len(tasks)).
			WithExtraAttribute("dmagma.campaign.handle", handle))
	tracer.Start()
	defer tracer.End()
	traceContext := tracer.Export()

	members := make([]string, len(tasks))
	for i := range tasks {
		tasks[i].TraceContext = traceContext
		members[i] = tasks[i].PipelineID
	}

	// registered before any dispatch so no arrival can outrun it
	fired, err := s.barrier.Open(ctx, chord.Chord{Handle: handle, CampaignID: c.ID, Members: members})
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to register campaign fan-in: %w", err)
	}

	if err := s.ledger.CreateCampaign(ctx, handle, c, tasks); err != nil {
		logger.Warn("Failed to record campaign in ledger", zap.Error(err))
	}

	if fired {
		logger.Info("Campaign has no pipelines, dispatching reduce")
		if err := s.dispatchReduce(ctx, handle, c.ID, traceContext); err != nil {
			tracer.SetStatus(codes.Error, err.Error())
			return handle, err
		}
		return handle, nil
	}

	for i, task := range tasks {
		if err := s.dispatcher.DispatchPipeline(ctx, task); err != nil {
			tracer.SetStatus(codes.Error, err.Error())
			logger.Error("Failed to dispatch pipeline", zap.String("pipeline_id", task.PipelineID), zap.Error(err))
			return handle, s.abandon(ctx, handle, c.ID, traceContext, tasks[i:], err)
		}
		logger.Debug("Dispatched pipeline",
			zap.String("pipeline_id", task.PipelineID),
			zap.String("fuzzer", task.Fuzzer),
			zap.String("target", task.Target),
			zap.String("program", task.Program))
	}

	logger.Info("Campaign scheduled", zap.Int("pipelines", len(tasks)))
	return handle, nil
}

// abandon marks undispatched pipelines failed with the dispatch error
func (s *Scheduler) abandon(ctx context.Context, handle, campaignID, traceContext string, rest []types.PipelineTask, cause error) error {
	dispatchErr := fmt.Errorf("failed to dispatch pipeline: %w", cause)
	errs := []error{dispatchErr}
	for _, task := range rest {
		fire, err := s.barrier.Arrive(ctx, handle, task.PipelineID, chord.Failed(dispatchErr))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.ledger.UpdateRunStatus(ctx, task.PipelineID, string(chord.MemberFailed), dispatchErr.Error())
		if fire {
			if err := s.dispatchReduce(ctx, handle, campaignID, traceContext); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) dispatchReduce(ctx context.Context, handle, campaignID, traceContext string) error {
	return dispatch.FireReduce(ctx, s.dispatcher, s.barrier, types.ReduceTask{
		Handle:       handle,
		CampaignID:   campaignID,
		TraceContext: traceContext,
	})
}
