package worker

import (
	"context"
	"dmagma/internal/chord"
	"dmagma/internal/dispatch"
	"dmagma/internal/pipeline"
	"dmagma/internal/reduce"
	"dmagma/internal/types"
	"dmagma/repository"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	settleAttempts = 4
	settleBackoff  = 500 * time.Millisecond
)

// ErrUnsettled marks an outcome the barrier never recorded. The task has to be
// delivered again, otherwise its chord never fires or never closes.
var ErrUnsettled = errors.New("outcome not recorded")

type PipelineRunner interface {
	Run(ctx context.Context, task types.PipelineTask) (string, error)
}

type CampaignReducer interface {
	ReduceTraced(ctx context.Context, campaignID, traceContext string) (string, error)
}

// Handler reports pipeline and reduce outcomes to the fan-in barrier. A worker
// binary only needs the half it consumes for.
type Handler struct {
	runner     PipelineRunner
	reducer    CampaignReducer
	barrier    chord.Barrier
	dispatcher dispatch.Dispatcher
	ledger     repository.CampaignRepository
	logger     *zap.Logger

	attempts int
	backoff  time.Duration
}

type HandlerParams struct {
	fx.In

	Runner     *pipeline.Runner `optional:"true"`
	Reducer    *reduce.Reducer  `optional:"true"`
	Barrier    chord.Barrier
	Dispatcher dispatch.Dispatcher           `optional:"true"`
	Ledger     repository.CampaignRepository `optional:"true"`
	Logger     *zap.Logger
}

func NewHandler(p HandlerParams) *Handler {
	var runner PipelineRunner
	if p.Runner != nil {
		runner = p.Runner
	}
	var reducer CampaignReducer
	if p.Reducer != nil {
		reducer = p.Reducer
	}
	return New(runner, reducer, p.Barrier, p.Dispatcher, p.Ledger, p.Logger)
}

func New(runner PipelineRunner, reducer CampaignReducer, barrier chord.Barrier, dispatcher dispatch.Dispatcher, ledger repository.CampaignRepository, logger *zap.Logger) *Handler {
	if ledger == nil {
		ledger = repository.NewCampaignRepository(nil, logger)
	}
	return &Handler{
		runner:     runner,
		reducer:    reducer,
		barrier:    barrier,
		dispatcher: dispatcher,
		ledger:     ledger,
		logger:     logger.Named("worker"),
		attempts:   settleAttempts,
		backoff:    settleBackoff,
	}
}

// HandlePipeline runs one pipeline and records its outcome. The returned error
// is the pipeline failure, if any; the member is reported either way and
// a failed pipeline is never retried. An outcome the barrier could not record
// is returned as ErrUnsettled.
func (h *Handler) HandlePipeline(ctx context.Context, task types.PipelineTask) error {
	if h.runner == nil {
		return errors.New("worker has no pipeline runner")
	}
	if task.Handle == "" || task.PipelineID == "" {
		return errors.New("pipeline task carries no fan-in handle or pipeline id")
	}
	logger := h.logger.With(
		zap.String("handle", task.Handle),
		zap.String("pipeline_id", task.PipelineID),
		zap.String("fuzzer", task.Fuzzer),
		zap.String("target", task.Target),
		zap.String("program", task.Program))

	if err := h.barrier.MarkRunning(ctx, task.Handle, task.PipelineID); err != nil {
		logger.Warn("Failed to mark pipeline running", zap.Error(err))
	}
	if err := h.ledger.UpdateRunStatus(ctx, task.PipelineID, string(chord.MemberRunning), ""); err != nil {
		logger.Warn("Failed to update ledger", zap.Error(err))
	}

	key, runErr := h.runner.Run(ctx, task)
	outcome := chord.Succeeded(key)
	if runErr != nil {
		logger.Error("Pipeline failed", zap.Error(runErr))
		outcome = chord.Failed(runErr)
	} else {
		logger.Info("Pipeline succeeded", zap.String("key", key))
	}

	var fired bool
	err := h.settle(ctx, logger, func() (err error) {
		fired, err = h.barrier.Arrive(ctx, task.Handle, task.PipelineID, outcome)
		return err
	})
	if err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to report pipeline %s: %w", task.PipelineID, err))
	}
	if err := h.ledger.UpdateRunStatus(ctx, task.PipelineID, string(outcome.State), outcome.Result); err != nil {
		logger.Warn("Failed to update ledger", zap.Error(err))
	}

	if fired {
		logger.Info("Last pipeline of the campaign, dispatching reduce")
		if err := h.fireReduce(ctx, task); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func (h *Handler) fireReduce(ctx context.Context, task types.PipelineTask) error {
	reduceTask := types.ReduceTask{
		Handle:       task.Handle,
		CampaignID:   task.CampaignID,
		TraceContext: task.TraceContext,
	}
	if h.dispatcher == nil {
		err := errors.New("worker has no dispatcher for the reduce task")
		if finishErr := h.barrier.Finish(ctx, task.Handle, chord.StateReduceFailed, err.Error()); finishErr != nil {
			return errors.Join(err, finishErr)
		}
		return err
	}
	return dispatch.FireReduce(ctx, h.dispatcher, h.barrier, reduceTask)
}

// HandleReduce aggregates the campaign and closes its chord with the result
func (h *Handler) HandleReduce(ctx context.Context, task types.ReduceTask) error {
	if h.reducer == nil {
		return errors.New("worker has no reducer")
	}
	logger := h.logger.With(zap.String("handle", task.Handle), zap.String("campaign_id", task.CampaignID))

	key, reduceErr := h.reducer.ReduceTraced(ctx, task.CampaignID, task.TraceContext)
	state, detail := chord.StateDone, key
	if reduceErr != nil {
		logger.Error("Reduce failed", zap.Error(reduceErr))
		state, detail = chord.StateReduceFailed, reduceErr.Error()
	} else {
		logger.Info("Campaign reduced", zap.String("report", key))
	}

	err := h.settle(ctx, logger, func() error {
		return h.barrier.Finish(ctx, task.Handle, state, detail)
	})
	if err != nil {
		return errors.Join(reduceErr, fmt.Errorf("failed to close campaign %s: %w", task.Handle, err))
	}
	if err := h.ledger.FinishCampaign(ctx, task.Handle, string(state), detail); err != nil {
		logger.Warn("Failed to update ledger", zap.Error(err))
	}
	return reduceErr
}

// settle retries a barrier write with doubling backoff. Writes to a chord or
// member that does not exist are not retried.
func (h *Handler) settle(ctx context.Context, logger *zap.Logger, write func() error) error {
	var err error
	backoff := h.backoff
	for attempt := 1; attempt <= h.attempts; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		if errors.Is(err, chord.ErrUnknownChord) || errors.Is(err, chord.ErrUnknownMember) {
			return err
		}
		if attempt == h.attempts {
			break
		}
		logger.Warn("Failed to record outcome, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnsettled, err)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrUnsettled, h.attempts, err)
}

// Handlers binds h to an in-process dispatcher
func (h *Handler) Handlers() dispatch.Handlers {
	return dispatch.Handlers{
		Pipeline: h.HandlePipeline,
		Reduce:   h.HandleReduce,
	}
}
