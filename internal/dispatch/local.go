package dispatch

import (
	"context"
	"dmagma/internal/types"
	"errors"
	"sync"

	"github.com/alitto/pond"
	"go.uber.org/zap"
)

// queueCapacity bounds tasks waiting for a worker. Tasks dispatching follow-up
// tasks must never block on a full queue.
const queueCapacity = 1 << 14

// Handlers consume the tasks a Local dispatcher accepts
type Handlers struct {
	Pipeline func(ctx context.Context, task types.PipelineTask) error
	Reduce   func(ctx context.Context, task types.ReduceTask) error
}

// Local runs tasks in-process on a bounded pool. Handlers are bound after
// construction since they usually dispatch follow-up tasks themselves.
type Local struct {
	ctx      context.Context
	pool     *pond.WorkerPool
	handlers Handlers
	inflight sync.WaitGroup
	logger   *zap.Logger

	mu       sync.Mutex
	errs     []error
	finished bool
}

func NewLocal(ctx context.Context, workers int, logger *zap.Logger) *Local {
	if workers < 1 {
		workers = 1
	}
	return &Local{
		ctx:    ctx,
		pool:   pond.New(workers, queueCapacity, pond.MinWorkers(workers)),
		logger: logger.Named("dispatch"),
	}
}

func (l *Local) Bind(h Handlers) {
	l.handlers = h
}

func (l *Local) DispatchPipeline(ctx context.Context, task types.PipelineTask) error {
	if l.handlers.Pipeline == nil {
		return errors.New("no pipeline handler bound")
	}
	return l.submit(func() error { return l.handlers.Pipeline(l.ctx, task) })
}

func (l *Local) DispatchReduce(ctx context.Context, task types.ReduceTask) error {
	if l.handlers.Reduce == nil {
		return errors.New("no reduce handler bound")
	}
	return l.submit(func() error { return l.handlers.Reduce(l.ctx, task) })
}

func (l *Local) submit(fn func() error) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return errors.New("local dispatcher is stopped")
	}
	l.inflight.Add(1)
	l.mu.Unlock()

	l.pool.Submit(func() {
		defer l.inflight.Done()
		if err := fn(); err != nil {
			l.logger.Warn("Task failed", zap.Error(err))
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		}
	})
	return nil
}

// Wait blocks until every accepted task, including tasks dispatched by other
// tasks, has run. It stops the pool and returns the task errors joined.
func (l *Local) Wait() error {
	l.inflight.Wait()

	l.mu.Lock()
	l.finished = true
	errs := l.errs
	l.mu.Unlock()

	l.pool.StopAndWait()
	return errors.Join(errs...)
}
