package dispatch

import (
	"context"
	"dmagma/internal/types"
)

// Dispatcher hands tasks to whichever workers consume them. Dispatch returns
// once the task is accepted, never once it ran.
type Dispatcher interface {
	DispatchPipeline(ctx context.Context, task types.PipelineTask) error
	DispatchReduce(ctx context.Context, task types.ReduceTask) error
}
