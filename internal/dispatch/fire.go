package dispatch

import (
	"context"
	"dmagma/internal/chord"
	"dmagma/internal/types"
	"errors"
	"fmt"
)

// FireReduce hands a fired chord to a reducer. A chord whose reduce task could
// not be dispatched is closed as reduce_failed instead of staying reducing.
func FireReduce(ctx context.Context, d Dispatcher, b chord.Barrier, task types.ReduceTask) error {
	if err := d.DispatchReduce(ctx, task); err != nil {
		err = fmt.Errorf("failed to dispatch reduce: %w", err)
		if finishErr := b.Finish(ctx, task.Handle, chord.StateReduceFailed, err.Error()); finishErr != nil {
			return errors.Join(err, finishErr)
		}
		return err
	}
	return nil
}
