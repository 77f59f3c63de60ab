package pipeline

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StagePrepare Stage = "prepare"
	StageBuild   Stage = "build"
	StageStart   Stage = "start"
	StagePack    Stage = "pack"
	StageStore   Stage = "store"
)

var (
	ErrUndefinedPipeline = errors.New("pipeline id is undefined")
	ErrEmptyWorkdir      = errors.New("workdir is empty, nothing to gather")
)

// WorkerError reports the stage a pipeline failed at. The cause stays in the
// chain, so storage and shell errors remain inspectable.
type WorkerError struct {
	Stage Stage
	Err   error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("pipeline %s failed: %v", e.Stage, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

func stageError(stage Stage, err error) error {
	return &WorkerError{Stage: stage, Err: err}
}
