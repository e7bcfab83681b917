package pipeline

import (
	"context"
	"fmt"
	"time"
)

type Stage string

const (
	StageReceived   Stage = "RECEIVED"
	StageRetrieving Stage = "RETRIEVING"
	StageComposing  Stage = "COMPOSING"
	StageGenerating Stage = "GENERATING"
	StageExecuting  Stage = "EXECUTING"
	StageExplaining Stage = "EXPLAINING"
	StageDone       Stage = "DONE"
	StageError      Stage = "ERROR"
)

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageError
}

// CanFail reports whether a run may move from s to StageError.
func (s Stage) CanFail() bool {
	return s == StageRetrieving || s == StageGenerating || s == StageExecuting
}

// Transition is reported each time a run leaves a stage. Elapsed is the time spent in From.
type Transition struct {
	From    Stage
	To      Stage
	Elapsed time.Duration
	Err     error
}

type Observer interface {
	Transition(ctx context.Context, transition Transition)
}

type ObserverFunc func(ctx context.Context, transition Transition)

func (f ObserverFunc) Transition(ctx context.Context, transition Transition) {
	f(ctx, transition)
}

// Observers fans a transition out to every observer in order.
type Observers []Observer

func (o Observers) Transition(ctx context.Context, transition Transition) {
	for _, observer := range o {
		if observer != nil {
			observer.Transition(ctx, transition)
		}
	}
}

// RunError is the only error Run returns after the question is accepted. It unwraps to the component
// error (apperr.ErrStoreNotLoaded, *apperr.GenerationError, *apperr.ExecutionError, ...).
type RunError struct {
	Stage Stage
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
