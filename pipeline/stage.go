package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// send delivers v to out unless the run is canceled. It reports whether the
// caller should keep producing.
func send[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// closedResults returns an already-closed result channel, used by builder
// calls that follow a configuration error so the chain stays inert.
func closedResults[T any]() <-chan Result[T] {
	ch := make(chan Result[T])
	close(ch)
	return ch
}

// runGuarded invokes fn and converts a panic into an error so nothing can
// cross the stage boundary.
func runGuarded[A, B any](ctx context.Context, fn func(context.Context, A) (B, error), a A) (out B, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, a)
}

// runStage starts a tracked worker pool applying fn to each successful input
// and returns the stage's output queue. Failed inputs short-circuit: fn is
// never invoked for them and the failure is forwarded as is.
func runStage[A, B any](rc *RunContext, name string, in <-chan Result[A], fn func(context.Context, A) (B, error), opts []StepOption) <-chan Result[B] {
	so := rc.stepOptions(opts)
	out := make(chan Result[B], so.QueueCapacity)
	go func() {
		defer close(out)
		var g errgroup.Group
		for i := 0; i < so.MaxParallelism; i++ {
			g.Go(func() error {
				for r := range in {
					if !send(rc.Context(), out, processOne(rc, name, fn, r)) {
						return nil
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// processOne applies fn to one input, recording step start/complete/failed
// with the tracker and measuring elapsed time.
func processOne[A, B any](rc *RunContext, name string, fn func(context.Context, A) (B, error), r Result[A]) Result[B] {
	if !r.OK() {
		return forwardFailure[A, B](r, name)
	}
	ids := []string{r.ResourceID()}
	rc.trackStepStart(ids, name)
	start := time.Now()
	v, err := runGuarded(rc.Context(), fn, r.Value())
	elapsed := time.Since(start)
	if err != nil {
		rc.trackStepFailed(ids, name, elapsed, err.Error())
		return Failure[B](r.ResourceID(), err.Error(), name)
	}
	rc.trackStepComplete(ids, name, elapsed)
	return Success(v, r.ResourceID(), elapsed)
}

// runStageMany is the fan-out variant: on success fn yields zero or more
// outputs, each given its own derived resource id and its own resource-start
// tracking event.
func runStageMany[A, B any](rc *RunContext, name string, in <-chan Result[A], fn func(context.Context, A) ([]B, error), idOf func(B) string, opts []StepOption) <-chan Result[B] {
	so := rc.stepOptions(opts)
	out := make(chan Result[B], so.QueueCapacity)
	go func() {
		defer close(out)
		var g errgroup.Group
		for i := 0; i < so.MaxParallelism; i++ {
			g.Go(func() error {
				for r := range in {
					if !processManyOne(rc, name, fn, idOf, r, out) {
						return nil
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

func processManyOne[A, B any](rc *RunContext, name string, fn func(context.Context, A) ([]B, error), idOf func(B) string, r Result[A], out chan<- Result[B]) bool {
	if !r.OK() {
		return send(rc.Context(), out, forwardFailure[A, B](r, name))
	}
	ids := []string{r.ResourceID()}
	rc.trackStepStart(ids, name)
	start := time.Now()
	values, err := runGuarded(rc.Context(), fn, r.Value())
	elapsed := time.Since(start)
	if err != nil {
		rc.trackStepFailed(ids, name, elapsed, err.Error())
		return send(rc.Context(), out, Failure[B](r.ResourceID(), err.Error(), name))
	}
	rc.trackStepComplete(ids, name, elapsed)
	for _, v := range values {
		derived := idOf(v)
		rc.trackResourceStart(derived)
		if !send(rc.Context(), out, Success(v, derived, elapsed)) {
			return false
		}
	}
	return true
}
