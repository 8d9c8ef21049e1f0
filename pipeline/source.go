package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNoProgressService is returned when a resume-mode run is started from a
// Resume source but the RunContext has no ProgressService. The run fails
// before any item is produced; it never silently falls back to a fresh run.
var ErrNoProgressService = errors.New("resume run requires a progress service")

// Source lazily materializes the initial item stream for a run. The stream is
// bound to the run's cancellation signal: canceling the run context stops
// production.
type Source[T any] struct {
	open func(rc *RunContext) (<-chan T, error)
}

// FromSlice returns a source over a finite, already-known collection.
func FromSlice[T any](items []T) Source[T] {
	return Source[T]{open: func(rc *RunContext) (<-chan T, error) {
		out := make(chan T)
		go func() {
			defer close(out)
			for _, item := range items {
				select {
				case out <- item:
				case <-rc.Context().Done():
					return
				}
			}
		}()
		return out, nil
	}}
}

// FromFunc returns a source whose items come from a factory invoked lazily at
// run start. Use it for randomized or config-dependent item sets.
func FromFunc[T any](fn func(ctx context.Context) ([]T, error)) Source[T] {
	return Source[T]{open: func(rc *RunContext) (<-chan T, error) {
		items, err := fn(rc.Context())
		if err != nil {
			return nil, fmt.Errorf("source factory: %w", err)
		}
		return FromSlice(items).open(rc)
	}}
}

// FromStream returns a source fed by an asynchronous producer (paged database
// reads and the like). The producer writes items to out and returns when the
// stream is exhausted or the context is canceled; the channel is closed for
// it. A producer error ends the stream early and is logged.
func FromStream[T any](fn func(ctx context.Context, out chan<- T) error) Source[T] {
	return Source[T]{open: func(rc *RunContext) (<-chan T, error) {
		out := make(chan T)
		go func() {
			defer close(out)
			if err := fn(rc.Context(), out); err != nil {
				rc.log().Error("stream source", zap.Error(err))
			}
		}()
		return out, nil
	}}
}

// Resume returns a source that uses fresh on a fresh run. On a resume run it
// asks the ProgressService for the resource ids left incomplete on the
// reference run and invokes loadIncomplete with exactly that set. A resume
// run without a configured ProgressService is a configuration error.
func Resume[T any](fresh Source[T], loadIncomplete func(ctx context.Context, ids map[string]struct{}) ([]T, error)) Source[T] {
	return Source[T]{open: func(rc *RunContext) (<-chan T, error) {
		if rc.RunType == RunFresh {
			return fresh.open(rc)
		}
		if rc.Progress == nil {
			return nil, ErrNoProgressService
		}
		ids, err := rc.Progress.IncompleteResourceIDs(rc.Context(), rc.ReferenceRunID)
		if err != nil {
			return nil, fmt.Errorf("incomplete resource ids for run %s: %w", rc.ReferenceRunID, err)
		}
		items, err := loadIncomplete(rc.Context(), ids)
		if err != nil {
			return nil, fmt.Errorf("load incomplete items: %w", err)
		}
		return FromSlice(items).open(rc)
	}}
}
