package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// run is the state shared along one builder chain: the context, the sticky
// configuration error, and the bookkeeping Complete needs to finalize.
type run struct {
	rc       *RunContext
	err      error
	side     sync.WaitGroup // in-flight artifact side-channel workers
	finalize sync.Once
}

// Head is the start of a builder chain. It only accepts a source; stages
// cannot be attached until one is, by construction.
type Head[T any] struct {
	run  *run
	idOf func(T) string
}

// Create starts a builder bound to one RunContext. idOf extracts the resource
// id from a raw source item.
func Create[T any](rc *RunContext, idOf func(T) string) *Head[T] {
	return &Head[T]{run: &run{rc: rc}, idOf: idOf}
}

// WithSource attaches a Source and returns the first step handle. Each item
// is recorded as a resource start and wrapped as a successful Result. A
// source that fails to open (a factory error, a resume run without a
// ProgressService) poisons the chain: no items are produced and Complete
// returns the error.
func (h *Head[T]) WithSource(src Source[T]) *Step[T] {
	rc := h.run.rc
	items, err := src.open(rc)
	if err != nil {
		h.run.err = fmt.Errorf("open source: %w", err)
		return &Step[T]{run: h.run, name: "source", out: closedResults[T]()}
	}
	out := make(chan Result[T], rc.Defaults.QueueCapacity)
	go func() {
		defer close(out)
		for item := range items {
			id := h.idOf(item)
			rc.trackResourceStart(id)
			if !send(rc.Context(), out, Success(item, id, 0)) {
				return
			}
		}
	}()
	return &Step[T]{run: h.run, name: "source", out: out}
}

// FromSlice attaches a finite collection source.
func (h *Head[T]) FromSlice(items []T) *Step[T] {
	return h.WithSource(FromSlice(items))
}

// FromFunc attaches a lazy factory source.
func (h *Head[T]) FromFunc(fn func(ctx context.Context) ([]T, error)) *Step[T] {
	return h.WithSource(FromFunc(fn))
}

// FromStream attaches an asynchronous producer source.
func (h *Head[T]) FromStream(fn func(ctx context.Context, out chan<- T) error) *Step[T] {
	return h.WithSource(FromStream(fn))
}

// Step is a handle on one stage's output. Chaining calls return a new handle;
// each handle is single-use for continuing the chain. Complete is the sole
// terminal operation.
type Step[T any] struct {
	run  *run
	name string
	out  <-chan Result[T]
}

// Transform chains a tracked stage converting A to B.
func Transform[A, B any](s *Step[A], name string, fn func(ctx context.Context, a A) (B, error), opts ...StepOption) *Step[B] {
	if s.run.err != nil {
		return &Step[B]{run: s.run, name: name, out: closedResults[B]()}
	}
	return &Step[B]{run: s.run, name: name, out: runStage(s.run.rc, name, s.out, fn, opts)}
}

// TransformMany chains a tracked fan-out stage: one input yields zero or more
// outputs, each an independent downstream item with its own resource id
// extracted by idOf.
func TransformMany[A, B any](s *Step[A], name string, fn func(ctx context.Context, a A) ([]B, error), idOf func(B) string, opts ...StepOption) *Step[B] {
	if s.run.err != nil {
		return &Step[B]{run: s.run, name: name, out: closedResults[B]()}
	}
	return &Step[B]{run: s.run, name: name, out: runStageMany(s.run.rc, name, s.out, fn, idOf, opts)}
}

// Action chains a tracked side-effecting stage that passes its input through
// unchanged.
func (s *Step[T]) Action(name string, fn func(ctx context.Context, v T) error, opts ...StepOption) *Step[T] {
	return Transform(s, name, func(ctx context.Context, v T) (T, error) {
		if err := fn(ctx, v); err != nil {
			var zero T
			return zero, err
		}
		return v, nil
	}, opts...)
}

// Complete drains the full graph: it logs a warning for every failed item,
// records resource completion with the tracker, waits for in-flight artifact
// persistence, then finalizes the tracker and artifact batcher exactly once.
// idsOf extracts the resource ids to mark complete from one emitted value
// (batches carry several); nil means the envelope's own resource id.
// Chaining after Complete is undefined: the graph is gone.
func (s *Step[T]) Complete(idsOf func(v T) []string) error {
	rc := s.run.rc
	for r := range s.out {
		if !r.OK() {
			rc.log().Warn("item failed",
				zap.String("resource_id", r.ResourceID()),
				zap.String("step", r.ErrStep()),
				zap.String("error", r.ErrMessage()))
			rc.trackResourceComplete(r.ResourceID(), StatusFailed, r.ErrMessage(), r.ErrStep())
			continue
		}
		ids := []string{r.ResourceID()}
		if idsOf != nil {
			ids = idsOf(r.Value())
		}
		for _, id := range ids {
			rc.trackResourceComplete(id, StatusCompleted, "", "")
		}
	}
	s.run.side.Wait()
	s.run.finalize.Do(func() {
		if rc.Artifacts != nil {
			if err := rc.Artifacts.Finalize(rc.Context()); err != nil {
				rc.log().Warn("finalize artifact batcher", zap.Error(err))
			}
		}
		if rc.Tracker != nil {
			if err := rc.Tracker.Finalize(rc.Context()); err != nil {
				rc.log().Warn("finalize tracker", zap.Error(err))
			}
		}
	})
	return s.run.err
}
