// Package pipeline provides a resumable, multi-stage streaming pipeline over
// channels. A run is described by a RunContext (run id, resource type,
// cancellation, default stage options, optional collaborators) and composed
// fluently: Create attaches a Source, then Transform / TransformMany /
// GroupSequential / Batch / Action chain stages left to right, and Complete
// drains the graph.
//
// Items flow between stages wrapped in a Result envelope. A stage never
// panics or returns an error across its boundary: user-function errors (and
// panics) become Failure results that every downstream stage forwards without
// re-executing business logic, preserving the original resource id and the
// name of the step that failed.
//
// Each stage is a pool of workers bounded by MaxParallelism, connected to the
// next stage by a queue of QueueCapacity, so a fast stage stalls on a full
// downstream queue instead of buffering without bound. GroupSequential is the
// exception: it runs on a single worker and requires its upstream to be
// pre-sorted by the grouping key.
//
// Progress tracking, artifact persistence and resource-run caching are
// optional collaborators on the RunContext. When absent the pipeline runs
// untracked; the one exception is a resume-mode Source, which refuses to start
// without a ProgressService rather than silently re-running everything.
//
// # Resuming a run
//
// A Resume source consults the ProgressService for the set of resource ids
// not yet marked complete on a reference run, and hands exactly that set to a
// caller-supplied loader:
//
//	src := pipeline.Resume(freshSource, func(ctx context.Context, ids map[string]struct{}) ([]Record, error) {
//		return loadRecords(ctx, ids)
//	})
//	rc := pipeline.NewRunContext(ctx, "record",
//		pipeline.WithResume(previousRunID),
//		pipeline.WithProgressService(store),
//		pipeline.WithTracker(store),
//	)
//	step := pipeline.Create(rc, Record.ID).WithSource(src)
//
// On a fresh run the same source uses the fresh producer and the loader is
// never called.
package pipeline
