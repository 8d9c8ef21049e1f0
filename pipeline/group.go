package pipeline

import (
	"context"
	"time"
)

// GroupSequential chains a stage that folds consecutive items sharing a key
// into one projected output per key, without buffering the whole stream. It
// runs on a single worker and preserves input order.
//
// Caller contract: the upstream must already be sorted by key. The stage does
// not re-sort; mis-ordered input produces several short groups for the same
// key instead of one. An open group is emitted when a different key arrives
// and when the upstream is exhausted; an empty upstream emits nothing and
// never invokes project. Upstream failures are forwarded immediately and do
// not disturb the open group. The emitted result's resource id is the group
// key.
func GroupSequential[T, G any](s *Step[T], name string, keyOf func(T) string, project func(key string, items []T) (G, error)) *Step[G] {
	if s.run.err != nil {
		return &Step[G]{run: s.run, name: name, out: closedResults[G]()}
	}
	rc := s.run.rc
	out := make(chan Result[G], rc.Defaults.QueueCapacity)
	go func() {
		defer close(out)
		var (
			open  bool
			key   string
			items []T
			ids   []string
		)
		emit := func() bool {
			rc.trackStepStart(ids, name)
			start := time.Now()
			g, err := runGuarded(rc.Context(), func(ctx context.Context, items []T) (G, error) {
				return project(key, items)
			}, items)
			elapsed := time.Since(start)
			var r Result[G]
			if err != nil {
				rc.trackStepFailed(ids, name, elapsed, err.Error())
				r = Failure[G](key, err.Error(), name)
			} else {
				rc.trackStepComplete(ids, name, elapsed)
				r = Success(g, key, elapsed)
			}
			open = false
			items, ids = nil, nil
			return send(rc.Context(), out, r)
		}
		for r := range s.out {
			if !r.OK() {
				if !send(rc.Context(), out, forwardFailure[T, G](r, name)) {
					return
				}
				continue
			}
			k := keyOf(r.Value())
			if open && k != key {
				if !emit() {
					return
				}
			}
			if !open {
				open, key = true, k
			}
			items = append(items, r.Value())
			ids = append(ids, r.ResourceID())
		}
		if open {
			emit()
		}
	}()
	return &Step[G]{run: s.run, name: name, out: out}
}
