package pipeline

import "go.uber.org/zap"

// Batch chains a stage that groups the next n results (success or failure)
// into one slice result, in input order. Failed members are logged and
// skipped, never fatal to the batch; their step failure was already recorded
// upstream. The batch is keyed by the first successful member's resource id,
// or "" when every member failed. It runs on a single worker.
func Batch[T any](s *Step[T], n int) *Step[[]T] {
	const name = "batch"
	if s.run.err != nil {
		return &Step[[]T]{run: s.run, name: name, out: closedResults[[]T]()}
	}
	if n < 1 {
		n = 1
	}
	rc := s.run.rc
	out := make(chan Result[[]T], rc.Defaults.QueueCapacity)
	go func() {
		defer close(out)
		var (
			values  []T
			firstID string
			count   int
		)
		flush := func() bool {
			if count == 0 {
				return true
			}
			r := Success(values, firstID, 0)
			values, firstID, count = nil, "", 0
			return send(rc.Context(), out, r)
		}
		for r := range s.out {
			count++
			if r.OK() {
				if firstID == "" {
					firstID = r.ResourceID()
				}
				values = append(values, r.Value())
			} else {
				rc.log().Warn("batch member failed",
					zap.String("resource_id", r.ResourceID()),
					zap.String("step", r.ErrStep()),
					zap.String("error", r.ErrMessage()))
			}
			if count == n {
				if !flush() {
					return
				}
			}
		}
		flush()
	}()
	return &Step[[]T]{run: s.run, name: name, out: out}
}
