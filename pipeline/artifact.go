package pipeline

import "go.uber.org/zap"

// WithArtifact duplicates this step's output onto a best-effort persistence
// path without coupling the main path to storage backpressure. The fan-out
// point feeds two unbounded buffers, one continuing the chain and one feeding
// the persistence worker, so a slow or backlogged batcher can never block or
// drop main-path items. Only successful results whose encoded payload is
// non-empty are persisted; encode and queue failures are logged and
// swallowed. Without an ArtifactBatcher on the RunContext this is a no-op
// pass-through.
func (s *Step[T]) WithArtifact(artifactName string, encode func(v T) ([]byte, error)) *Step[T] {
	if s.run.err != nil {
		return s
	}
	rc := s.run.rc
	if rc.Artifacts == nil {
		return s
	}
	stepName := s.name
	mainIn := make(chan Result[T])
	sideIn := make(chan Result[T])
	// Both consumers are unbounded buffers, so these sends complete without
	// waiting on either downstream path.
	go func() {
		defer close(mainIn)
		defer close(sideIn)
		for r := range s.out {
			mainIn <- r
			sideIn <- r
		}
	}()
	main := unbounded(mainIn)
	side := unbounded(sideIn)
	s.run.side.Add(1)
	go func() {
		defer s.run.side.Done()
		for r := range side {
			if !r.OK() {
				continue
			}
			persistArtifact(rc, stepName, artifactName, encode, r)
		}
	}()
	return &Step[T]{run: s.run, name: s.name, out: main}
}

func persistArtifact[T any](rc *RunContext, stepName, artifactName string, encode func(T) ([]byte, error), r Result[T]) {
	data, err := encode(r.Value())
	if err != nil {
		rc.log().Warn("encode artifact",
			zap.String("resource_id", r.ResourceID()),
			zap.String("artifact", artifactName),
			zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	resourceRunID := r.ResourceID()
	if rc.RunCache != nil {
		id, err := rc.RunCache.GetOrCreate(rc.Context(), rc.RunID, r.ResourceID(), rc.ResourceType)
		if err != nil {
			rc.log().Warn("resource run lookup",
				zap.String("resource_id", r.ResourceID()),
				zap.Error(err))
		} else {
			resourceRunID = id
		}
	}
	save := ArtifactSave{
		ResourceRunID: resourceRunID,
		StepName:      stepName,
		ArtifactName:  artifactName,
		Data:          data,
		StorageKind:   StorageFile,
	}
	if err := rc.Artifacts.QueueArtifactSave(rc.Context(), save); err != nil {
		rc.log().Warn("queue artifact save",
			zap.String("resource_id", r.ResourceID()),
			zap.String("artifact", artifactName),
			zap.Error(err))
	}
}

// unbounded buffers between in and out without bound: receiving from in is
// always possible while in is open, so the sender upstream never stalls on a
// slow reader of out.
func unbounded[T any](in <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		var queue []T
		for in != nil || len(queue) > 0 {
			var ready chan<- T
			var head T
			if len(queue) > 0 {
				ready = out
				head = queue[0]
			}
			select {
			case v, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				queue = append(queue, v)
			case ready <- head:
				queue = queue[1:]
			}
		}
	}()
	return out
}
