package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var errTest = errors.New("stage failed")

// captureTracker records every tracking event for assertions.
type captureTracker struct {
	mu        sync.Mutex
	started   []string
	steps     []string          // "name:status" per event
	completed map[string]string // resource id -> status
	failSteps map[string]string // resource id -> failed step
	finalized int
}

func newCaptureTracker() *captureTracker {
	return &captureTracker{
		completed: make(map[string]string),
		failSteps: make(map[string]string),
	}
}

func (t *captureTracker) RecordResourceStart(_ context.Context, resourceID, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = append(t.started, resourceID)
	return nil
}

func (t *captureTracker) RecordStepStart(_ context.Context, _ []string, step string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step+":start")
	return nil
}

func (t *captureTracker) RecordStepComplete(_ context.Context, _ []string, step string, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step+":complete")
	return nil
}

func (t *captureTracker) RecordStepFailed(_ context.Context, _ []string, step string, _ time.Duration, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step+":failed")
	return nil
}

func (t *captureTracker) RecordResourceComplete(_ context.Context, resourceID, status, _, failedStep string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed[resourceID] = status
	if failedStep != "" {
		t.failSteps[resourceID] = failedStep
	}
	return nil
}

func (t *captureTracker) Finalize(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized++
	return nil
}

func (t *captureTracker) startedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.started...)
}

func (t *captureTracker) status(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed[id]
}

func (t *captureTracker) finalizeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

func (t *captureTracker) stepEvents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

// fakeProgress serves a fixed incomplete set for resume tests.
type fakeProgress struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	err     error
	askedID string
}

func (p *fakeProgress) IncompleteResourceIDs(_ context.Context, referenceRunID string) (map[string]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.askedID = referenceRunID
	if p.err != nil {
		return nil, p.err
	}
	return p.ids, nil
}

// captureBatcher records queued artifact saves; release (if non-nil) gates
// every save so tests can hold the side path back.
type captureBatcher struct {
	mu        sync.Mutex
	saves     []ArtifactSave
	finalized int
	release   chan struct{}
}

func (b *captureBatcher) QueueArtifactSave(_ context.Context, save ArtifactSave) error {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves = append(b.saves, save)
	return nil
}

func (b *captureBatcher) Finalize(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized++
	return nil
}

func (b *captureBatcher) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.saves)
}

func (b *captureBatcher) finalizeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

// record is the item type used across engine tests.
type record struct {
	ID  string
	Key string
	Val string
}

func recordID(r record) string { return r.ID }

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func fmtIDs(n int) []record {
	items := make([]record, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, record{ID: fmt.Sprintf("r%03d", i), Val: "v"})
	}
	return items
}
