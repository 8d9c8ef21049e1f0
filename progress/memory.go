package progress

import (
	"context"
	"sync"
	"time"

	"github.com/candelahealth/streamrun/pipeline"
)

// StepEvent is one recorded step transition for a resource.
type StepEvent struct {
	Step     string
	Status   string // "running" | "completed" | "failed"
	Error    string
	Duration time.Duration
}

// ResourceState is the in-memory record of one resource's run.
type ResourceState struct {
	ResourceID   string
	ResourceType string
	Status       string // "" until complete, then "completed" | "failed"
	Error        string
	FailedStep   string
	Steps        []StepEvent
}

// Memory tracks a single run in memory. It is safe for concurrent use from
// many stage workers. Pass the same instance as the ProgressService of a
// follow-up run to resume against this run's history; the reference run id
// argument is not consulted.
type Memory struct {
	mu        sync.Mutex
	resources map[string]*ResourceState
	finalized bool
}

// NewMemory returns an empty in-memory progress store.
func NewMemory() *Memory {
	return &Memory{resources: make(map[string]*ResourceState)}
}

var (
	_ pipeline.Tracker         = (*Memory)(nil)
	_ pipeline.ProgressService = (*Memory)(nil)
	_ pipeline.RunCache        = (*Memory)(nil)
)

func (m *Memory) get(resourceID string) *ResourceState {
	st, ok := m.resources[resourceID]
	if !ok {
		st = &ResourceState{ResourceID: resourceID}
		m.resources[resourceID] = st
	}
	return st
}

// RecordResourceStart implements pipeline.Tracker.
func (m *Memory) RecordResourceStart(_ context.Context, resourceID, resourceType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(resourceID)
	st.ResourceType = resourceType
	return nil
}

// RecordStepStart implements pipeline.Tracker.
func (m *Memory) RecordStepStart(_ context.Context, resourceIDs []string, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range resourceIDs {
		st := m.get(id)
		st.Steps = append(st.Steps, StepEvent{Step: step, Status: "running"})
	}
	return nil
}

// RecordStepComplete implements pipeline.Tracker.
func (m *Memory) RecordStepComplete(_ context.Context, resourceIDs []string, step string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range resourceIDs {
		m.closeStep(id, step, "completed", "", d)
	}
	return nil
}

// RecordStepFailed implements pipeline.Tracker.
func (m *Memory) RecordStepFailed(_ context.Context, resourceIDs []string, step string, d time.Duration, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range resourceIDs {
		m.closeStep(id, step, "failed", errMessage, d)
	}
	return nil
}

// closeStep marks the most recent running event for step, or appends one when
// the start event was never recorded.
func (m *Memory) closeStep(resourceID, step, status, errMessage string, d time.Duration) {
	st := m.get(resourceID)
	for i := len(st.Steps) - 1; i >= 0; i-- {
		ev := &st.Steps[i]
		if ev.Step == step && ev.Status == "running" {
			ev.Status = status
			ev.Error = errMessage
			ev.Duration = d
			return
		}
	}
	st.Steps = append(st.Steps, StepEvent{Step: step, Status: status, Error: errMessage, Duration: d})
}

// RecordResourceComplete implements pipeline.Tracker.
func (m *Memory) RecordResourceComplete(_ context.Context, resourceID, status, errMessage, failedStep string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(resourceID)
	st.Status = status
	st.Error = errMessage
	st.FailedStep = failedStep
	return nil
}

// Finalize implements pipeline.Tracker.
func (m *Memory) Finalize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = true
	return nil
}

// IncompleteResourceIDs implements pipeline.ProgressService: ids never marked
// completed. The store tracks one run, so referenceRunID is ignored.
func (m *Memory) IncompleteResourceIDs(_ context.Context, _ string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{})
	for id, st := range m.resources {
		if st.Status != pipeline.StatusCompleted {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// GetOrCreate implements pipeline.RunCache.
func (m *Memory) GetOrCreate(_ context.Context, runID, resourceID, resourceType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(resourceID)
	if st.ResourceType == "" {
		st.ResourceType = resourceType
	}
	return runID + "/" + resourceID, nil
}

// Resource returns a copy of the state for resourceID, or false when the
// resource was never seen.
func (m *Memory) Resource(resourceID string) (ResourceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.resources[resourceID]
	if !ok {
		return ResourceState{}, false
	}
	out := *st
	out.Steps = append([]StepEvent(nil), st.Steps...)
	return out, true
}

// Finalized reports whether Finalize has been called.
func (m *Memory) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}
