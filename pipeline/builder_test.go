package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestPipeline_NoItemsDropped(t *testing.T) {
	items := fmtIDs(50)
	tracker := newCaptureTracker()
	rc := NewRunContext(context.Background(), "record",
		WithTracker(tracker),
		WithDefaults(StepOptions{MaxParallelism: 4, QueueCapacity: 8}),
	)

	var mu sync.Mutex
	var seen []string
	step := Create(rc, recordID).FromSlice(items)
	step = Transform(step, "upper", func(ctx context.Context, r record) (record, error) {
		r.Val = strings.ToUpper(r.Val)
		return r, nil
	})
	step = step.Action("collect", func(ctx context.Context, r record) error {
		mu.Lock()
		seen = append(seen, r.ID)
		mu.Unlock()
		return nil
	})
	if err := step.Complete(nil); err != nil {
		t.Fatal(err)
	}

	var want []string
	for _, it := range items {
		want = append(want, it.ID)
	}
	if !reflect.DeepEqual(sortedIDs(seen), sortedIDs(want)) {
		t.Errorf("items dropped: got %d of %d", len(seen), len(want))
	}
	for _, id := range want {
		if tracker.status(id) != StatusCompleted {
			t.Errorf("resource %s: status %q", id, tracker.status(id))
		}
	}
}

func TestPipeline_FailurePropagation(t *testing.T) {
	tracker := newCaptureTracker()
	rc := NewRunContext(context.Background(), "record", WithTracker(tracker))

	downstreamSaw := make(map[string]bool)
	step := Create(rc, recordID).FromSlice([]record{
		{ID: "good", Val: "x"},
		{ID: "bad", Val: "x"},
	})
	step = Transform(step, "parse", func(ctx context.Context, r record) (record, error) {
		if r.ID == "bad" {
			return record{}, errors.New("unparseable")
		}
		return r, nil
	})
	step = Transform(step, "store", func(ctx context.Context, r record) (record, error) {
		downstreamSaw[r.ID] = true
		return r, nil
	})
	if err := step.Complete(nil); err != nil {
		t.Fatal(err)
	}

	if downstreamSaw["bad"] {
		t.Error("downstream stage ran for a failed item")
	}
	if !downstreamSaw["good"] {
		t.Error("downstream stage skipped the good item")
	}
	if tracker.status("bad") != StatusFailed {
		t.Errorf("bad: status %q", tracker.status("bad"))
	}
	if tracker.status("good") != StatusCompleted {
		t.Errorf("good: status %q", tracker.status("good"))
	}
	tracker.mu.Lock()
	failedStep := tracker.failSteps["bad"]
	tracker.mu.Unlock()
	if failedStep != "parse" {
		t.Errorf("failed step: got %q, want parse", failedStep)
	}
}

func TestPipeline_PanicBecomesFailure(t *testing.T) {
	tracker := newCaptureTracker()
	rc := NewRunContext(context.Background(), "record", WithTracker(tracker))

	step := Create(rc, recordID).FromSlice([]record{{ID: "a"}})
	step = Transform(step, "explode", func(ctx context.Context, r record) (record, error) {
		panic("kaboom")
	})
	if err := step.Complete(nil); err != nil {
		t.Fatal(err)
	}
	if tracker.status("a") != StatusFailed {
		t.Errorf("status: got %q", tracker.status("a"))
	}
	events := tracker.stepEvents()
	if len(events) == 0 || events[len(events)-1] != "explode:failed" {
		t.Errorf("step events: got %v", events)
	}
}

func TestTransformMany_FanOut(t *testing.T) {
	tracker := newCaptureTracker()
	rc := NewRunContext(context.Background(), "record", WithTracker(tracker))

	step := Create(rc, recordID).FromSlice([]record{{ID: "doc-1"}, {ID: "doc-2"}})
	pages := TransformMany(step, "split", func(ctx context.Context, r record) ([]record, error) {
		return []record{
			{ID: r.ID + "/p1"},
			{ID: r.ID + "/p2"},
		}, nil
	}, recordID)
	if err := pages.Complete(nil); err != nil {
		t.Fatal(err)
	}

	want := []string{"doc-1", "doc-1/p1", "doc-1/p2", "doc-2", "doc-2/p1", "doc-2/p2"}
	if !reflect.DeepEqual(sortedIDs(tracker.startedIDs()), sortedIDs(want)) {
		t.Errorf("resource starts: got %v", sortedIDs(tracker.startedIDs()))
	}
	for _, id := range []string{"doc-1/p1", "doc-1/p2", "doc-2/p1", "doc-2/p2"} {
		if tracker.status(id) != StatusCompleted {
			t.Errorf("%s: status %q", id, tracker.status(id))
		}
	}
}

func TestAction_FailureFailsItem(t *testing.T) {
	tracker := newCaptureTracker()
	rc := NewRunContext(context.Background(), "record", WithTracker(tracker))

	step := Create(rc, recordID).FromSlice([]record{{ID: "a"}})
	step = step.Action("notify", func(ctx context.Context, r record) error {
		return errors.New("downstream unavailable")
	})
	if err := step.Complete(nil); err != nil {
		t.Fatal(err)
	}
	if tracker.status("a") != StatusFailed {
		t.Errorf("status: got %q", tracker.status("a"))
	}
	tracker.mu.Lock()
	failedStep := tracker.failSteps["a"]
	tracker.mu.Unlock()
	if failedStep != "notify" {
		t.Errorf("failed step: got %q", failedStep)
	}
}

func TestComplete_FinalizesCollaboratorsOnce(t *testing.T) {
	tracker := newCaptureTracker()
	batcher := &captureBatcher{}
	rc := NewRunContext(context.Background(), "record",
		WithTracker(tracker),
		WithArtifactBatcher(batcher),
	)
	step := Create(rc, recordID).FromSlice(fmtIDs(3))
	step = step.WithArtifact("raw", func(r record) ([]byte, error) {
		return []byte(r.Val), nil
	})
	if err := step.Complete(nil); err != nil {
		t.Fatal(err)
	}
	if got := tracker.finalizeCount(); got != 1 {
		t.Errorf("tracker finalized %d times", got)
	}
	if got := batcher.finalizeCount(); got != 1 {
		t.Errorf("batcher finalized %d times", got)
	}
}

func TestComplete_SurfacesSourceConfigError(t *testing.T) {
	rc := NewRunContext(context.Background(), "record", WithResume("run-0"))
	src := Resume(FromSlice([]record{{ID: "a"}}), func(ctx context.Context, ids map[string]struct{}) ([]record, error) {
		return nil, nil
	})
	step := Create(rc, recordID).WithSource(src)
	step = Transform(step, "noop", func(ctx context.Context, r record) (record, error) { return r, nil })
	err := step.Complete(nil)
	if !errors.Is(err, ErrNoProgressService) {
		t.Fatalf("expected ErrNoProgressService, got %v", err)
	}
}

func TestComplete_IDExtractorForBatches(t *testing.T) {
	tracker := newCaptureTracker()
	rc := NewRunContext(context.Background(), "record", WithTracker(tracker))

	step := Create(rc, recordID).FromSlice(fmtIDs(5))
	batches := Batch(step, 2)
	err := batches.Complete(func(rs []record) []string {
		var ids []string
		for _, r := range rs {
			ids = append(ids, r.ID)
		}
		return ids
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%03d", i)
		if tracker.status(id) != StatusCompleted {
			t.Errorf("%s: status %q", id, tracker.status(id))
		}
	}
}

func TestPipeline_CancellationUnwinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tracker := newCaptureTracker()
	rc := NewRunContext(ctx, "record", WithTracker(tracker))

	processed := 0
	step := Create(rc, recordID).FromSlice(fmtIDs(10000))
	step = Transform(step, "slow", func(ctx context.Context, r record) (record, error) {
		processed++
		if processed == 10 {
			cancel()
		}
		return r, nil
	})
	if err := step.Complete(nil); err != nil {
		t.Fatal(err)
	}
	if got := tracker.finalizeCount(); got != 1 {
		t.Errorf("tracker finalized %d times after cancel", got)
	}
}

func TestStepOptions_Defaults(t *testing.T) {
	rc := NewRunContext(context.Background(), "record",
		WithDefaults(StepOptions{MaxParallelism: 3, QueueCapacity: 7}),
	)
	so := rc.stepOptions(nil)
	if so.MaxParallelism != 3 || so.QueueCapacity != 7 {
		t.Errorf("defaults not applied: %+v", so)
	}
	so = rc.stepOptions([]StepOption{WithParallelism(1), WithQueueCapacity(0)})
	if so.MaxParallelism != 1 || so.QueueCapacity != 0 {
		t.Errorf("overrides not applied: %+v", so)
	}
	so = rc.stepOptions([]StepOption{WithParallelism(-2)})
	if so.MaxParallelism != 1 {
		t.Errorf("parallelism not clamped: %+v", so)
	}
}
