package pipeline

import "time"

// Result is the success/failure envelope carried between stages. It is
// immutable: constructed by a stage when it finishes one item, consumed by
// the next stage or the terminal sink. Value is only meaningful when OK.
type Result[T any] struct {
	ok         bool
	value      T
	resourceID string
	errMessage string
	errStep    string
	duration   time.Duration
}

// Success wraps a stage output. duration is the stage's processing time for
// this item (zero for source items).
func Success[T any](value T, resourceID string, duration time.Duration) Result[T] {
	return Result[T]{ok: true, value: value, resourceID: resourceID, duration: duration}
}

// Failure wraps a per-item failure. errStep names the stage that failed; it
// may be empty, in which case the first stage to forward the failure fills in
// its own name.
func Failure[T any](resourceID, errMessage, errStep string) Result[T] {
	return Result[T]{resourceID: resourceID, errMessage: errMessage, errStep: errStep}
}

// OK reports whether the envelope carries a value.
func (r Result[T]) OK() bool { return r.ok }

// Value returns the carried value; the zero value when !OK.
func (r Result[T]) Value() T { return r.value }

// ResourceID returns the id of the resource this item belongs to.
func (r Result[T]) ResourceID() string { return r.resourceID }

// ErrMessage returns the failure message, or "" on success.
func (r Result[T]) ErrMessage() string { return r.errMessage }

// ErrStep returns the name of the stage that failed, or "" on success.
func (r Result[T]) ErrStep() string { return r.errStep }

// Duration returns the stage processing time recorded for this item.
func (r Result[T]) Duration() time.Duration { return r.duration }

// forwardFailure re-wraps a failed result for the next stage without invoking
// any business logic. The resource id and failing step are preserved;
// stepName is substituted only when no failing step was recorded.
func forwardFailure[A, B any](r Result[A], stepName string) Result[B] {
	step := r.errStep
	if step == "" {
		step = stepName
	}
	return Failure[B](r.resourceID, r.errMessage, step)
}
