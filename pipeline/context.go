package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunType selects how a Source materializes its items.
type RunType int

const (
	// RunFresh processes the full item stream.
	RunFresh RunType = iota
	// RunResume replays only the items left incomplete on a reference run.
	RunResume
)

// StepOptions bound one stage's worker pool and output queue. A stage without
// overrides uses the RunContext defaults.
type StepOptions struct {
	// MaxParallelism is the number of workers for the stage. Values below 1
	// are treated as 1.
	MaxParallelism int
	// QueueCapacity is the buffer size of the stage's output queue. 0 means
	// unbuffered; a full queue stalls the stage (backpressure).
	QueueCapacity int
}

// StepOption overrides one stage's StepOptions.
type StepOption func(*StepOptions)

// WithParallelism sets the stage's worker count.
func WithParallelism(n int) StepOption {
	return func(o *StepOptions) { o.MaxParallelism = n }
}

// WithQueueCapacity sets the stage's output queue capacity.
func WithQueueCapacity(n int) StepOption {
	return func(o *StepOptions) { o.QueueCapacity = n }
}

// RunContext is the per-run state shared by every stage: identity, run type,
// cancellation, default stage options and the optional collaborators.
// Create exactly one per run. Collaborators, if present, must be safe for
// concurrent use; the engine performs no locking around their calls.
type RunContext struct {
	RunID          string
	ResourceType   string
	Category       string
	Name           string
	RunType        RunType
	ReferenceRunID string

	Defaults StepOptions

	Tracker   Tracker
	Progress  ProgressService
	Artifacts ArtifactBatcher
	RunCache  RunCache
	Logger    *zap.Logger

	ctx context.Context
}

// RunOption configures a RunContext.
type RunOption func(*RunContext)

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(rc *RunContext) { rc.RunID = id }
}

// WithCategory sets the run's category and name strings.
func WithCategory(category, name string) RunOption {
	return func(rc *RunContext) { rc.Category, rc.Name = category, name }
}

// WithResume marks the run as a resume of referenceRunID. Sources built with
// Resume will replay only that run's incomplete resources.
func WithResume(referenceRunID string) RunOption {
	return func(rc *RunContext) {
		rc.RunType = RunResume
		rc.ReferenceRunID = referenceRunID
	}
}

// WithDefaults sets the default StepOptions for stages without overrides.
func WithDefaults(opts StepOptions) RunOption {
	return func(rc *RunContext) { rc.Defaults = opts }
}

// WithTracker attaches a progress tracker.
func WithTracker(t Tracker) RunOption {
	return func(rc *RunContext) { rc.Tracker = t }
}

// WithProgressService attaches the run-history service used by resume sources.
func WithProgressService(p ProgressService) RunOption {
	return func(rc *RunContext) { rc.Progress = p }
}

// WithArtifactBatcher attaches the artifact persistence collaborator.
func WithArtifactBatcher(b ArtifactBatcher) RunOption {
	return func(rc *RunContext) { rc.Artifacts = b }
}

// WithRunCache attaches the resource-run cache.
func WithRunCache(c RunCache) RunOption {
	return func(rc *RunContext) { rc.RunCache = c }
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) RunOption {
	return func(rc *RunContext) { rc.Logger = l }
}

// NewRunContext returns the context for one run. ctx carries the run-wide
// cancellation signal; canceling it abandons in-flight items and unwinds
// Complete promptly.
func NewRunContext(ctx context.Context, resourceType string, opts ...RunOption) *RunContext {
	rc := &RunContext{
		RunID:        uuid.New().String(),
		ResourceType: resourceType,
		Defaults:     StepOptions{MaxParallelism: 1, QueueCapacity: 16},
		Logger:       zap.NewNop(),
		ctx:          ctx,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Context returns the run's cancellation context.
func (rc *RunContext) Context() context.Context {
	if rc.ctx == nil {
		return context.Background()
	}
	return rc.ctx
}

func (rc *RunContext) log() *zap.Logger {
	if rc.Logger == nil {
		return zap.NewNop()
	}
	return rc.Logger
}

// stepOptions merges per-stage overrides onto the run defaults.
func (rc *RunContext) stepOptions(opts []StepOption) StepOptions {
	so := rc.Defaults
	for _, opt := range opts {
		opt(&so)
	}
	if so.MaxParallelism < 1 {
		so.MaxParallelism = 1
	}
	if so.QueueCapacity < 0 {
		so.QueueCapacity = 0
	}
	return so
}

// Tracking helpers. All are nil-safe and best-effort: a tracker error is
// logged, never propagated to the item.

func (rc *RunContext) trackResourceStart(resourceID string) {
	if rc.Tracker == nil {
		return
	}
	if err := rc.Tracker.RecordResourceStart(rc.Context(), resourceID, rc.ResourceType); err != nil {
		rc.log().Warn("record resource start",
			zap.String("resource_id", resourceID), zap.Error(err))
	}
}

func (rc *RunContext) trackStepStart(resourceIDs []string, step string) {
	if rc.Tracker == nil {
		return
	}
	if err := rc.Tracker.RecordStepStart(rc.Context(), resourceIDs, step); err != nil {
		rc.log().Warn("record step start", zap.String("step", step), zap.Error(err))
	}
}

func (rc *RunContext) trackStepComplete(resourceIDs []string, step string, d time.Duration) {
	if rc.Tracker == nil {
		return
	}
	if err := rc.Tracker.RecordStepComplete(rc.Context(), resourceIDs, step, d); err != nil {
		rc.log().Warn("record step complete", zap.String("step", step), zap.Error(err))
	}
}

func (rc *RunContext) trackStepFailed(resourceIDs []string, step string, d time.Duration, errMessage string) {
	if rc.Tracker == nil {
		return
	}
	if err := rc.Tracker.RecordStepFailed(rc.Context(), resourceIDs, step, d, errMessage); err != nil {
		rc.log().Warn("record step failed", zap.String("step", step), zap.Error(err))
	}
}

func (rc *RunContext) trackResourceComplete(resourceID, status, errMessage, failedStep string) {
	if rc.Tracker == nil {
		return
	}
	if err := rc.Tracker.RecordResourceComplete(rc.Context(), resourceID, status, errMessage, failedStep); err != nil {
		rc.log().Warn("record resource complete",
			zap.String("resource_id", resourceID), zap.Error(err))
	}
}
