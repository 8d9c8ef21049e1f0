package pipeline

import (
	"context"
	"time"
)

// Resource completion statuses recorded via Tracker.RecordResourceComplete.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Storage kinds for ArtifactSave.StorageKind.
const (
	StorageFile = "file"
)

// Tracker receives per-resource and per-step progress events. The pipeline
// only calls it; it never implements it. Implementations must be safe for
// concurrent use from many stage workers. All methods are best-effort from
// the engine's point of view: errors are logged and do not fail items.
type Tracker interface {
	RecordResourceStart(ctx context.Context, resourceID, resourceType string) error
	RecordStepStart(ctx context.Context, resourceIDs []string, step string) error
	RecordStepComplete(ctx context.Context, resourceIDs []string, step string, duration time.Duration) error
	RecordStepFailed(ctx context.Context, resourceIDs []string, step string, duration time.Duration, errMessage string) error
	RecordResourceComplete(ctx context.Context, resourceID, status, errMessage, failedStep string) error
	Finalize(ctx context.Context) error
}

// ProgressService answers run-history queries. It is distinct from Tracker
// and is consulted only by resume-mode sources.
type ProgressService interface {
	// IncompleteResourceIDs returns the resource ids not yet marked complete
	// on the reference run.
	IncompleteResourceIDs(ctx context.Context, referenceRunID string) (map[string]struct{}, error)
}

// ArtifactSave is one artifact persistence request queued by the artifact
// side-channel.
type ArtifactSave struct {
	ResourceRunID string
	StepName      string
	ArtifactName  string
	Data          []byte
	StorageKind   string
}

// ArtifactBatcher persists stage outputs out of band. Queue failures are
// logged and swallowed by the engine; they never fail the item.
type ArtifactBatcher interface {
	QueueArtifactSave(ctx context.Context, save ArtifactSave) error
	Finalize(ctx context.Context) error
}

// RunCache resolves (run, resource) pairs to run-entry ids so artifacts can
// be keyed to the resource's row for this run.
type RunCache interface {
	GetOrCreate(ctx context.Context, runID, resourceID, resourceType string) (string, error)
}
