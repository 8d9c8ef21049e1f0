package progress

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/candelahealth/streamrun/pipeline"
)

// Postgres persists run progress to pipeline_run, pipeline_resource_run and
// pipeline_resource_step so runs can be monitored and resumed. One instance
// is bound to one run id; create a new instance per run, pointing the resume
// run's ProgressService queries at the reference run.
type Postgres struct {
	pool   *pgxpool.Pool
	runID  string
	logger *zap.Logger
	sb     sq.StatementBuilderType
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithLogger sets the store's logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) PostgresOption {
	return func(p *Postgres) { p.logger = l }
}

// NewPostgres returns a store writing progress for runID through pool.
func NewPostgres(pool *pgxpool.Pool, runID string, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:   pool,
		runID:  runID,
		logger: zap.NewNop(),
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	_ pipeline.Tracker         = (*Postgres)(nil)
	_ pipeline.ProgressService = (*Postgres)(nil)
	_ pipeline.RunCache        = (*Postgres)(nil)
)

// Begin inserts the pipeline_run row. Uses upsert so a resumed run can reuse
// its run id.
func (p *Postgres) Begin(ctx context.Context, category, name, resourceType string) error {
	query, args, err := p.sb.Insert("pipeline_run").
		Columns("run_id", "category", "name", "resource_type", "started_at").
		Values(p.runID, category, name, resourceType, time.Now().UTC()).
		Suffix("ON CONFLICT (run_id) DO UPDATE SET started_at = EXCLUDED.started_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build pipeline_run insert: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert pipeline_run: %w", err)
	}
	return nil
}

// RecordResourceStart implements pipeline.Tracker. Upserts the resource's row
// for this run with a null status (in flight).
func (p *Postgres) RecordResourceStart(ctx context.Context, resourceID, resourceType string) error {
	query, args, err := p.sb.Insert("pipeline_resource_run").
		Columns("run_id", "resource_id", "resource_type", "started_at").
		Values(p.runID, resourceID, resourceType, time.Now().UTC()).
		Suffix("ON CONFLICT (run_id, resource_id) DO UPDATE SET started_at = EXCLUDED.started_at, status = NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build resource start: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record resource start: %w", err)
	}
	return nil
}

// RecordStepStart implements pipeline.Tracker.
func (p *Postgres) RecordStepStart(ctx context.Context, resourceIDs []string, step string) error {
	if len(resourceIDs) == 0 {
		return nil
	}
	ins := p.sb.Insert("pipeline_resource_step").
		Columns("run_id", "resource_id", "step_name", "status", "recorded_at")
	now := time.Now().UTC()
	for _, id := range resourceIDs {
		ins = ins.Values(p.runID, id, step, "running", now)
	}
	query, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("build step start: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record step start: %w", err)
	}
	return nil
}

// RecordStepComplete implements pipeline.Tracker.
func (p *Postgres) RecordStepComplete(ctx context.Context, resourceIDs []string, step string, d time.Duration) error {
	return p.closeStep(ctx, resourceIDs, step, "completed", "", d)
}

// RecordStepFailed implements pipeline.Tracker.
func (p *Postgres) RecordStepFailed(ctx context.Context, resourceIDs []string, step string, d time.Duration, errMessage string) error {
	return p.closeStep(ctx, resourceIDs, step, "failed", errMessage, d)
}

func (p *Postgres) closeStep(ctx context.Context, resourceIDs []string, step, status, errMessage string, d time.Duration) error {
	if len(resourceIDs) == 0 {
		return nil
	}
	upd := p.sb.Update("pipeline_resource_step").
		Set("status", status).
		Set("duration_ms", d.Milliseconds()).
		Where(sq.Eq{
			"run_id":      p.runID,
			"resource_id": resourceIDs,
			"step_name":   step,
			"status":      "running",
		})
	if errMessage != "" {
		upd = upd.Set("error", errMessage)
	}
	query, args, err := upd.ToSql()
	if err != nil {
		return fmt.Errorf("build step %s: %w", status, err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record step %s: %w", status, err)
	}
	return nil
}

// RecordResourceComplete implements pipeline.Tracker.
func (p *Postgres) RecordResourceComplete(ctx context.Context, resourceID, status, errMessage, failedStep string) error {
	upd := p.sb.Update("pipeline_resource_run").
		Set("status", status).
		Set("completed_at", time.Now().UTC()).
		Where(sq.Eq{"run_id": p.runID, "resource_id": resourceID})
	if errMessage != "" {
		upd = upd.Set("error", errMessage)
	}
	if failedStep != "" {
		upd = upd.Set("failed_step", failedStep)
	}
	query, args, err := upd.ToSql()
	if err != nil {
		return fmt.Errorf("build resource complete: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record resource complete: %w", err)
	}
	return nil
}

// Finalize implements pipeline.Tracker. Stamps the run row; the pool is owned
// by the caller and left open.
func (p *Postgres) Finalize(ctx context.Context) error {
	query, args, err := p.sb.Update("pipeline_run").
		Set("finalized_at", time.Now().UTC()).
		Where(sq.Eq{"run_id": p.runID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build finalize: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// IncompleteResourceIDs implements pipeline.ProgressService: resource ids on
// referenceRunID never marked completed.
func (p *Postgres) IncompleteResourceIDs(ctx context.Context, referenceRunID string) (map[string]struct{}, error) {
	query, args, err := p.sb.Select("resource_id").
		From("pipeline_resource_run").
		Where(sq.Eq{"run_id": referenceRunID}).
		Where(sq.Or{
			sq.Eq{"status": nil},
			sq.NotEq{"status": pipeline.StatusCompleted},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build incomplete query: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incomplete resources: %w", err)
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resource id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read incomplete resources: %w", err)
	}
	return ids, nil
}

// GetOrCreate implements pipeline.RunCache. Returns the row id of the
// resource's entry for this run, inserting it when absent.
func (p *Postgres) GetOrCreate(ctx context.Context, runID, resourceID, resourceType string) (string, error) {
	query, args, err := p.sb.Insert("pipeline_resource_run").
		Columns("run_id", "resource_id", "resource_type", "started_at").
		Values(runID, resourceID, resourceType, time.Now().UTC()).
		Suffix("ON CONFLICT (run_id, resource_id) DO UPDATE SET resource_type = EXCLUDED.resource_type RETURNING id").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build resource run upsert: %w", err)
	}
	var id string
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("get or create resource run: %w", err)
	}
	return id, nil
}
