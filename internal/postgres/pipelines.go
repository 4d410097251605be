package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeline/forgeline/internal/domain"
)

// PipelineRepository abstracts all database access for pipelines and their
// append-only stage history.
type PipelineRepository interface {
	Create(ctx context.Context, p *domain.Pipeline) error
	Get(ctx context.Context, id string) (*domain.Pipeline, error)
	ListByStatus(ctx context.Context, status domain.PipelineStatus, limit int) ([]*domain.Pipeline, error)

	// BeginStage atomically appends a RUNNING history entry and moves the
	// pipeline onto that stage. Fails if the pipeline is already terminal —
	// the row guard is what serializes conflicting updates to one pipeline.
	BeginStage(ctx context.Context, pipelineID string, rec domain.StageRecord) error

	// CompleteStage closes the matching RUNNING history entry and adds the
	// attempt's cost to the pipeline total.
	CompleteStage(ctx context.Context, pipelineID string, stage domain.Stage, attempt int,
		status domain.StageStatus, reason domain.ReasonCode, cost float64, endedAt time.Time) error

	// Finish moves the pipeline to a terminal status.
	Finish(ctx context.Context, pipelineID string, status domain.PipelineStatus,
		reason domain.ReasonCode, at time.Time) error

	// Cancel marks the pipeline CANCELLED unless it is already terminal.
	// Returns false when the pipeline was already terminal.
	Cancel(ctx context.Context, pipelineID string, at time.Time) (bool, error)
}

type pipelineRepo struct {
	pool *pgxpool.Pool
}

// NewPipelineRepository wraps a pgxpool with the PipelineRepository interface.
func NewPipelineRepository(pool *pgxpool.Pool) PipelineRepository {
	return &pipelineRepo{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *pipelineRepo) Create(ctx context.Context, p *domain.Pipeline) error {
	attempts, err := json.Marshal(p.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO pipelines
			(id, project_id, trace_id, request, status, current_stage, attempts,
			 accumulated_cost, failure_reason, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		p.ID, p.ProjectID, p.TraceID, p.Request, string(p.Status),
		string(p.CurrentStage), attempts, p.AccumulatedCost,
		string(p.FailureReason), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pipeline %s: %w", p.ID, err)
	}
	return nil
}

func (r *pipelineRepo) Get(ctx context.Context, id string) (*domain.Pipeline, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, project_id, trace_id, request, status, current_stage, attempts,
		       accumulated_cost, failure_reason, created_at, updated_at, completed_at
		FROM pipelines
		WHERE id = $1
	`, id)

	p, err := scanPipeline(row)
	if err != nil {
		return nil, err
	}
	if p.StageHistory, err = r.history(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *pipelineRepo) history(ctx context.Context, pipelineID string) ([]domain.StageRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT stage, attempt, status, reason, cost_units, started_at, ended_at
		FROM stage_history
		WHERE pipeline_id = $1
		ORDER BY seq ASC
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query stage_history for %s: %w", pipelineID, err)
	}
	defer rows.Close()

	var history []domain.StageRecord
	for rows.Next() {
		var rec domain.StageRecord
		var stage, status, reason string
		if err := rows.Scan(&stage, &rec.Attempt, &status, &reason,
			&rec.CostUnits, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scan stage_history: %w", err)
		}
		rec.Stage = domain.Stage(stage)
		rec.Status = domain.StageStatus(status)
		rec.Reason = domain.ReasonCode(reason)
		history = append(history, rec)
	}
	return history, rows.Err()
}

func (r *pipelineRepo) ListByStatus(ctx context.Context, status domain.PipelineStatus, limit int) ([]*domain.Pipeline, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, trace_id, request, status, current_stage, attempts,
		       accumulated_cost, failure_reason, created_at, updated_at, completed_at
		FROM pipelines
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list pipelines by status %s: %w", status, err)
	}
	defer rows.Close()

	var pipelines []*domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

func (r *pipelineRepo) BeginStage(ctx context.Context, pipelineID string, rec domain.StageRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE pipelines
		SET status = $1,
		    current_stage = $2,
		    attempts = jsonb_set(COALESCE(attempts, '{}'::jsonb), ARRAY[$2::text], to_jsonb($3::int)),
		    updated_at = $4
		WHERE id = $5 AND status IN ('PENDING', 'RUNNING')
	`, string(domain.StatusRunning), string(rec.Stage), rec.Attempt, rec.StartedAt, pipelineID)
	if err != nil {
		return fmt.Errorf("begin stage %s for pipeline %s: %w", rec.Stage, pipelineID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.PipelineTerminalError{PipelineID: pipelineID}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO stage_history (pipeline_id, stage, attempt, status, reason, cost_units, started_at)
		VALUES ($1, $2, $3, $4, '', 0, $5)
	`, pipelineID, string(rec.Stage), rec.Attempt, string(domain.StageRunning), rec.StartedAt); err != nil {
		return fmt.Errorf("append stage_history for %s: %w", pipelineID, err)
	}

	return tx.Commit(ctx)
}

func (r *pipelineRepo) CompleteStage(ctx context.Context, pipelineID string, stage domain.Stage, attempt int,
	status domain.StageStatus, reason domain.ReasonCode, cost float64, endedAt time.Time) error {

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE stage_history
		SET status = $1, reason = $2, cost_units = $3, ended_at = $4
		WHERE pipeline_id = $5 AND stage = $6 AND attempt = $7 AND status = $8
	`, string(status), string(reason), cost, endedAt,
		pipelineID, string(stage), attempt, string(domain.StageRunning))
	if err != nil {
		return fmt.Errorf("complete stage %s for pipeline %s: %w", stage, pipelineID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already closed: the completion was applied by a previous delivery.
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE pipelines
		SET accumulated_cost = accumulated_cost + $1, updated_at = $2
		WHERE id = $3
	`, cost, endedAt, pipelineID); err != nil {
		return fmt.Errorf("add cost for pipeline %s: %w", pipelineID, err)
	}

	return tx.Commit(ctx)
}

func (r *pipelineRepo) Finish(ctx context.Context, pipelineID string, status domain.PipelineStatus,
	reason domain.ReasonCode, at time.Time) error {

	_, err := r.pool.Exec(ctx, `
		UPDATE pipelines
		SET status = $1, failure_reason = $2, updated_at = $3, completed_at = $3
		WHERE id = $4 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
	`, string(status), string(reason), at, pipelineID)
	if err != nil {
		return fmt.Errorf("finish pipeline %s: %w", pipelineID, err)
	}
	return nil
}

func (r *pipelineRepo) Cancel(ctx context.Context, pipelineID string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE pipelines
		SET status = $1, failure_reason = $2, updated_at = $3, completed_at = $3
		WHERE id = $4 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
	`, string(domain.StatusCancelled), string(domain.ReasonCancelled), at, pipelineID)
	if err != nil {
		return false, fmt.Errorf("cancel pipeline %s: %w", pipelineID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// scanPipeline reads a pipeline row from any pgx row type.
func scanPipeline(row interface {
	Scan(...any) error
}) (*domain.Pipeline, error) {
	var p domain.Pipeline
	var status, currentStage, reason string
	var attempts []byte
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.TraceID, &p.Request, &status, &currentStage,
		&attempts, &p.AccumulatedCost, &reason, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.PipelineNotFoundError{PipelineID: "unknown"}
		}
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}
	p.Status = domain.PipelineStatus(status)
	p.CurrentStage = domain.Stage(currentStage)
	p.FailureReason = domain.ReasonCode(reason)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &p.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	return &p, nil
}
