package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/postgres"
	redisstore "github.com/forgeline/forgeline/internal/redis"
	"github.com/forgeline/forgeline/pkg/telemetry"
)

// DefaultMaxImplementAttempts bounds the implement↔validate rework loop:
// two full implement runs, i.e. one retry after a failed validation.
const DefaultMaxImplementAttempts = 2

// Engine owns every pipeline state transition. Both drive strategies feed it
// the same StageEvents, so for the same sequence of stage outcomes the two
// modes produce identical stage history and final status.
type Engine struct {
	repo                 postgres.PipelineRepository
	live                 redisstore.StatusStore // nil disables the Redis mirror
	maxImplementAttempts int
	logger               *slog.Logger
	now                  func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithMaxImplementAttempts(n int) EngineOption {
	return func(e *Engine) { e.maxImplementAttempts = n }
}
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an Engine. live may be nil.
func NewEngine(repo postgres.PipelineRepository, live redisstore.StatusStore, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:                 repo,
		live:                 live,
		maxImplementAttempts: DefaultMaxImplementAttempts,
		logger:               slog.Default(),
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit creates a pipeline in PENDING. It never blocks on stage execution;
// the caller's driver schedules the plan stage.
func (e *Engine) Submit(ctx context.Context, projectID string, request json.RawMessage) (*domain.Pipeline, error) {
	now := e.now().UTC()
	p := &domain.Pipeline{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		TraceID:   uuid.New().String(),
		Request:   request,
		Status:    domain.StatusPending,
		Attempts:  map[domain.Stage]int{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	e.mirror(ctx, p.ID)
	return p, nil
}

// Get returns the latest persisted pipeline snapshot.
func (e *Engine) Get(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	return e.repo.Get(ctx, pipelineID)
}

// Cancel marks the pipeline CANCELLED unless already terminal. Cooperative:
// an in-flight stage call is not interrupted, but the next transition check
// observes the cancelled status and halts.
func (e *Engine) Cancel(ctx context.Context, pipelineID string) (bool, error) {
	ok, err := e.repo.Cancel(ctx, pipelineID, e.now().UTC())
	if err != nil {
		return false, err
	}
	if ok {
		telemetry.PipelinesFinished.WithLabelValues(string(domain.StatusCancelled)).Inc()
		e.mirror(ctx, pipelineID)
	}
	return ok, nil
}

// Begin starts the plan stage for a pending pipeline and returns its stage
// request. Returns (nil, nil) when the pipeline was cancelled before start.
func (e *Engine) Begin(ctx context.Context, pipelineID string) (*domain.StageRequest, error) {
	p, err := e.repo.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		e.logger.Info("begin skipped, pipeline already terminal",
			slog.String("pipeline_id", p.ID),
			slog.String("status", string(p.Status)),
		)
		return nil, nil
	}
	return e.openStage(ctx, p, domain.StagePlan, p.Request)
}

// HandleCompletion applies one stage completion: closes the history entry,
// consults the transition table, and either returns the next stage request
// or finishes the pipeline. Returns (nil, nil) for terminal pipelines and
// duplicate completions. A StaleStageEventError with Ahead set means the
// event arrived before its predecessor's transition was applied and must be
// redelivered.
func (e *Engine) HandleCompletion(ctx context.Context, ev domain.StageEvent) (*domain.StageRequest, error) {
	p, err := e.repo.Get(ctx, ev.PipelineID)
	if err != nil {
		return nil, err
	}

	// Cancellation (and any other terminal state) short-circuits resumption.
	if p.Status.IsTerminal() {
		e.logger.Info("completion ignored, pipeline terminal",
			slog.String("pipeline_id", p.ID),
			slog.String("status", string(p.Status)),
			slog.String("stage", string(ev.Stage)),
		)
		return nil, nil
	}

	// Fencing: the event must match the persisted current stage and attempt.
	if ev.Stage != p.CurrentStage || ev.Attempt != p.AttemptCount(ev.Stage) {
		if e.seen(p, ev) {
			// A previous delivery already applied this completion. Re-issue
			// the stage it opened, if any: a redelivery after a failed
			// publish must not strand the pipeline.
			return e.reissue(p, ev), nil
		}
		telemetry.EventsFencedTotal.Inc()
		return nil, &domain.StaleStageEventError{
			PipelineID:  p.ID,
			Got:         ev.Stage,
			GotAttempt:  ev.Attempt,
			Want:        p.CurrentStage,
			WantAttempt: p.AttemptCount(p.CurrentStage),
			Ahead:       true,
		}
	}
	if open := p.OpenRecord(); open == nil || open.Stage != ev.Stage || open.Attempt != ev.Attempt {
		// Matching record already closed — duplicate of the applied event.
		return e.reissue(p, ev), nil
	}

	now := e.now().UTC()
	stageStatus := domain.StageSucceeded
	if ev.Outcome == domain.OutcomeFailure {
		stageStatus = domain.StageFailed
	}
	if err := e.repo.CompleteStage(ctx, p.ID, ev.Stage, ev.Attempt,
		stageStatus, ev.Reason, ev.CostUnits, now); err != nil {
		return nil, err
	}
	p.AccumulatedCost += ev.CostUnits
	telemetry.StagesCompleted.WithLabelValues(string(ev.Stage), string(ev.Outcome)).Inc()

	decision := Next(p, ev, e.maxImplementAttempts)
	switch decision.Action {
	case ActionRun:
		if decision.Next == domain.StageImplement && ev.Stage == domain.StageValidate {
			telemetry.ReworkLoopsTotal.Inc()
		}
		// The completed stage's payload is the next stage's input; on rework
		// that payload is the validation failure detail implement needs.
		return e.openStage(ctx, p, decision.Next, ev.Payload)

	case ActionComplete:
		if err := e.repo.Finish(ctx, p.ID, domain.StatusCompleted, "", now); err != nil {
			return nil, err
		}
		telemetry.PipelinesFinished.WithLabelValues(string(domain.StatusCompleted)).Inc()
		e.mirror(ctx, p.ID)
		e.logger.Info("pipeline completed",
			slog.String("pipeline_id", p.ID),
			slog.Float64("accumulated_cost", p.AccumulatedCost),
		)
		return nil, nil

	default: // ActionFail
		if err := e.repo.Finish(ctx, p.ID, domain.StatusFailed, decision.Reason, now); err != nil {
			return nil, err
		}
		telemetry.PipelinesFinished.WithLabelValues(string(domain.StatusFailed)).Inc()
		e.mirror(ctx, p.ID)
		e.logger.Warn("pipeline failed",
			slog.String("pipeline_id", p.ID),
			slog.String("stage", string(ev.Stage)),
			slog.String("reason", string(decision.Reason)),
		)
		return nil, nil
	}
}

func (e *Engine) openStage(ctx context.Context, p *domain.Pipeline, stage domain.Stage, input json.RawMessage) (*domain.StageRequest, error) {
	now := e.now().UTC()
	attempt := p.AttemptCount(stage) + 1
	rec := domain.StageRecord{
		Stage:     stage,
		Attempt:   attempt,
		Status:    domain.StageRunning,
		StartedAt: now,
	}
	if err := e.repo.BeginStage(ctx, p.ID, rec); err != nil {
		return nil, err
	}
	e.mirror(ctx, p.ID)
	return &domain.StageRequest{
		PipelineID:  p.ID,
		TraceID:     p.TraceID,
		Stage:       stage,
		Attempt:     attempt,
		Input:       input,
		RequestedAt: now,
	}, nil
}

// reissue rebuilds the stage request that applying ev opened, or nil when ev
// did not open the currently running stage. The duplicate's payload is the
// same payload that fed the open stage, so the rebuilt request is identical
// to the original — a runner executing it twice produces two events with the
// same dedup key, and the second is discarded.
func (e *Engine) reissue(p *domain.Pipeline, ev domain.StageEvent) *domain.StageRequest {
	n := len(p.StageHistory)
	if n < 2 {
		return nil
	}
	last := &p.StageHistory[n-1]
	prev := &p.StageHistory[n-2]
	if last.Status != domain.StageRunning {
		return nil
	}
	if prev.Stage != ev.Stage || prev.Attempt != ev.Attempt {
		return nil
	}
	return &domain.StageRequest{
		PipelineID:  p.ID,
		TraceID:     p.TraceID,
		Stage:       last.Stage,
		Attempt:     last.Attempt,
		Input:       ev.Payload,
		RequestedAt: last.StartedAt,
	}
}

// seen reports whether the history already holds a closed record for the
// event's (stage, attempt) — the behind-the-fence duplicate case.
func (e *Engine) seen(p *domain.Pipeline, ev domain.StageEvent) bool {
	for i := range p.StageHistory {
		rec := &p.StageHistory[i]
		if rec.Stage == ev.Stage && rec.Attempt == ev.Attempt && rec.Status != domain.StageRunning {
			return true
		}
	}
	return false
}

// mirror refreshes the Redis fast-read cache, best effort.
func (e *Engine) mirror(ctx context.Context, pipelineID string) {
	if e.live == nil {
		return
	}
	p, err := e.repo.Get(ctx, pipelineID)
	if err != nil {
		e.logger.Error("mirror read failed", slog.String("pipeline_id", pipelineID), slog.String("error", err.Error()))
		return
	}
	if err := e.live.SetStatus(ctx, p.ID, p.Status); err != nil {
		e.logger.Error("mirror status failed", slog.String("pipeline_id", p.ID), slog.String("error", err.Error()))
	}
	if err := e.live.SetSnapshot(ctx, p); err != nil {
		e.logger.Error("mirror snapshot failed", slog.String("pipeline_id", p.ID), slog.String("error", err.Error()))
	}
}
