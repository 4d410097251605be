package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/pkg/telemetry"
)

// Execute runs one stage attempt and converts the worker's result into the
// StageEvent the engine consumes. Both the direct driver and the dispatched
// stage runner go through here, so a given worker outcome maps to exactly
// one event shape in either mode.
//
// A worker error (the delegate call failed after its bounded retries, or the
// per-stage timeout fired) becomes an infrastructure failure event — it is
// never retried at this level.
func Execute(ctx context.Context, reg *Registry, req domain.StageRequest,
	timeout time.Duration, logger *slog.Logger, now func() time.Time) domain.StageEvent {

	ctx, span := otel.Tracer("pipeline").Start(ctx, "stage.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.id", req.PipelineID),
		attribute.String("stage", string(req.Stage)),
		attribute.Int("attempt", req.Attempt),
	)

	ev := domain.StageEvent{
		PipelineID: req.PipelineID,
		TraceID:    req.TraceID,
		Stage:      req.Stage,
		Attempt:    req.Attempt,
	}

	worker, err := reg.Get(req.Stage)
	if err != nil {
		logger.Error("no worker for stage",
			slog.String("pipeline_id", req.PipelineID),
			slog.String("stage", string(req.Stage)),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no worker registered")
		ev.Outcome = domain.OutcomeFailure
		ev.Reason = domain.ReasonInfrastructure
		ev.EmittedAt = now().UTC()
		return ev
	}

	start := now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := worker.Run(runCtx, Input{
		PipelineID: req.PipelineID,
		TraceID:    req.TraceID,
		Stage:      req.Stage,
		Attempt:    req.Attempt,
		Payload:    req.Input,
	})
	cancel()
	telemetry.RunnerStageDurationSeconds.WithLabelValues(string(req.Stage)).
		Observe(now().Sub(start).Seconds())

	if err != nil {
		logger.Error("stage worker failed",
			slog.String("pipeline_id", req.PipelineID),
			slog.String("stage", string(req.Stage)),
			slog.Int("attempt", req.Attempt),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage worker error")
		ev.Outcome = domain.OutcomeFailure
		ev.Reason = domain.ReasonInfrastructure
		ev.EmittedAt = now().UTC()
		return ev
	}

	ev.Outcome = result.Outcome
	ev.Reason = result.Reason
	ev.Payload = result.Payload
	ev.CostUnits = result.CostUnits
	ev.EmittedAt = now().UTC()
	return ev
}
