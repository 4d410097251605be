package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/kafka"
	redisstore "github.com/forgeline/forgeline/internal/redis"
	"github.com/forgeline/forgeline/pkg/telemetry"
)

// Dispatched drives a pipeline over the event bus: each transition publishes
// a stage request and returns; the resume handler picks the pipeline back up
// when the completion event arrives. State is reloaded from the store on
// every resumption, so a process restart mid-flight recovers from durable
// state alone.
type Dispatched struct {
	engine   *Engine
	producer kafka.Producer
	dedup    redisstore.Deduper
	logger   *slog.Logger
}

// NewDispatched constructs the dispatched-mode driver.
func NewDispatched(engine *Engine, producer kafka.Producer, dedup redisstore.Deduper, logger *slog.Logger) *Dispatched {
	return &Dispatched{
		engine:   engine,
		producer: producer,
		dedup:    dedup,
		logger:   logger,
	}
}

// Start opens the plan stage and publishes its request. Never blocks on
// stage execution.
func (d *Dispatched) Start(ctx context.Context, pipelineID string) error {
	req, err := d.engine.Begin(ctx, pipelineID)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	return kafka.PublishRequest(ctx, d.producer, *req)
}

// HandleCompleted is the Kafka HandlerFunc for the stage-completed topic.
// Returning an error skips the offset commit so the bus redelivers.
func (d *Dispatched) HandleCompleted(ctx context.Context, msg kafka.Message) error {
	var ev domain.StageEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		d.logger.Error("malformed stage event, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		return nil
	}

	log := d.logger.With(
		slog.String("pipeline_id", ev.PipelineID),
		slog.String("stage", string(ev.Stage)),
		slog.Int("attempt", ev.Attempt),
	)

	// At-least-once bus: skip events whose handling already fully finished.
	// The key is marked only after the transition is applied and the next
	// request published, so a crash mid-handling leaves it absent and the
	// redelivery is replayed through the engine's duplicate handling.
	seen, err := d.dedup.Seen(ctx, ev.DedupKey())
	if err != nil {
		return err
	}
	if seen {
		telemetry.EventsDedupedTotal.Inc()
		log.Info("duplicate stage event discarded")
		return nil
	}

	next, err := d.engine.HandleCompletion(ctx, ev)
	if err != nil {
		var stale *domain.StaleStageEventError
		if errors.As(err, &stale) && stale.Ahead {
			// Predecessor transition not applied yet — requeue.
			log.Warn("stage event ahead of persisted state, requeueing")
		}
		return err
	}

	if next != nil {
		if err := kafka.PublishRequest(ctx, d.producer, *next); err != nil {
			// Transition persisted but the request not published: the offset
			// stays uncommitted, and the redelivery re-issues the publish via
			// the engine's duplicate path.
			return err
		}
	}
	if err := d.dedup.MarkSeen(ctx, ev.DedupKey()); err != nil {
		// An unmarked redelivery is still a no-op through the engine.
		log.Warn("dedup mark failed", slog.String("error", err.Error()))
	}
	return nil
}
