package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgeline/forgeline/internal/domain"
)

// Topic layout. Stage requests fan out per stage so runners subscribe only
// to the stages they execute; completions converge on one topic consumed by
// the orchestrator's resume loop. Messages are keyed by pipeline ID, so one
// pipeline's messages stay on one partition and arrive in order.
const (
	TopicStageCompleted = "pipeline.stage.completed"
	TopicDLQ            = "pipeline.dlq"

	stageRequestPrefix = "pipeline.stage.requested."
)

// StageRequestTopic returns the command topic for one stage.
func StageRequestTopic(stage domain.Stage) string {
	return stageRequestPrefix + string(stage)
}

// PublishRequest publishes a stage request to that stage's command topic.
func PublishRequest(ctx context.Context, p Producer, req domain.StageRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal stage request: %w", err)
	}
	return p.Publish(ctx, StageRequestTopic(req.Stage), req.PipelineID, payload)
}

// PublishEvent publishes a stage completion event.
func PublishEvent(ctx context.Context, p Producer, ev domain.StageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}
	return p.Publish(ctx, TopicStageCompleted, ev.PipelineID, payload)
}
