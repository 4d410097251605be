// Package stagerunner consumes stage request topics, executes the requested
// stage attempt and publishes the completion event. Runners are stateless;
// all pipeline state lives behind the orchestrator.
package stagerunner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/kafka"
	"github.com/forgeline/forgeline/internal/pipeline"
	"github.com/forgeline/forgeline/pkg/telemetry"
)

// Runner executes stage requests from one or more stage topics.
type Runner struct {
	consumers []kafka.Consumer
	producer  kafka.Producer
	registry  *pipeline.Registry
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

func WithTimeout(d time.Duration) Option { return func(r *Runner) { r.timeout = d } }
func WithLogger(l *slog.Logger) Option   { return func(r *Runner) { r.logger = l } }

// WithClock overrides the runner's time source.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// NewRunner constructs a Runner over the given stage-topic consumers.
func NewRunner(consumers []kafka.Consumer, producer kafka.Producer, registry *pipeline.Registry, opts ...Option) *Runner {
	r := &Runner{
		consumers: consumers,
		producer:  producer,
		registry:  registry,
		timeout:   5 * time.Minute,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes all subscribed topics until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range r.consumers {
		c := c
		g.Go(func() error { return c.Subscribe(ctx, r.HandleRequest) })
	}
	return g.Wait()
}

// Wait blocks until all in-flight stage attempts finish. Call after Run returns.
func (r *Runner) Wait() { r.wg.Wait() }

// HandleRequest is the Kafka HandlerFunc for a stage request topic. The
// attempt itself never errors the handler — worker failures become failure
// events. Only a failed event publish returns an error, so the offset stays
// uncommitted and the request is redelivered; the orchestrator's dedup
// discards the extra completion a double execution produces.
func (r *Runner) HandleRequest(ctx context.Context, msg kafka.Message) error {
	var req domain.StageRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		r.logger.Error("malformed stage request, sending to DLQ",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		if dlqErr := r.producer.Publish(ctx, kafka.TopicDLQ, string(msg.Key), msg.Value); dlqErr != nil {
			return dlqErr
		}
		telemetry.RunnerDLQTotal.Inc()
		return nil
	}

	log := r.logger.With(
		slog.String("pipeline_id", req.PipelineID),
		slog.String("stage", string(req.Stage)),
		slog.Int("attempt", req.Attempt),
	)

	r.wg.Add(1)
	telemetry.RunnerStagesInFlight.WithLabelValues(string(req.Stage)).Inc()
	defer func() {
		telemetry.RunnerStagesInFlight.WithLabelValues(string(req.Stage)).Dec()
		r.wg.Done()
	}()

	log.Info("stage attempt starting")
	ev := pipeline.Execute(ctx, r.registry, req, r.timeout, r.logger, r.now)

	if err := kafka.PublishEvent(ctx, r.producer, ev); err != nil {
		log.Error("publish completion failed, request will be redelivered",
			slog.String("error", err.Error()))
		return err
	}

	log.Info("stage attempt finished",
		slog.String("outcome", string(ev.Outcome)),
		slog.String("reason", string(ev.Reason)),
	)
	return nil
}
