// Package orchestrator resumes dispatched pipelines from the completion
// topic. In dispatched mode every stage transition runs here: consumers read
// stage completions and hand them to the drive strategy, which persists the
// transition and publishes the next stage request.
package orchestrator

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/forgeline/forgeline/internal/kafka"
)

// CompletionHandler applies one stage completion event, satisfied by
// pipeline.Dispatched.
type CompletionHandler interface {
	HandleCompleted(ctx context.Context, msg kafka.Message) error
}

// Resume fans the completion topic across a fixed set of consumers in one
// consumer group. Completions are keyed by pipeline ID, so one pipeline's
// events land on one partition and are applied in order by a single consumer.
type Resume struct {
	consumers []kafka.Consumer
	handler   CompletionHandler
	logger    *slog.Logger
}

// NewResume constructs the resume service.
func NewResume(consumers []kafka.Consumer, handler CompletionHandler, logger *slog.Logger) *Resume {
	return &Resume{consumers: consumers, handler: handler, logger: logger}
}

// Run blocks consuming completions until ctx is cancelled.
func (s *Resume) Run(ctx context.Context) error {
	s.logger.Info("resume consumers starting", slog.Int("count", len(s.consumers)))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.consumers {
		c := c
		g.Go(func() error {
			return c.Subscribe(gctx, s.handler.HandleCompleted)
		})
	}
	return g.Wait()
}
