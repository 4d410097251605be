package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Direct drives a pipeline by calling stage workers in-process: an iterative
// loop over stages until a terminal state. Each pipeline occupies one
// goroutine for its whole run; stage calls block that goroutine only.
type Direct struct {
	engine       *Engine
	registry     *Registry
	stageTimeout time.Duration
	logger       *slog.Logger
}

// NewDirect constructs the direct-mode driver.
func NewDirect(engine *Engine, registry *Registry, stageTimeout time.Duration, logger *slog.Logger) *Direct {
	return &Direct{
		engine:       engine,
		registry:     registry,
		stageTimeout: stageTimeout,
		logger:       logger,
	}
}

// Start runs the pipeline's whole stage chain. The caller is expected to
// invoke it on its own goroutine: submit must never block on execution.
func (d *Direct) Start(ctx context.Context, pipelineID string) error {
	req, err := d.engine.Begin(ctx, pipelineID)
	if err != nil {
		return err
	}
	for req != nil {
		ev := Execute(ctx, d.registry, *req, d.stageTimeout, d.logger, d.engine.now)
		req, err = d.engine.HandleCompletion(ctx, ev)
		if err != nil {
			return err
		}
	}
	return nil
}
