package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// Config bounds the infrastructure-retry behaviour shared by all workers.
type Config struct {
	// DelegateRetries is the total delegate call attempts per stage run.
	DelegateRetries int
	// RetryBaseDelay is the backoff base between delegate attempts.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the worker retry defaults.
func DefaultConfig() Config {
	return Config{DelegateRetries: 3, RetryBaseDelay: time.Second}
}

// generativeWorker covers plan, design and implement: stages whose delegate
// produces an artifact and has no expected business-failure outcome. A
// delegate that declines the request is an unrecoverable internal error, not
// a negative result.
type generativeWorker struct {
	stage    domain.Stage
	delegate Delegate
	cfg      Config
}

// NewPlanWorker creates the plan stage worker.
func NewPlanWorker(d Delegate, cfg Config) pipeline.Worker {
	return &generativeWorker{stage: domain.StagePlan, delegate: d, cfg: cfg}
}

// NewDesignWorker creates the design stage worker.
func NewDesignWorker(d Delegate, cfg Config) pipeline.Worker {
	return &generativeWorker{stage: domain.StageDesign, delegate: d, cfg: cfg}
}

// NewImplementWorker creates the implement stage worker. On a rework run the
// input payload is the validation failure detail the engine looped back.
func NewImplementWorker(d Delegate, cfg Config) pipeline.Worker {
	return &generativeWorker{stage: domain.StageImplement, delegate: d, cfg: cfg}
}

func (w *generativeWorker) Stage() domain.Stage { return w.stage }

func (w *generativeWorker) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	input, err := json.Marshal(struct {
		PipelineID string          `json:"pipeline_id"`
		Attempt    int             `json:"attempt"`
		Context    json.RawMessage `json:"context,omitempty"`
	}{in.PipelineID, in.Attempt, in.Payload})
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("marshal %s input: %w", w.stage, err)
	}

	resp, err := invokeWithRetry(ctx, w.delegate, w.stage, input, w.cfg.DelegateRetries, w.cfg.RetryBaseDelay)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !resp.Accepted {
		return pipeline.Result{}, fmt.Errorf("%s delegate declined request: %s", w.stage, string(resp.Detail))
	}
	return pipeline.Result{
		Outcome:   domain.OutcomeSuccess,
		Payload:   resp.Output,
		CostUnits: resp.CostUnits,
	}, nil
}
