package stages

import (
	"context"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// ValidateWorker runs the test/validation capability against the implement
// output. A failed validation is a business outcome: it drives the bounded
// rework loop, and its detail becomes the rework input for implement.
type ValidateWorker struct {
	delegate Delegate
	cfg      Config
}

// NewValidateWorker creates the validate stage worker.
func NewValidateWorker(d Delegate, cfg Config) *ValidateWorker {
	return &ValidateWorker{delegate: d, cfg: cfg}
}

func (w *ValidateWorker) Stage() domain.Stage { return domain.StageValidate }

func (w *ValidateWorker) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	resp, err := invokeWithRetry(ctx, w.delegate, domain.StageValidate, in.Payload, w.cfg.DelegateRetries, w.cfg.RetryBaseDelay)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !resp.Accepted {
		return pipeline.Result{
			Outcome:   domain.OutcomeFailure,
			Reason:    domain.ReasonValidationFailed,
			Payload:   resp.Detail,
			CostUnits: resp.CostUnits,
		}, nil
	}
	return pipeline.Result{
		Outcome:   domain.OutcomeSuccess,
		Payload:   resp.Output,
		CostUnits: resp.CostUnits,
	}, nil
}
