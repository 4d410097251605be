package stages

import (
	"context"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// ApproveWorker asks the approval capability to gate the validated artifact.
// A rejection fails the pipeline; nothing rejected is ever provisioned.
type ApproveWorker struct {
	delegate Delegate
	cfg      Config
}

// NewApproveWorker creates the approve stage worker.
func NewApproveWorker(d Delegate, cfg Config) *ApproveWorker {
	return &ApproveWorker{delegate: d, cfg: cfg}
}

func (w *ApproveWorker) Stage() domain.Stage { return domain.StageApprove }

func (w *ApproveWorker) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	resp, err := invokeWithRetry(ctx, w.delegate, domain.StageApprove, in.Payload, w.cfg.DelegateRetries, w.cfg.RetryBaseDelay)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !resp.Accepted {
		return pipeline.Result{
			Outcome:   domain.OutcomeFailure,
			Reason:    domain.ReasonApprovalRejected,
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
