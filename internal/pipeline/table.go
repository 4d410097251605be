package pipeline

import "github.com/forgeline/forgeline/internal/domain"

// Action is what the orchestrator does after a stage completes.
type Action int

const (
	// ActionRun starts the next stage (or re-runs implement on rework).
	ActionRun Action = iota
	// ActionComplete marks the pipeline COMPLETED.
	ActionComplete
	// ActionFail marks the pipeline FAILED with the decision's reason.
	ActionFail
)

// Decision is the outcome of applying the transition table to one completion.
type Decision struct {
	Action Action
	Next   domain.Stage
	Reason domain.ReasonCode
}

// successNext is the authoritative stage graph: linear except for the
// implement↔validate rework loop, which is handled in Next. Provision has no
// successor; its success completes the pipeline.
var successNext = map[domain.Stage]domain.Stage{
	domain.StagePlan:      domain.StageDesign,
	domain.StageDesign:    domain.StageImplement,
	domain.StageImplement: domain.StageValidate,
	domain.StageValidate:  domain.StageApprove,
	domain.StageApprove:   domain.StageProvision,
}

// Next computes the transition for a completed stage attempt. Both drive
// modes call this with identical inputs, so they cannot diverge.
//
// maxImplementAttempts bounds the rework loop: it is the total number of
// implement runs allowed, not the number of retries.
func Next(p *domain.Pipeline, ev domain.StageEvent, maxImplementAttempts int) Decision {
	if ev.Outcome == domain.OutcomeSuccess {
		next, ok := successNext[ev.Stage]
		if !ok {
			return Decision{Action: ActionComplete}
		}
		return Decision{Action: ActionRun, Next: next}
	}

	// Infrastructure failures are unconditional: no rework, no gating.
	if !ev.Reason.Business() {
		reason := ev.Reason
		if reason == "" {
			reason = domain.ReasonInfrastructure
		}
		return Decision{Action: ActionFail, Reason: reason}
	}

	switch ev.Stage {
	case domain.StageValidate:
		if p.AttemptCount(domain.StageImplement) < maxImplementAttempts {
			return Decision{Action: ActionRun, Next: domain.StageImplement}
		}
		return Decision{Action: ActionFail, Reason: domain.ReasonReworkExhausted}
	case domain.StageApprove:
		// Hard invariant: rejected artifacts are never provisioned.
		return Decision{Action: ActionFail, Reason: domain.ReasonApprovalRejected}
	default:
		return Decision{Action: ActionFail, Reason: ev.Reason}
	}
}
