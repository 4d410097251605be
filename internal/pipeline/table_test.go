package pipeline_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/pipeline"
)

func pipelineWithAttempts(attempts map[domain.Stage]int) *domain.Pipeline {
	return &domain.Pipeline{ID: "p1", Status: domain.StatusRunning, Attempts: attempts}
}

func TestNext_SuccessChain(t *testing.T) {
	tests := []struct {
		stage domain.Stage
		next  domain.Stage
	}{
		{domain.StagePlan, domain.StageDesign},
		{domain.StageDesign, domain.StageImplement},
		{domain.StageImplement, domain.StageValidate},
		{domain.StageValidate, domain.StageApprove},
		{domain.StageApprove, domain.StageProvision},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			p := pipelineWithAttempts(map[domain.Stage]int{tt.stage: 1})
			d := pipeline.Next(p, domain.StageEvent{Stage: tt.stage, Outcome: domain.OutcomeSuccess}, 2)
			assert.Equal(t, pipeline.ActionRun, d.Action)
			assert.Equal(t, tt.next, d.Next)
		})
	}
}

func TestNext_ProvisionSuccessCompletes(t *testing.T) {
	p := pipelineWithAttempts(map[domain.Stage]int{domain.StageProvision: 1})
	d := pipeline.Next(p, domain.StageEvent{Stage: domain.StageProvision, Outcome: domain.OutcomeSuccess}, 2)
	assert.Equal(t, pipeline.ActionComplete, d.Action)
}

func TestNext_InfrastructureFailureIsUnconditional(t *testing.T) {
	// No stage gets rework on an infrastructure failure, implement budget or not.
	for _, stage := range domain.Stages() {
		t.Run(string(stage), func(t *testing.T) {
			p := pipelineWithAttempts(map[domain.Stage]int{domain.StageImplement: 1, stage: 1})
			d := pipeline.Next(p, domain.StageEvent{
				Stage:   stage,
				Outcome: domain.OutcomeFailure,
				Reason:  domain.ReasonInfrastructure,
			}, 2)
			assert.Equal(t, pipeline.ActionFail, d.Action)
			assert.Equal(t, domain.ReasonInfrastructure, d.Reason)
		})
	}
}

func TestNext_FailureWithoutReasonDefaultsToInfrastructure(t *testing.T) {
	p := pipelineWithAttempts(map[domain.Stage]int{domain.StageDesign: 1})
	d := pipeline.Next(p, domain.StageEvent{Stage: domain.StageDesign, Outcome: domain.OutcomeFailure}, 2)
	assert.Equal(t, pipeline.ActionFail, d.Action)
	assert.Equal(t, domain.ReasonInfrastructure, d.Reason)
}

func TestNext_ValidateFailureWithinBudgetLoopsBack(t *testing.T) {
	p := pipelineWithAttempts(map[domain.Stage]int{domain.StageImplement: 1, domain.StageValidate: 1})
	d := pipeline.Next(p, domain.StageEvent{
		Stage:   domain.StageValidate,
		Outcome: domain.OutcomeFailure,
		Reason:  domain.ReasonValidationFailed,
	}, 2)
	assert.Equal(t, pipeline.ActionRun, d.Action)
	assert.Equal(t, domain.StageImplement, d.Next)
}

func TestNext_ValidateFailureAtBudgetFails(t *testing.T) {
	// Failing validation on the last allowed implement attempt ends the
	// pipeline, not another loop iteration.
	p := pipelineWithAttempts(map[domain.Stage]int{domain.StageImplement: 2, domain.StageValidate: 2})
	d := pipeline.Next(p, domain.StageEvent{
		Stage:   domain.StageValidate,
		Outcome: domain.OutcomeFailure,
		Reason:  domain.ReasonValidationFailed,
	}, 2)
	assert.Equal(t, pipeline.ActionFail, d.Action)
	assert.Equal(t, domain.ReasonReworkExhausted, d.Reason)
}

func TestNext_ConfigurableImplementBudget(t *testing.T) {
	for max := 1; max <= 4; max++ {
		for attempts := 1; attempts <= 4; attempts++ {
			name := fmt.Sprintf("max=%d_attempts=%d", max, attempts)
			t.Run(name, func(t *testing.T) {
				p := pipelineWithAttempts(map[domain.Stage]int{
					domain.StageImplement: attempts,
					domain.StageValidate:  attempts,
				})
				d := pipeline.Next(p, domain.StageEvent{
					Stage:   domain.StageValidate,
					Outcome: domain.OutcomeFailure,
					Reason:  domain.ReasonValidationFailed,
				}, max)
				if attempts < max {
					assert.Equal(t, pipeline.ActionRun, d.Action)
					assert.Equal(t, domain.StageImplement, d.Next)
				} else {
					assert.Equal(t, pipeline.ActionFail, d.Action)
					assert.Equal(t, domain.ReasonReworkExhausted, d.Reason)
				}
			})
		}
	}
}

func TestNext_ApproveRejectionNeverProvisions(t *testing.T) {
	p := pipelineWithAttempts(map[domain.Stage]int{domain.StageApprove: 1})
	d := pipeline.Next(p, domain.StageEvent{
		Stage:   domain.StageApprove,
		Outcome: domain.OutcomeFailure,
		Reason:  domain.ReasonApprovalRejected,
	}, 2)
	assert.Equal(t, pipeline.ActionFail, d.Action)
	assert.Equal(t, domain.ReasonApprovalRejected, d.Reason)
}

func TestNext_ProvisionUnhealthyFails(t *testing.T) {
	// Provision has no retry loop of its own.
	p := pipelineWithAttempts(map[domain.Stage]int{domain.StageProvision: 1})
	d := pipeline.Next(p, domain.StageEvent{
		Stage:   domain.StageProvision,
		Outcome: domain.OutcomeFailure,
		Reason:  domain.ReasonProvisionUnhealthy,
	}, 2)
	assert.Equal(t, pipeline.ActionFail, d.Action)
	assert.Equal(t, domain.ReasonProvisionUnhealthy, d.Reason)
}
