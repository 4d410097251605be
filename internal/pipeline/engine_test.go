package pipeline_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/pipeline"
)

func newEngine(t *testing.T, opts ...pipeline.EngineOption) (*pipeline.Engine, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	opts = append([]pipeline.EngineOption{pipeline.WithClock(fixedClock())}, opts...)
	return pipeline.NewEngine(repo, nil, opts...), repo
}

func completion(req *domain.StageRequest, outcome domain.Outcome, reason domain.ReasonCode) domain.StageEvent {
	return domain.StageEvent{
		PipelineID: req.PipelineID,
		TraceID:    req.TraceID,
		Stage:      req.Stage,
		Attempt:    req.Attempt,
		Outcome:    outcome,
		Reason:     reason,
		CostUnits:  1,
	}
}

// drive runs the whole stage chain, asking decide for each attempt's outcome.
func drive(t *testing.T, e *pipeline.Engine, pipelineID string,
	decide func(stage domain.Stage, attempt int) (domain.Outcome, domain.ReasonCode)) {

	t.Helper()
	ctx := context.Background()
	req, err := e.Begin(ctx, pipelineID)
	require.NoError(t, err)
	for req != nil {
		outcome, reason := decide(req.Stage, req.Attempt)
		req, err = e.HandleCompletion(ctx, completion(req, outcome, reason))
		require.NoError(t, err)
	}
}

func allSucceed(domain.Stage, int) (domain.Outcome, domain.ReasonCode) {
	return domain.OutcomeSuccess, ""
}

func TestEngine_Submit(t *testing.T) {
	e, repo := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", json.RawMessage(`{"prompt":"todo app"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.TraceID)
	assert.Equal(t, domain.StatusPending, p.Status)

	stored, err := repo.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Empty(t, stored.StageHistory)
}

func TestEngine_HappyPath(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	drive(t, e, p.ID, allSucceed)

	final, err := e.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	require.Len(t, final.StageHistory, 6)
	for i, stage := range domain.Stages() {
		assert.Equal(t, stage, final.StageHistory[i].Stage)
		assert.Equal(t, 1, final.StageHistory[i].Attempt)
		assert.Equal(t, domain.StageSucceeded, final.StageHistory[i].Status)
	}
	assert.Equal(t, 6.0, final.AccumulatedCost, "every attempt's cost accumulates")
	require.NotNil(t, final.CompletedAt)
}

func TestEngine_ReworkLoopScenario(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	// First validation fails, the reworked implement passes the second one.
	drive(t, e, p.ID, func(stage domain.Stage, attempt int) (domain.Outcome, domain.ReasonCode) {
		if stage == domain.StageValidate && attempt == 1 {
			return domain.OutcomeFailure, domain.ReasonValidationFailed
		}
		return domain.OutcomeSuccess, ""
	})

	final, err := e.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)

	type key struct {
		stage   domain.Stage
		attempt int
	}
	var got []key
	failedValidates := 0
	for _, rec := range final.StageHistory {
		got = append(got, key{rec.Stage, rec.Attempt})
		if rec.Stage == domain.StageValidate && rec.Status == domain.StageFailed {
			failedValidates++
			assert.Equal(t, domain.ReasonValidationFailed, rec.Reason)
		}
	}
	assert.Equal(t, []key{
		{domain.StagePlan, 1},
		{domain.StageDesign, 1},
		{domain.StageImplement, 1},
		{domain.StageValidate, 1},
		{domain.StageImplement, 2},
		{domain.StageValidate, 2},
		{domain.StageApprove, 1},
		{domain.StageProvision, 1},
	}, got, "the looped-back stages appear once per attempt")
	assert.Equal(t, 1, failedValidates)
}

func TestEngine_ReworkBudgetExhausted(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	validations := 0
	drive(t, e, p.ID, func(stage domain.Stage, _ int) (domain.Outcome, domain.ReasonCode) {
		if stage == domain.StageValidate {
			validations++
			return domain.OutcomeFailure, domain.ReasonValidationFailed
		}
		return domain.OutcomeSuccess, ""
	})

	final, err := e.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonReworkExhausted, final.FailureReason)
	assert.Equal(t, 2, validations, "two implement attempts, then no third loop")
	assert.Equal(t, 2, final.AttemptCount(domain.StageImplement))
	for _, rec := range final.StageHistory {
		assert.NotEqual(t, domain.StageApprove, rec.Stage, "approve never ran")
	}
}

func TestEngine_LargerImplementBudget(t *testing.T) {
	e, _ := newEngine(t, pipeline.WithMaxImplementAttempts(3))
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	drive(t, e, p.ID, func(stage domain.Stage, attempt int) (domain.Outcome, domain.ReasonCode) {
		if stage == domain.StageValidate && attempt < 3 {
			return domain.OutcomeFailure, domain.ReasonValidationFailed
		}
		return domain.OutcomeSuccess, ""
	})

	final, err := e.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.AttemptCount(domain.StageImplement))
}

func TestEngine_ApproveRejectedNeverProvisions(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	drive(t, e, p.ID, func(stage domain.Stage, _ int) (domain.Outcome, domain.ReasonCode) {
		if stage == domain.StageApprove {
			return domain.OutcomeFailure, domain.ReasonApprovalRejected
		}
		return domain.OutcomeSuccess, ""
	})

	final, err := e.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonApprovalRejected, final.FailureReason)
	for _, rec := range final.StageHistory {
		assert.NotEqual(t, domain.StageProvision, rec.Stage, "rejected artifacts are never provisioned")
	}
}

func TestEngine_InfrastructureFailureFailsPipeline(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	drive(t, e, p.ID, func(stage domain.Stage, _ int) (domain.Outcome, domain.ReasonCode) {
		if stage == domain.StageDesign {
			return domain.OutcomeFailure, domain.ReasonInfrastructure
		}
		return domain.OutcomeSuccess, ""
	})

	final, err := e.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonInfrastructure, final.FailureReason)
	require.Len(t, final.StageHistory, 2)
	assert.Equal(t, domain.StageFailed, final.StageHistory[1].Status)
}

func TestEngine_CancelShortCircuitsResumption(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	req, err := e.Begin(context.Background(), p.ID)
	require.NoError(t, err)

	cancelled, err := e.Cancel(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// The in-flight plan completion arrives after the cancel: no-op.
	next, err := e.HandleCompletion(context.Background(), completion(req, domain.OutcomeSuccess, ""))
	require.NoError(t, err)
	assert.Nil(t, next)

	final, err := e.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, final.Status)
	assert.Equal(t, 1, final.AttemptCount(domain.StagePlan), "no further stage was opened")
}

func TestEngine_CancelTerminalIsNoOp(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)
	drive(t, e, p.ID, allSucceed)

	cancelled, err := e.Cancel(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	final, err := e.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
}

func TestEngine_BeginAfterCancel(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	_, err = e.Cancel(context.Background(), p.ID)
	require.NoError(t, err)

	req, err := e.Begin(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestEngine_DuplicateCompletionIsNoDoubleTransition(t *testing.T) {
	e, repo := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	planReq, err := e.Begin(context.Background(), p.ID)
	require.NoError(t, err)
	planDone := completion(planReq, domain.OutcomeSuccess, "")

	designReq, err := e.HandleCompletion(context.Background(), planDone)
	require.NoError(t, err)
	require.Equal(t, domain.StageDesign, designReq.Stage)

	// Redelivery of the plan completion: no new history, no second transition.
	// The engine re-issues the design request in case the first publish of it
	// was lost.
	replayed, err := e.HandleCompletion(context.Background(), planDone)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, domain.StageDesign, replayed.Stage)
	assert.Equal(t, 1, replayed.Attempt)

	stored, err := repo.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, stored.StageHistory, 2)
	assert.Equal(t, 1.0, stored.AccumulatedCost, "duplicate cost is not added twice")
}

func TestEngine_AheadEventIsFenced(t *testing.T) {
	e, _ := newEngine(t)
	p, err := e.Submit(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	_, err = e.Begin(context.Background(), p.ID)
	require.NoError(t, err)

	// A design completion arrives while plan is still the current stage.
	_, err = e.HandleCompletion(context.Background(), domain.StageEvent{
		PipelineID: p.ID,
		TraceID:    p.TraceID,
		Stage:      domain.StageDesign,
		Attempt:    1,
		Outcome:    domain.OutcomeSuccess,
	})
	require.Error(t, err)
	var stale *domain.StaleStageEventError
	require.ErrorAs(t, err, &stale)
	assert.True(t, stale.Ahead, "ahead events are requeued, not dropped")
	assert.Equal(t, domain.StagePlan, stale.Want)
}

func TestEngine_UnknownPipeline(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Get(context.Background(), "nope")
	var notFound *domain.PipelineNotFoundError
	require.ErrorAs(t, err, &notFound)
}
