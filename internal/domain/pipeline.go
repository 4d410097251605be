package domain

import (
	"encoding/json"
	"time"
)

// PipelineStatus represents the states a pipeline run can be in.
type PipelineStatus string

const (
	StatusPending   PipelineStatus = "PENDING"
	StatusRunning   PipelineStatus = "RUNNING"
	StatusCompleted PipelineStatus = "COMPLETED"
	StatusFailed    PipelineStatus = "FAILED"
	StatusCancelled PipelineStatus = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StageRecord is one append-only stage_history entry. A stage that loops
// back (implement rework) produces one record per attempt.
type StageRecord struct {
	Stage     Stage       `json:"stage"`
	Attempt   int         `json:"attempt"`
	Status    StageStatus `json:"status"`
	Reason    ReasonCode  `json:"reason,omitempty"`
	CostUnits float64     `json:"cost_units,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// Pipeline is the core domain entity: one user request running through the
// fixed stage sequence. Mutated exclusively through the transition engine,
// never deleted — terminal pipelines are retained for audit.
type Pipeline struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	TraceID         string          `json:"trace_id"`
	Request         json.RawMessage `json:"request"`
	Status          PipelineStatus  `json:"status"`
	CurrentStage    Stage           `json:"current_stage,omitempty"`
	StageHistory    []StageRecord   `json:"stage_history,omitempty"`
	Attempts        map[Stage]int   `json:"attempts,omitempty"`
	AccumulatedCost float64         `json:"accumulated_cost"`
	FailureReason   ReasonCode      `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// AttemptCount returns how many times the given stage has been started.
func (p *Pipeline) AttemptCount(stage Stage) int {
	if p.Attempts == nil {
		return 0
	}
	return p.Attempts[stage]
}

// OpenRecord returns the most recent history entry still RUNNING, or nil.
func (p *Pipeline) OpenRecord() *StageRecord {
	for i := len(p.StageHistory) - 1; i >= 0; i-- {
		if p.StageHistory[i].Status == StageRunning {
			return &p.StageHistory[i]
		}
	}
	return nil
}
