package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is the result class of a completed stage attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ReasonCode distinguishes why a stage attempt failed. Business reasons are
// expected negative outcomes of the delegated work; infrastructure reasons
// mean the delegated call itself errored or timed out.
type ReasonCode string

const (
	ReasonValidationFailed   ReasonCode = "validation_failed"
	ReasonApprovalRejected   ReasonCode = "approval_rejected"
	ReasonReworkExhausted    ReasonCode = "rework_budget_exhausted"
	ReasonProvisionUnhealthy ReasonCode = "provision_unhealthy"
	ReasonInfrastructure     ReasonCode = "infrastructure_failure"
	ReasonCancelled          ReasonCode = "cancelled"
)

// Business reports whether the reason is an expected negative outcome rather
// than an error performing the delegated call.
func (r ReasonCode) Business() bool {
	switch r {
	case ReasonValidationFailed, ReasonApprovalRejected, ReasonProvisionUnhealthy:
		return true
	}
	return false
}

// StageRequest is the command message asking a runner to execute one stage
// attempt. In direct mode it never leaves the process.
type StageRequest struct {
	PipelineID  string          `json:"pipeline_id"`
	TraceID     string          `json:"trace_id"`
	Stage       Stage           `json:"stage"`
	Attempt     int             `json:"attempt"`
	Input       json.RawMessage `json:"input,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// StageEvent records the completion of one stage attempt. Exactly one event
// is emitted per completion; consumers must tolerate redelivery.
type StageEvent struct {
	PipelineID string          `json:"pipeline_id"`
	TraceID    string          `json:"trace_id"`
	Stage      Stage           `json:"stage"`
	Attempt    int             `json:"attempt"`
	Outcome    Outcome         `json:"outcome"`
	Reason     ReasonCode      `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CostUnits  float64         `json:"cost_units,omitempty"`
	EmittedAt  time.Time       `json:"emitted_at"`
}

// DedupKey identifies one logical completion across redeliveries. The attempt
// number is part of the key: the second implement run of a rework loop is a
// distinct completion, not a duplicate.
func (e StageEvent) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d:%s", e.PipelineID, e.Stage, e.Attempt, e.TraceID)
}
