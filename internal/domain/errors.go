package domain

import "fmt"

// PipelineNotFoundError is returned when a pipeline ID does not exist.
type PipelineNotFoundError struct {
	PipelineID string
}

func (e *PipelineNotFoundError) Error() string {
	return fmt.Sprintf("pipeline not found: %s", e.PipelineID)
}

// EnvironmentNotFoundError is returned when no environment handle exists for
// the given ID or owning pipeline.
type EnvironmentNotFoundError struct {
	ID string
}

func (e *EnvironmentNotFoundError) Error() string {
	return fmt.Sprintf("environment not found: %s", e.ID)
}

// UnknownStageError is returned when no worker is registered for a stage.
type UnknownStageError struct {
	Stage Stage
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("no worker registered for stage %q", e.Stage)
}

// StaleStageEventError is returned by the fencing check when a completion
// event does not match the pipeline's persisted current stage and attempt.
// Ahead events must be requeued; behind events are duplicates and dropped.
type StaleStageEventError struct {
	PipelineID  string
	Got         Stage
	GotAttempt  int
	Want        Stage
	WantAttempt int
	Ahead       bool
}

func (e *StaleStageEventError) Error() string {
	return fmt.Sprintf("stale stage event for pipeline %s: got %s attempt %d, current is %s attempt %d",
		e.PipelineID, e.Got, e.GotAttempt, e.Want, e.WantAttempt)
}

// PipelineTerminalError is returned when a completion arrives for a pipeline
// already in a terminal status. In dispatched mode this is the normal way an
// in-flight resumption for a cancelled pipeline becomes a no-op.
type PipelineTerminalError struct {
	PipelineID string
	Status     PipelineStatus
}

func (e *PipelineTerminalError) Error() string {
	return fmt.Sprintf("pipeline %s already terminal with status %s", e.PipelineID, e.Status)
}

// RateLimitExceededError is returned when a project exceeds its submission rate.
type RateLimitExceededError struct {
	ProjectID string
	Limit     int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for project %q: limit is %d", e.ProjectID, e.Limit)
}
