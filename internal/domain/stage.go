package domain

// Stage is one named step of the fixed build pipeline.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageDesign    Stage = "design"
	StageImplement Stage = "implement"
	StageValidate  Stage = "validate"
	StageApprove   Stage = "approve"
	StageProvision Stage = "provision"
)

// Stages returns every pipeline stage in execution order.
func Stages() []Stage {
	return []Stage{
		StagePlan, StageDesign, StageImplement,
		StageValidate, StageApprove, StageProvision,
	}
}

// Valid reports whether s names a known pipeline stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePlan, StageDesign, StageImplement,
		StageValidate, StageApprove, StageProvision:
		return true
	}
	return false
}

// StageStatus is the state of a single stage attempt in the history.
type StageStatus string

const (
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"
)
