package domain_test

import (
	"testing"
	"time"

	"github.com/forgeline/forgeline/internal/domain"
)

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.PipelineStatus{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.PipelineStatus{domain.StatusPending, domain.StatusRunning} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestStages_OrderFixed(t *testing.T) {
	want := []domain.Stage{
		domain.StagePlan, domain.StageDesign, domain.StageImplement,
		domain.StageValidate, domain.StageApprove, domain.StageProvision,
	}
	got := domain.Stages()
	if len(got) != len(want) {
		t.Fatalf("Stages() returned %d stages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Stages()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStage_Valid(t *testing.T) {
	for _, s := range domain.Stages() {
		if !s.Valid() {
			t.Errorf("Valid(%q) = false, want true", s)
		}
	}
	if domain.Stage("deploy").Valid() {
		t.Error("Valid(\"deploy\") = true, want false")
	}
}

func TestOpenRecord_ReturnsLatestRunning(t *testing.T) {
	now := time.Now()
	p := &domain.Pipeline{
		StageHistory: []domain.StageRecord{
			{Stage: domain.StagePlan, Attempt: 1, Status: domain.StageSucceeded, StartedAt: now},
			{Stage: domain.StageDesign, Attempt: 1, Status: domain.StageRunning, StartedAt: now},
		},
	}
	rec := p.OpenRecord()
	if rec == nil {
		t.Fatal("OpenRecord() = nil, want design record")
	}
	if rec.Stage != domain.StageDesign {
		t.Errorf("OpenRecord().Stage = %q, want %q", rec.Stage, domain.StageDesign)
	}
}

func TestOpenRecord_NilWhenAllClosed(t *testing.T) {
	p := &domain.Pipeline{
		StageHistory: []domain.StageRecord{
			{Stage: domain.StagePlan, Attempt: 1, Status: domain.StageSucceeded},
		},
	}
	if rec := p.OpenRecord(); rec != nil {
		t.Errorf("OpenRecord() = %+v, want nil", rec)
	}
}

func TestDedupKey_IncludesAttempt(t *testing.T) {
	a := domain.StageEvent{PipelineID: "p1", TraceID: "t1", Stage: domain.StageImplement, Attempt: 1}
	b := domain.StageEvent{PipelineID: "p1", TraceID: "t1", Stage: domain.StageImplement, Attempt: 2}
	if a.DedupKey() == b.DedupKey() {
		t.Error("dedup keys for different attempts must differ, rework would be dropped otherwise")
	}
}

func TestReasonCode_BusinessClassification(t *testing.T) {
	tests := []struct {
		reason domain.ReasonCode
		want   bool
	}{
		{domain.ReasonValidationFailed, true},
		{domain.ReasonApprovalRejected, true},
		{domain.ReasonProvisionUnhealthy, true},
		{domain.ReasonInfrastructure, false},
		{domain.ReasonReworkExhausted, false},
		{domain.ReasonCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if tt.reason.Business() != tt.want {
				t.Errorf("Business(%q) = %v, want %v", tt.reason, !tt.want, tt.want)
			}
		})
	}
}
