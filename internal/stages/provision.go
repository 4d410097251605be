package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/envman"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// Provisioner is the environment manager surface the provision stage needs.
type Provisioner interface {
	Provision(ctx context.Context, pipelineID string, artifactRefs []string) (*domain.EnvironmentHandle, error)
}

// provisionInput is the approve stage's output payload.
type provisionInput struct {
	ArtifactRefs []string `json:"artifact_refs"`
	ArtifactRef  string   `json:"artifact_ref,omitempty"`
}

// provisionOutput is the terminal payload handed back to the caller.
type provisionOutput struct {
	EnvironmentID   string `json:"environment_id"`
	Address         string `json:"address"`
	FallbackAddress string `json:"fallback_address"`
	ExpiresAt       string `json:"expires_at"`
}

// ProvisionWorker stands up the preview environment for an approved artifact.
// There is no provision retry loop: an environment that cannot come up
// healthy on the single attempt fails the pipeline.
type ProvisionWorker struct {
	mgr Provisioner
}

// NewProvisionWorker creates the provision stage worker.
func NewProvisionWorker(mgr Provisioner) *ProvisionWorker {
	return &ProvisionWorker{mgr: mgr}
}

func (w *ProvisionWorker) Stage() domain.Stage { return domain.StageProvision }

func (w *ProvisionWorker) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	var input provisionInput
	if err := json.Unmarshal(in.Payload, &input); err != nil {
		return pipeline.Result{}, fmt.Errorf("decode provision input: %w", err)
	}
	refs := input.ArtifactRefs
	if len(refs) == 0 && input.ArtifactRef != "" {
		refs = []string{input.ArtifactRef}
	}
	if len(refs) == 0 {
		return pipeline.Result{}, fmt.Errorf("provision input for pipeline %s carries no artifact refs", in.PipelineID)
	}

	h, err := w.mgr.Provision(ctx, in.PipelineID, refs)
	if err != nil {
		var unhealthy *envman.UnhealthyError
		if errors.As(err, &unhealthy) {
			detail, _ := json.Marshal(map[string]string{"detail": unhealthy.Error()})
			return pipeline.Result{
				Outcome: domain.OutcomeFailure,
				Reason:  domain.ReasonProvisionUnhealthy,
				Payload: detail,
			}, nil
		}
		return pipeline.Result{}, err
	}

	payload, err := json.Marshal(provisionOutput{
		EnvironmentID:   h.ID,
		Address:         h.Address,
		FallbackAddress: h.FallbackAddress,
		ExpiresAt:       h.ExpiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("marshal provision output: %w", err)
	}
	return pipeline.Result{Outcome: domain.OutcomeSuccess, Payload: payload}, nil
}
