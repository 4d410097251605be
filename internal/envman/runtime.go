// Package envman manages ephemeral preview environments: provisioning an
// isolated runtime per pipeline, monitoring its health, and guaranteeing
// eventual teardown of every resource it created.
package envman

import (
	"context"
	"fmt"

	"github.com/forgeline/forgeline/internal/domain"
)

// WorkloadSpec describes one process to start inside an isolation boundary.
type WorkloadSpec struct {
	PipelineID  string
	NetworkID   string
	ArtifactRef string
	Port        int
}

// Runtime is the container/process runtime boundary. Destroy must be
// idempotent: destroying an already-gone resource succeeds.
type Runtime interface {
	// CreateNetwork allocates an isolation boundary scoped to the pipeline.
	CreateNetwork(ctx context.Context, pipelineID string) (domain.ResourceRef, error)
	// CreateWorkload starts one process inside the boundary and returns its
	// resource ref plus the host the workload listens on.
	CreateWorkload(ctx context.Context, spec WorkloadSpec) (domain.ResourceRef, string, error)
	Destroy(ctx context.Context, ref domain.ResourceRef) error
}

// Prober answers whether an environment address responds healthy.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// UnhealthyError marks a provision run that produced no healthy environment.
// Everything created before the failed probe has already been torn down.
type UnhealthyError struct {
	EnvironmentID string
	Cause         error
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("environment %s failed its initial health check: %v", e.EnvironmentID, e.Cause)
}

func (e *UnhealthyError) Unwrap() error { return e.Cause }
