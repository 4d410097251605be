package envman

import (
	"context"
	"fmt"

	"github.com/forgeline/forgeline/internal/postgres"
)

// PortAllocator hands out ports from a bounded pool. Claims are rows in the
// environment store keyed by the owning handle, so occupancy is shared by
// every service instance: the provisioning service acquires, and the claim
// is freed when the sweep daemon's teardown deletes the handle.
type PortAllocator struct {
	envs  postgres.EnvironmentRepository
	first int
	last  int
}

// NewPortAllocator creates a pool covering [first, last] inclusive.
func NewPortAllocator(envs postgres.EnvironmentRepository, first, last int) (*PortAllocator, error) {
	if first <= 0 || last < first {
		return nil, fmt.Errorf("invalid port range %d-%d", first, last)
	}
	return &PortAllocator{envs: envs, first: first, last: last}, nil
}

// Acquire claims the lowest free port for the environment, or returns an
// error when the pool is exhausted. The claim lives until the handle is
// hard-deleted after confirmed teardown.
func (a *PortAllocator) Acquire(ctx context.Context, environmentID string) (int, error) {
	return a.envs.ClaimPort(ctx, environmentID, a.first, a.last)
}
