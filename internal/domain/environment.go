package domain

import "time"

// EnvStatus is the lifecycle state of an ephemeral preview environment.
type EnvStatus string

const (
	EnvProvisioning EnvStatus = "PROVISIONING"
	EnvHealthy      EnvStatus = "HEALTHY"
	EnvUnhealthy    EnvStatus = "UNHEALTHY"
	EnvTearingDown  EnvStatus = "TEARING_DOWN"
	EnvExpired      EnvStatus = "EXPIRED"
)

// ResourceRef is an opaque handle to one runtime resource (an isolation
// network or a workload process) that must be destroyed on teardown. PID is
// set for workloads so the sweep daemon can destroy a process it did not
// start itself.
type ResourceRef struct {
	Kind string `json:"kind"` // "network" | "workload"
	ID   string `json:"id"`
	PID  int    `json:"pid,omitempty"`
}

// EnvironmentHandle tracks one provisioned environment from creation to
// confirmed teardown. The record is hard-deleted only after every resource
// ref has been destroyed — a handle stuck in a non-terminal status is the
// leak-detection signal.
type EnvironmentHandle struct {
	ID                string        `json:"id"`
	PipelineID        string        `json:"pipeline_id"`
	Address           string        `json:"address"`
	FallbackAddress   string        `json:"fallback_address"`
	ResourceRefs      []ResourceRef `json:"resource_refs"`
	Ports             []int         `json:"ports,omitempty"`
	Status            EnvStatus     `json:"status"`
	UnhealthyStreak   int           `json:"unhealthy_streak"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	LastHealthCheckAt *time.Time    `json:"last_health_check_at,omitempty"`
}
