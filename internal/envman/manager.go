package envman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/postgres"
	"github.com/forgeline/forgeline/pkg/telemetry"
)

// DefaultTTL is how long a healthy environment lives before the expiry sweep
// reclaims it.
const DefaultTTL = 2 * time.Hour

// Manager owns the environment lifecycle. Per-handle mutual exclusion between
// provisioning, the health sweep and the expiry sweep goes through the status
// CAS in the repository, never through in-process locks, so multiple manager
// instances can share one store.
type Manager struct {
	envs       postgres.EnvironmentRepository
	runtime    Runtime
	prober     Prober
	ports      *PortAllocator
	ttl        time.Duration
	baseDomain string
	logger     *slog.Logger
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithBaseDomain sets the domain used for name-based environment addresses.
func WithBaseDomain(domain string) ManagerOption {
	return func(m *Manager) { m.baseDomain = domain }
}

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerClock overrides the manager's time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager.
func NewManager(envs postgres.EnvironmentRepository, runtime Runtime, prober Prober,
	ports *PortAllocator, opts ...ManagerOption) *Manager {

	m := &Manager{
		envs:       envs,
		runtime:    runtime,
		prober:     prober,
		ports:      ports,
		ttl:        DefaultTTL,
		baseDomain: "preview.localhost",
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Provision turns artifact refs into a reachable, health-verified environment.
// Every created resource is recorded before the next one is attempted, so a
// failure at any step leaves a complete teardown list behind. A failed initial
// probe tears everything down and returns an UnhealthyError; no handle is ever
// left healthy without passing the probe.
func (m *Manager) Provision(ctx context.Context, pipelineID string, artifactRefs []string) (*domain.EnvironmentHandle, error) {
	ctx, span := otel.Tracer("envman").Start(ctx, "envman.provision")
	defer span.End()
	span.SetAttributes(attribute.String("pipeline_id", pipelineID))

	if len(artifactRefs) == 0 {
		return nil, fmt.Errorf("provision for pipeline %s: no artifact refs", pipelineID)
	}

	now := m.now().UTC()
	h := &domain.EnvironmentHandle{
		ID:         uuid.New().String(),
		PipelineID: pipelineID,
		Status:     domain.EnvProvisioning,
		CreatedAt:  now,
		// Provisional deadline. A handle abandoned mid-provision (process
		// crash) is reclaimed by the expiry sweep once this passes;
		// MarkHealthy replaces it with the real one.
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.envs.Create(ctx, h); err != nil {
		return nil, err
	}

	netRef, err := m.runtime.CreateNetwork(ctx, pipelineID)
	if err != nil {
		return nil, m.abortProvision(ctx, h.ID, fmt.Errorf("create boundary: %w", err))
	}
	if err := m.record(ctx, h, netRef); err != nil {
		return nil, m.abortProvision(ctx, h.ID, err)
	}

	var host string
	for _, ref := range artifactRefs {
		port, err := m.ports.Acquire(ctx, h.ID)
		if err != nil {
			return nil, m.abortProvision(ctx, h.ID, err)
		}
		wlRef, wlHost, err := m.runtime.CreateWorkload(ctx, WorkloadSpec{
			PipelineID:  pipelineID,
			NetworkID:   netRef.ID,
			ArtifactRef: ref,
			Port:        port,
		})
		if err != nil {
			return nil, m.abortProvision(ctx, h.ID, fmt.Errorf("create workload %s: %w", ref, err))
		}
		h.Ports = append(h.Ports, port)
		host = wlHost
		if err := m.record(ctx, h, wlRef); err != nil {
			return nil, m.abortProvision(ctx, h.ID, err)
		}
	}

	h.Address = fmt.Sprintf("http://%s.%s", h.ID[:8], m.baseDomain)
	h.FallbackAddress = fmt.Sprintf("http://%s:%d", host, h.Ports[0])
	if err := m.envs.SetAddresses(ctx, h.ID, h.Address, h.FallbackAddress, h.Ports); err != nil {
		return nil, m.abortProvision(ctx, h.ID, err)
	}

	if err := m.probe(ctx, h); err != nil {
		span.SetAttributes(attribute.Bool("initial_probe_failed", true))
		telemetry.EnvProvisionTotal.WithLabelValues("unhealthy").Inc()
		if tdErr := m.teardown(ctx, h.ID, "provision_failed"); tdErr != nil {
			m.logger.Error("teardown after failed probe incomplete, sweep will retry",
				slog.String("environment_id", h.ID),
				slog.String("error", tdErr.Error()),
			)
		}
		return nil, &UnhealthyError{EnvironmentID: h.ID, Cause: err}
	}

	expiresAt := m.now().UTC().Add(m.ttl)
	if err := m.envs.MarkHealthy(ctx, h.ID, expiresAt, m.now().UTC()); err != nil {
		return nil, m.abortProvision(ctx, h.ID, err)
	}
	h.Status = domain.EnvHealthy
	h.ExpiresAt = expiresAt

	telemetry.EnvProvisionTotal.WithLabelValues("healthy").Inc()
	telemetry.EnvsActive.Inc()
	m.logger.Info("environment provisioned",
		slog.String("environment_id", h.ID),
		slog.String("pipeline_id", pipelineID),
		slog.String("address", h.Address),
		slog.Time("expires_at", expiresAt),
	)
	return h, nil
}

// Delete tears down a pipeline's environment immediately, independent of its
// expiry deadline.
func (m *Manager) Delete(ctx context.Context, pipelineID string) error {
	h, err := m.envs.GetByPipeline(ctx, pipelineID)
	if err != nil {
		var notFound *domain.EnvironmentNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return m.teardown(ctx, h.ID, "manual")
}

// probe tries the primary address first and the fallback on failure.
func (m *Manager) probe(ctx context.Context, h *domain.EnvironmentHandle) error {
	if err := m.prober.Probe(ctx, h.Address); err == nil {
		return nil
	}
	return m.prober.Probe(ctx, h.FallbackAddress)
}

func (m *Manager) record(ctx context.Context, h *domain.EnvironmentHandle, ref domain.ResourceRef) error {
	if err := m.envs.AppendResourceRef(ctx, h.ID, ref); err != nil {
		return fmt.Errorf("record resource ref %s/%s: %w", ref.Kind, ref.ID, err)
	}
	h.ResourceRefs = append(h.ResourceRefs, ref)
	return nil
}

// abortProvision runs the teardown path for a provision that failed before
// the health gate and returns the original cause. A teardown failure here is
// not fatal: the handle stays in a non-terminal status and the sweep retries.
func (m *Manager) abortProvision(ctx context.Context, id string, cause error) error {
	telemetry.EnvProvisionTotal.WithLabelValues("error").Inc()
	if err := m.teardown(ctx, id, "provision_failed"); err != nil {
		m.logger.Error("teardown after failed provision incomplete, sweep will retry",
			slog.String("environment_id", id),
			slog.String("error", err.Error()),
		)
	}
	return cause
}

// teardown destroys every recorded resource, marks the handle expired and
// hard-deletes it; the hard delete also drops the handle's port claims.
// Claiming goes through the status CAS: when another path already owns the
// handle this returns nil, except that a handle stuck in TEARING_DOWN is
// retried. Any destroy failure leaves the handle in TEARING_DOWN, ports
// still claimed, for the next sweep cycle.
func (m *Manager) teardown(ctx context.Context, id, trigger string) error {
	now := m.now().UTC()

	h, err := m.envs.Get(ctx, id)
	if err != nil {
		var notFound *domain.EnvironmentNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	wasActive := h.Status == domain.EnvHealthy || h.Status == domain.EnvUnhealthy

	claimed, err := m.envs.TryBeginTeardown(ctx, id, now)
	if err != nil {
		return err
	}
	if !claimed && h.Status != domain.EnvTearingDown {
		// Expired and deleted, or claimed by a concurrent sweep.
		return nil
	}

	// Workloads were recorded after the boundary; destroy in reverse so the
	// boundary goes last.
	for i := len(h.ResourceRefs) - 1; i >= 0; i-- {
		ref := h.ResourceRefs[i]
		if err := m.runtime.Destroy(ctx, ref); err != nil {
			telemetry.EnvTeardownRetriesTotal.Inc()
			return fmt.Errorf("destroy %s/%s for environment %s: %w", ref.Kind, ref.ID, id, err)
		}
	}

	if err := m.envs.MarkExpired(ctx, id, m.now().UTC()); err != nil {
		return err
	}
	if err := m.envs.Delete(ctx, id); err != nil {
		return err
	}

	telemetry.EnvTeardownTotal.WithLabelValues(trigger).Inc()
	if wasActive {
		telemetry.EnvsActive.Dec()
	}
	m.logger.Info("environment torn down",
		slog.String("environment_id", id),
		slog.String("pipeline_id", h.PipelineID),
		slog.String("trigger", trigger),
	)
	return nil
}
