package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeline/forgeline/internal/domain"
)

// EnvironmentRepository abstracts storage for environment handles. Handles
// are hard-deleted only after confirmed teardown; everything else mutates in
// place with status guards so the health and expiry sweeps cannot race each
// other on the same handle.
type EnvironmentRepository interface {
	Create(ctx context.Context, h *domain.EnvironmentHandle) error
	Get(ctx context.Context, id string) (*domain.EnvironmentHandle, error)
	GetByPipeline(ctx context.Context, pipelineID string) (*domain.EnvironmentHandle, error)

	// AppendResourceRef durably records a created resource before the next
	// one is attempted, so a mid-provision crash still has a teardown list.
	AppendResourceRef(ctx context.Context, id string, ref domain.ResourceRef) error

	SetAddresses(ctx context.Context, id, address, fallback string, ports []int) error

	// ClaimPort reserves the lowest free port in [first, last] for the
	// environment. Claims live in the store, so a port acquired by the
	// provisioning service is freed when whichever process runs the teardown
	// hard-deletes the handle.
	ClaimPort(ctx context.Context, id string, first, last int) (int, error)

	// MarkHealthy sets HEALTHY and the expiry deadline in one update.
	// expires_at is always set before the handle can become healthy.
	MarkHealthy(ctx context.Context, id string, expiresAt, at time.Time) error

	// RecordProbe applies one health probe result and returns the updated
	// unhealthy streak. The guard skips handles already being torn down.
	RecordProbe(ctx context.Context, id string, healthy bool, at time.Time) (streak int, err error)

	// TryBeginTeardown claims the handle for teardown. Returns false when
	// another path already owns it or it is already expired.
	TryBeginTeardown(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkExpired records confirmed teardown, then Delete removes the row.
	MarkExpired(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error

	ListActive(ctx context.Context) ([]*domain.EnvironmentHandle, error)
	ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]*domain.EnvironmentHandle, error)

	// CountStale counts handles in a non-terminal status created before the
	// cutoff — the operator-facing leak signal.
	CountStale(ctx context.Context, cutoff time.Time) (int, error)
}

type environmentRepo struct {
	pool *pgxpool.Pool
}

// NewEnvironmentRepository wraps a pgxpool with the EnvironmentRepository interface.
func NewEnvironmentRepository(pool *pgxpool.Pool) EnvironmentRepository {
	return &environmentRepo{pool: pool}
}

func (r *environmentRepo) Create(ctx context.Context, h *domain.EnvironmentHandle) error {
	refs, err := json.Marshal(h.ResourceRefs)
	if err != nil {
		return fmt.Errorf("marshal resource refs: %w", err)
	}
	ports, err := json.Marshal(h.Ports)
	if err != nil {
		return fmt.Errorf("marshal ports: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO environments
			(id, pipeline_id, address, fallback_address, resource_refs, ports,
			 status, unhealthy_streak, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		h.ID, h.PipelineID, h.Address, h.FallbackAddress, refs, ports,
		string(h.Status), h.UnhealthyStreak, h.CreatedAt, h.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create environment %s: %w", h.ID, err)
	}
	return nil
}

func (r *environmentRepo) Get(ctx context.Context, id string) (*domain.EnvironmentHandle, error) {
	return r.getWhere(ctx, "id = $1", id)
}

func (r *environmentRepo) GetByPipeline(ctx context.Context, pipelineID string) (*domain.EnvironmentHandle, error) {
	return r.getWhere(ctx, "pipeline_id = $1", pipelineID)
}

func (r *environmentRepo) getWhere(ctx context.Context, where string, arg any) (*domain.EnvironmentHandle, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, address, fallback_address, resource_refs, ports,
		       status, unhealthy_streak, created_at, expires_at, last_health_check_at
		FROM environments
		WHERE `+where, arg)
	return scanEnvironment(row)
}

func (r *environmentRepo) AppendResourceRef(ctx context.Context, id string, ref domain.ResourceRef) error {
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal resource ref: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE environments
		SET resource_refs = resource_refs || $1::jsonb
		WHERE id = $2
	`, refJSON, id)
	if err != nil {
		return fmt.Errorf("append resource ref for %s: %w", id, err)
	}
	return nil
}

func (r *environmentRepo) SetAddresses(ctx context.Context, id, address, fallback string, ports []int) error {
	portsJSON, err := json.Marshal(ports)
	if err != nil {
		return fmt.Errorf("marshal ports: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE environments
		SET address = $1, fallback_address = $2, ports = $3
		WHERE id = $4
	`, address, fallback, portsJSON, id)
	if err != nil {
		return fmt.Errorf("set addresses for %s: %w", id, err)
	}
	return nil
}

func (r *environmentRepo) ClaimPort(ctx context.Context, id string, first, last int) (int, error) {
	// ON CONFLICT covers the race where another claim takes the picked port
	// between the free-port scan and the insert; one retry is enough because
	// the scan then skips it.
	for attempt := 0; attempt < 3; attempt++ {
		var port int
		err := r.pool.QueryRow(ctx, `
			INSERT INTO environment_ports (port, environment_id)
			SELECT p, $3
			FROM generate_series($1::int, $2::int) AS p
			WHERE NOT EXISTS (SELECT 1 FROM environment_ports e WHERE e.port = p)
			ORDER BY p
			LIMIT 1
			ON CONFLICT (port) DO NOTHING
			RETURNING port
		`, first, last, id).Scan(&port)
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("claim port for %s: %w", id, err)
		}
		var free int
		if err := r.pool.QueryRow(ctx, `
			SELECT $2::int - $1::int + 1 - COUNT(*) FROM environment_ports
			WHERE port BETWEEN $1 AND $2
		`, first, last).Scan(&free); err != nil {
			return 0, fmt.Errorf("claim port for %s: %w", id, err)
		}
		if free <= 0 {
			return 0, fmt.Errorf("port pool %d-%d exhausted", first, last)
		}
	}
	return 0, fmt.Errorf("claim port for %s: lost the race on every retry", id)
}

func (r *environmentRepo) MarkHealthy(ctx context.Context, id string, expiresAt, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE environments
		SET status = $1, expires_at = $2, unhealthy_streak = 0, last_health_check_at = $3
		WHERE id = $4 AND status NOT IN ('TEARING_DOWN', 'EXPIRED')
	`, string(domain.EnvHealthy), expiresAt, at, id)
	if err != nil {
		return fmt.Errorf("mark healthy %s: %w", id, err)
	}
	return nil
}

func (r *environmentRepo) RecordProbe(ctx context.Context, id string, healthy bool, at time.Time) (int, error) {
	var streak int
	var err error
	if healthy {
		err = r.pool.QueryRow(ctx, `
			UPDATE environments
			SET status = $1, unhealthy_streak = 0, last_health_check_at = $2
			WHERE id = $3 AND status NOT IN ('TEARING_DOWN', 'EXPIRED')
			RETURNING unhealthy_streak
		`, string(domain.EnvHealthy), at, id).Scan(&streak)
	} else {
		err = r.pool.QueryRow(ctx, `
			UPDATE environments
			SET status = $1, unhealthy_streak = unhealthy_streak + 1, last_health_check_at = $2
			WHERE id = $3 AND status NOT IN ('TEARING_DOWN', 'EXPIRED')
			RETURNING unhealthy_streak
		`, string(domain.EnvUnhealthy), at, id).Scan(&streak)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Handle is being torn down or already gone — probe result ignored.
			return 0, &domain.EnvironmentNotFoundError{ID: id}
		}
		return 0, fmt.Errorf("record probe for %s: %w", id, err)
	}
	return streak, nil
}

func (r *environmentRepo) TryBeginTeardown(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE environments
		SET status = $1, last_health_check_at = $2
		WHERE id = $3 AND status NOT IN ('TEARING_DOWN', 'EXPIRED')
	`, string(domain.EnvTearingDown), at, id)
	if err != nil {
		return false, fmt.Errorf("begin teardown for %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *environmentRepo) MarkExpired(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE environments SET status = $1, last_health_check_at = $2 WHERE id = $3
	`, string(domain.EnvExpired), at, id)
	if err != nil {
		return fmt.Errorf("mark expired %s: %w", id, err)
	}
	return nil
}

func (r *environmentRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete environment %s: %w", id, err)
	}
	return nil
}

func (r *environmentRepo) ListActive(ctx context.Context) ([]*domain.EnvironmentHandle, error) {
	return r.listWhere(ctx, `status IN ('HEALTHY', 'UNHEALTHY')`)
}

func (r *environmentRepo) ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]*domain.EnvironmentHandle, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, pipeline_id, address, fallback_address, resource_refs, ports,
		       status, unhealthy_streak, created_at, expires_at, last_health_check_at
		FROM environments
		WHERE expires_at <= $1 AND status != 'EXPIRED'
		ORDER BY expires_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired environments: %w", err)
	}
	return collectEnvironments(rows)
}

func (r *environmentRepo) listWhere(ctx context.Context, where string) ([]*domain.EnvironmentHandle, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, pipeline_id, address, fallback_address, resource_refs, ports,
		       status, unhealthy_streak, created_at, expires_at, last_health_check_at
		FROM environments
		WHERE `+where+`
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	return collectEnvironments(rows)
}

func (r *environmentRepo) CountStale(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM environments
		WHERE status != 'EXPIRED' AND created_at < $1
	`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale environments: %w", err)
	}
	return n, nil
}

func collectEnvironments(rows pgx.Rows) ([]*domain.EnvironmentHandle, error) {
	defer rows.Close()
	var handles []*domain.EnvironmentHandle
	for rows.Next() {
		h, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// scanEnvironment reads an environment row from any pgx row type.
func scanEnvironment(row interface {
	Scan(...any) error
}) (*domain.EnvironmentHandle, error) {
	var h domain.EnvironmentHandle
	var status string
	var refs, ports []byte
	err := row.Scan(
		&h.ID, &h.PipelineID, &h.Address, &h.FallbackAddress, &refs, &ports,
		&status, &h.UnhealthyStreak, &h.CreatedAt, &h.ExpiresAt, &h.LastHealthCheckAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.EnvironmentNotFoundError{ID: "unknown"}
		}
		return nil, fmt.Errorf("scan environment: %w", err)
	}
	h.Status = domain.EnvStatus(status)
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &h.ResourceRefs); err != nil {
			return nil, fmt.Errorf("unmarshal resource refs: %w", err)
		}
	}
	if len(ports) > 0 {
		if err := json.Unmarshal(ports, &h.Ports); err != nil {
			return nil, fmt.Errorf("unmarshal ports: %w", err)
		}
	}
	return &h, nil
}
