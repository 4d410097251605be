package envman

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/postgres"
	"github.com/forgeline/forgeline/pkg/telemetry"
)

// unhealthyLimit is how many consecutive failed probes force a teardown.
const unhealthyLimit = 3

// SweeperConfig holds the background sweep cadence.
type SweeperConfig struct {
	HealthInterval time.Duration
	ExpiryInterval time.Duration
	// LeakReportSchedule is a cron expression for the stale-handle report.
	LeakReportSchedule string
	// StaleAfter is how old a non-terminal handle must be to count as a leak
	// suspect. Zero means 3x the manager TTL.
	StaleAfter time.Duration
}

// DefaultSweeperConfig returns the sweep defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		HealthInterval:     30 * time.Second,
		ExpiryInterval:     time.Minute,
		LeakReportSchedule: "*/10 * * * *",
	}
}

// Sweeper runs the health monitor, the expiry sweep and the leak report.
// Teardown retries ride on the sweep cadence: a handle whose teardown failed
// stays in TEARING_DOWN and is picked up again next expiry cycle.
type Sweeper struct {
	envs   postgres.EnvironmentRepository
	mgr    *Manager
	prober Prober
	cfg    SweeperConfig
	logger *slog.Logger
	now    func() time.Time
	gate   func(context.Context) bool
}

// NewSweeper constructs a Sweeper sharing the manager's teardown path.
func NewSweeper(envs postgres.EnvironmentRepository, mgr *Manager, prober Prober,
	cfg SweeperConfig, logger *slog.Logger) *Sweeper {

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 3 * mgr.ttl
	}
	return &Sweeper{
		envs:   envs,
		mgr:    mgr,
		prober: prober,
		cfg:    cfg,
		logger: logger,
		now:    mgr.now,
		gate:   func(context.Context) bool { return true },
	}
}

// WithLeaderGate makes the loops call gate before each sweep and skip the
// sweep when it returns false. Lets several replicas run Run concurrently
// with only the elected leader acting.
func (s *Sweeper) WithLeaderGate(gate func(context.Context) bool) *Sweeper {
	s.gate = gate
	return s
}

// Run blocks until ctx is cancelled, driving all three loops.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.LeakReportSchedule, func() {
		if s.gate(ctx) {
			s.LeakReport(ctx)
		}
	}); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, s.cfg.HealthInterval, s.HealthSweep) })
	g.Go(func() error { return s.loop(ctx, s.cfg.ExpiryInterval, s.ExpirySweep) })
	return g.Wait()
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.gate(ctx) {
				sweep(ctx)
			}
		}
	}
}

// HealthSweep probes every active handle and tears down any that fails three
// probes in a row, even if its expiry deadline has not passed.
func (s *Sweeper) HealthSweep(ctx context.Context) {
	handles, err := s.envs.ListActive(ctx)
	if err != nil {
		s.logger.Error("health sweep list failed", slog.String("error", err.Error()))
		return
	}
	for _, h := range handles {
		healthy := s.mgr.probe(ctx, h) == nil
		streak, err := s.envs.RecordProbe(ctx, h.ID, healthy, s.now().UTC())
		if err != nil {
			var notFound *domain.EnvironmentNotFoundError
			if errors.As(err, &notFound) {
				// Torn down between list and probe.
				continue
			}
			s.logger.Error("record probe failed",
				slog.String("environment_id", h.ID), slog.String("error", err.Error()))
			continue
		}
		if healthy || streak < unhealthyLimit {
			continue
		}
		s.logger.Warn("environment unreachable, forcing teardown",
			slog.String("environment_id", h.ID),
			slog.Int("failed_probes", streak),
		)
		if err := s.mgr.teardown(ctx, h.ID, "unhealthy"); err != nil {
			s.logger.Error("unhealthy teardown incomplete, will retry",
				slog.String("environment_id", h.ID), slog.String("error", err.Error()))
		}
	}
}

// ExpirySweep reclaims every handle past its deadline, including handles left
// in TEARING_DOWN by an earlier failed teardown.
func (s *Sweeper) ExpirySweep(ctx context.Context) {
	handles, err := s.envs.ListExpiredBefore(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("expiry sweep list failed", slog.String("error", err.Error()))
		return
	}
	for _, h := range handles {
		if err := s.mgr.teardown(ctx, h.ID, "expired"); err != nil {
			s.logger.Error("expiry teardown incomplete, will retry",
				slog.String("environment_id", h.ID), slog.String("error", err.Error()))
		}
	}
}

// LeakReport publishes the count of handles stuck in a non-terminal status
// well past their lifetime. A non-zero count means teardown has been failing
// long enough for an operator to look.
func (s *Sweeper) LeakReport(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.cfg.StaleAfter)
	n, err := s.envs.CountStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("leak report failed", slog.String("error", err.Error()))
		return
	}
	telemetry.EnvLeakSuspects.Set(float64(n))
	if n > 0 {
		s.logger.Warn("environments stuck in non-terminal status",
			slog.Int("count", n),
			slog.Duration("older_than", s.cfg.StaleAfter),
		)
	}
}
