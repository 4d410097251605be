package envman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline/internal/domain"
)

// LocalRuntime runs workloads as local child processes. The isolation
// boundary is a scratch directory per environment; each workload is started
// from the artifact ref (a runnable entrypoint path) with its assigned port
// in the environment.
type LocalRuntime struct {
	workDir string
	logger  *slog.Logger

	mu        sync.Mutex
	processes map[string]*exec.Cmd
}

// NewLocalRuntime creates a runtime rooted at workDir.
func NewLocalRuntime(workDir string, logger *slog.Logger) *LocalRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRuntime{
		workDir:   workDir,
		logger:    logger,
		processes: map[string]*exec.Cmd{},
	}
}

func (r *LocalRuntime) CreateNetwork(_ context.Context, pipelineID string) (domain.ResourceRef, error) {
	id := "net-" + uuid.New().String()[:8]
	dir := filepath.Join(r.workDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.ResourceRef{}, fmt.Errorf("create boundary dir for pipeline %s: %w", pipelineID, err)
	}
	return domain.ResourceRef{Kind: "network", ID: id}, nil
}

func (r *LocalRuntime) CreateWorkload(_ context.Context, spec WorkloadSpec) (domain.ResourceRef, string, error) {
	id := "wl-" + uuid.New().String()[:8]

	cmd := exec.Command(spec.ArtifactRef)
	cmd.Dir = filepath.Join(r.workDir, spec.NetworkID)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORT=%d", spec.Port),
		fmt.Sprintf("PIPELINE_ID=%s", spec.PipelineID),
	)
	if err := cmd.Start(); err != nil {
		return domain.ResourceRef{}, "", fmt.Errorf("start workload %s: %w", spec.ArtifactRef, err)
	}

	r.mu.Lock()
	r.processes[id] = cmd
	r.mu.Unlock()

	// Reap the child when it exits so killed workloads do not linger as zombies.
	go func() {
		if err := cmd.Wait(); err != nil {
			r.logger.Debug("workload exited", slog.String("workload", id), slog.String("error", err.Error()))
		}
	}()

	// The pid travels in the ref so a teardown running in another process
	// (the sweep daemon) can still kill the workload.
	return domain.ResourceRef{Kind: "workload", ID: id, PID: cmd.Process.Pid}, "127.0.0.1", nil
}

// Destroy tears down one resource. Unknown or already-gone refs count as
// already destroyed.
func (r *LocalRuntime) Destroy(_ context.Context, ref domain.ResourceRef) error {
	switch ref.Kind {
	case "workload":
		r.mu.Lock()
		cmd, ok := r.processes[ref.ID]
		delete(r.processes, ref.ID)
		r.mu.Unlock()
		if ok && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("kill workload %s: %w", ref.ID, err)
			}
			return nil
		}
		// Not one of ours: the workload was started by another instance, so
		// fall back to the pid recorded at creation.
		if ref.PID <= 0 {
			return nil
		}
		proc, err := os.FindProcess(ref.PID)
		if err != nil {
			return nil
		}
		if err := proc.Kill(); err != nil &&
			!errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("kill workload %s (pid %d): %w", ref.ID, ref.PID, err)
		}
		return nil

	case "network":
		if err := os.RemoveAll(filepath.Join(r.workDir, ref.ID)); err != nil {
			return fmt.Errorf("remove boundary %s: %w", ref.ID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown resource kind %q", ref.Kind)
	}
}
