package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/forgeline/forgeline/internal/domain"
)

// Input is what a stage worker receives for one attempt.
type Input struct {
	PipelineID string
	TraceID    string
	Stage      domain.Stage
	Attempt    int
	Payload    json.RawMessage
}

// Result is a stage worker's typed outcome. An infrastructure problem is
// returned as an error instead, after the worker's own bounded retries.
type Result struct {
	Outcome   domain.Outcome
	Reason    domain.ReasonCode
	Payload   json.RawMessage
	CostUnits float64
}

// Worker executes one stage's delegated work. Implementations are stateless
// between invocations; replaying the same input must be safe.
type Worker interface {
	Stage() domain.Stage
	Run(ctx context.Context, in Input) (Result, error)
}

// Registry maps stages to their workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[domain.Stage]Worker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[domain.Stage]Worker)}
}

// Register adds a worker. Safe to call concurrently.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Stage()] = w
}

// Get returns the worker for the given stage.
// Returns UnknownStageError if not registered.
func (r *Registry) Get(stage domain.Stage) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[stage]
	if !ok {
		return nil, &domain.UnknownStageError{Stage: stage}
	}
	return w, nil
}
