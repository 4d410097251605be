package pipeline_test

import (
	"context"
	"sync"
	"time"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/pipeline"
)

// memRepo is an in-memory PipelineRepository with the same status guards as
// the Postgres implementation.
type memRepo struct {
	mu        sync.Mutex
	pipelines map[string]*domain.Pipeline
}

func newMemRepo() *memRepo {
	return &memRepo{pipelines: map[string]*domain.Pipeline{}}
}

func clonePipeline(p *domain.Pipeline) *domain.Pipeline {
	c := *p
	c.StageHistory = append([]domain.StageRecord(nil), p.StageHistory...)
	c.Attempts = map[domain.Stage]int{}
	for k, v := range p.Attempts {
		c.Attempts[k] = v
	}
	return &c
}

func (r *memRepo) Create(_ context.Context, p *domain.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.ID] = clonePipeline(p)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[id]
	if !ok {
		return nil, &domain.PipelineNotFoundError{PipelineID: id}
	}
	return clonePipeline(p), nil
}

func (r *memRepo) ListByStatus(_ context.Context, status domain.PipelineStatus, limit int) ([]*domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Pipeline
	for _, p := range r.pipelines {
		if p.Status == status {
			out = append(out, clonePipeline(p))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) BeginStage(_ context.Context, pipelineID string, rec domain.StageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[pipelineID]
	if !ok {
		return &domain.PipelineNotFoundError{PipelineID: pipelineID}
	}
	if p.Status.IsTerminal() {
		return &domain.PipelineTerminalError{PipelineID: pipelineID, Status: p.Status}
	}
	p.Status = domain.StatusRunning
	p.CurrentStage = rec.Stage
	if p.Attempts == nil {
		p.Attempts = map[domain.Stage]int{}
	}
	p.Attempts[rec.Stage] = rec.Attempt
	p.StageHistory = append(p.StageHistory, rec)
	p.UpdatedAt = rec.StartedAt
	return nil
}

func (r *memRepo) CompleteStage(_ context.Context, pipelineID string, stage domain.Stage, attempt int,
	status domain.StageStatus, reason domain.ReasonCode, cost float64, endedAt time.Time) error {

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[pipelineID]
	if !ok {
		return &domain.PipelineNotFoundError{PipelineID: pipelineID}
	}
	for i := range p.StageHistory {
		rec := &p.StageHistory[i]
		if rec.Stage == stage && rec.Attempt == attempt && rec.Status == domain.StageRunning {
			rec.Status = status
			rec.Reason = reason
			rec.CostUnits = cost
			ended := endedAt
			rec.EndedAt = &ended
			p.AccumulatedCost += cost
			p.UpdatedAt = endedAt
			return nil
		}
	}
	// No open entry: duplicate completion, committed as a no-op.
	return nil
}

func (r *memRepo) Finish(_ context.Context, pipelineID string, status domain.PipelineStatus,
	reason domain.ReasonCode, at time.Time) error {

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[pipelineID]
	if !ok {
		return &domain.PipelineNotFoundError{PipelineID: pipelineID}
	}
	if p.Status.IsTerminal() {
		return nil
	}
	p.Status = status
	p.FailureReason = reason
	p.UpdatedAt = at
	completed := at
	p.CompletedAt = &completed
	return nil
}

func (r *memRepo) Cancel(_ context.Context, pipelineID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[pipelineID]
	if !ok {
		return false, &domain.PipelineNotFoundError{PipelineID: pipelineID}
	}
	if p.Status.IsTerminal() {
		return false, nil
	}
	p.Status = domain.StatusCancelled
	p.FailureReason = domain.ReasonCancelled
	p.UpdatedAt = at
	completed := at
	p.CompletedAt = &completed
	return true, nil
}

// scriptWorker returns its scripted results in order, one per invocation.
type scriptWorker struct {
	mu      sync.Mutex
	stage   domain.Stage
	results []scripted
	calls   int
}

type scripted struct {
	result pipeline.Result
	err    error
}

func (w *scriptWorker) Stage() domain.Stage { return w.stage }

func (w *scriptWorker) Run(_ context.Context, _ pipeline.Input) (pipeline.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.calls >= len(w.results) {
		return pipeline.Result{}, &domain.UnknownStageError{Stage: w.stage}
	}
	s := w.results[w.calls]
	w.calls++
	return s.result, s.err
}

func ok() scripted {
	return scripted{result: pipeline.Result{Outcome: domain.OutcomeSuccess, CostUnits: 1}}
}

func bizFail(reason domain.ReasonCode) scripted {
	return scripted{result: pipeline.Result{Outcome: domain.OutcomeFailure, Reason: reason, CostUnits: 1}}
}

func infraFail() scripted {
	return scripted{err: context.DeadlineExceeded}
}

// script maps each stage to its ordered outcomes for one pipeline run.
type script map[domain.Stage][]scripted

func buildRegistry(s script) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	for _, stage := range domain.Stages() {
		reg.Register(&scriptWorker{stage: stage, results: s[stage]})
	}
	return reg
}

// memBus is an in-memory Producer that collects published messages.
type memBus struct {
	mu       sync.Mutex
	messages []busMessage
}

type busMessage struct {
	topic string
	key   string
	value []byte
}

func (b *memBus) Publish(_ context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, busMessage{topic: topic, key: key, value: value})
	return nil
}

func (b *memBus) Close() error { return nil }

func (b *memBus) pop() (busMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return busMessage{}, false
	}
	msg := b.messages[0]
	b.messages = b.messages[1:]
	return msg, true
}

// memDeduper is an in-memory Deduper.
type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDeduper() *memDeduper {
	return &memDeduper{seen: map[string]bool{}}
}

func (d *memDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[key], nil
}

func (d *memDeduper) MarkSeen(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = true
	return nil
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}
