package stagerunner_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/internal/kafka"
	"github.com/forgeline/forgeline/internal/pipeline"
	"github.com/forgeline/forgeline/services/stagerunner"
)

type capturingProducer struct {
	mu       sync.Mutex
	topics   []string
	values   [][]byte
	failNext bool
}

func (p *capturingProducer) Publish(_ context.Context, topic, _ string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("broker unavailable")
	}
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func (p *capturingProducer) Close() error { return nil }

type staticWorker struct {
	stage  domain.Stage
	result pipeline.Result
	err    error
}

func (w *staticWorker) Stage() domain.Stage { return w.stage }
func (w *staticWorker) Run(_ context.Context, _ pipeline.Input) (pipeline.Result, error) {
	return w.result, w.err
}

func newRunner(producer kafka.Producer, workers ...pipeline.Worker) *stagerunner.Runner {
	reg := pipeline.NewRegistry()
	for _, w := range workers {
		reg.Register(w)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return stagerunner.NewRunner(nil, producer, reg,
		stagerunner.WithLogger(logger),
		stagerunner.WithTimeout(time.Second),
	)
}

func requestMessage(t *testing.T, stage domain.Stage) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(domain.StageRequest{
		PipelineID: "p1",
		TraceID:    "t1",
		Stage:      stage,
		Attempt:    1,
		Input:      json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.StageRequestTopic(stage), Key: []byte("p1"), Value: raw}
}

func TestRunner_PublishesCompletionEvent(t *testing.T) {
	producer := &capturingProducer{}
	r := newRunner(producer, &staticWorker{
		stage:  domain.StagePlan,
		result: pipeline.Result{Outcome: domain.OutcomeSuccess, Payload: json.RawMessage(`{"plan":1}`), CostUnits: 2},
	})

	require.NoError(t, r.HandleRequest(context.Background(), requestMessage(t, domain.StagePlan)))

	require.Len(t, producer.topics, 1)
	assert.Equal(t, kafka.TopicStageCompleted, producer.topics[0])

	var ev domain.StageEvent
	require.NoError(t, json.Unmarshal(producer.values[0], &ev))
	assert.Equal(t, "p1", ev.PipelineID)
	assert.Equal(t, domain.StagePlan, ev.Stage)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, domain.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, 2.0, ev.CostUnits)
}

func TestRunner_WorkerErrorBecomesInfrastructureFailure(t *testing.T) {
	producer := &capturingProducer{}
	r := newRunner(producer, &staticWorker{
		stage: domain.StageImplement,
		err:   errors.New("delegate unreachable"),
	})

	require.NoError(t, r.HandleRequest(context.Background(), requestMessage(t, domain.StageImplement)),
		"a failed attempt is still a committed message")

	var ev domain.StageEvent
	require.NoError(t, json.Unmarshal(producer.values[0], &ev))
	assert.Equal(t, domain.OutcomeFailure, ev.Outcome)
	assert.Equal(t, domain.ReasonInfrastructure, ev.Reason)
}

func TestRunner_UnregisteredStageFails(t *testing.T) {
	producer := &capturingProducer{}
	r := newRunner(producer) // empty registry

	require.NoError(t, r.HandleRequest(context.Background(), requestMessage(t, domain.StageApprove)))

	var ev domain.StageEvent
	require.NoError(t, json.Unmarshal(producer.values[0], &ev))
	assert.Equal(t, domain.OutcomeFailure, ev.Outcome)
	assert.Equal(t, domain.ReasonInfrastructure, ev.Reason)
}

func TestRunner_MalformedRequestGoesToDLQ(t *testing.T) {
	producer := &capturingProducer{}
	r := newRunner(producer)

	err := r.HandleRequest(context.Background(), kafka.Message{
		Topic: kafka.StageRequestTopic(domain.StagePlan),
		Value: []byte("garbage"),
	})
	require.NoError(t, err)
	require.Len(t, producer.topics, 1)
	assert.Equal(t, kafka.TopicDLQ, producer.topics[0])
}

func TestRunner_PublishFailureRedelivers(t *testing.T) {
	producer := &capturingProducer{failNext: true}
	r := newRunner(producer, &staticWorker{
		stage:  domain.StagePlan,
		result: pipeline.Result{Outcome: domain.OutcomeSuccess},
	})

	err := r.HandleRequest(context.Background(), requestMessage(t, domain.StagePlan))
	require.Error(t, err, "the offset must not be committed when the event was not published")
}
