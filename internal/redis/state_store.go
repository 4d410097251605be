package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeline/forgeline/internal/domain"
)

const (
	statusTTL   = 24 * time.Hour
	snapshotTTL = 24 * time.Hour
)

func statusKey(pipelineID string) string   { return "pipeline:status:" + pipelineID }
func snapshotKey(pipelineID string) string { return "pipeline:snapshot:" + pipelineID }

// StatusStore mirrors live pipeline state in Redis for fast status reads.
// Postgres remains the durable source of truth; this is a best-effort cache
// the API consults first.
type StatusStore interface {
	SetStatus(ctx context.Context, pipelineID string, status domain.PipelineStatus) error
	GetStatus(ctx context.Context, pipelineID string) (domain.PipelineStatus, error)
	SetSnapshot(ctx context.Context, p *domain.Pipeline) error
	GetSnapshot(ctx context.Context, pipelineID string) (*domain.Pipeline, error)
}

type statusStore struct {
	client *redis.Client
}

// NewStatusStore creates a Redis-backed StatusStore.
func NewStatusStore(client *redis.Client) StatusStore {
	return &statusStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *statusStore) SetStatus(ctx context.Context, pipelineID string, status domain.PipelineStatus) error {
	err := s.client.Set(ctx, statusKey(pipelineID), string(status), statusTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set status for %s: %w", pipelineID, err)
	}
	return nil
}

func (s *statusStore) GetStatus(ctx context.Context, pipelineID string) (domain.PipelineStatus, error) {
	val, err := s.client.Get(ctx, statusKey(pipelineID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.PipelineNotFoundError{PipelineID: pipelineID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", pipelineID, err)
	}
	return domain.PipelineStatus(val), nil
}

func (s *statusStore) SetSnapshot(ctx context.Context, p *domain.Pipeline) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline snapshot: %w", err)
	}
	err = s.client.Set(ctx, snapshotKey(p.ID), data, snapshotTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set snapshot for %s: %w", p.ID, err)
	}
	return nil
}

func (s *statusStore) GetSnapshot(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	data, err := s.client.Get(ctx, snapshotKey(pipelineID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.PipelineNotFoundError{PipelineID: pipelineID}
		}
		return nil, fmt.Errorf("redis get snapshot for %s: %w", pipelineID, err)
	}
	var p domain.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline snapshot: %w", err)
	}
	return &p, nil
}
