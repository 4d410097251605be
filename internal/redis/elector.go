package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Elector is a Redis SETNX leader election. The envd sweeps run on every
// instance but only the current leader acts, so a crashed leader is replaced
// within one TTL.
type Elector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewElector creates an Elector for the given lock key.
func NewElector(client *redis.Client, key, instanceID string, ttl time.Duration, logger *slog.Logger) *Elector {
	return &Elector{client: client, key: key, instanceID: instanceID, ttl: ttl, logger: logger}
}

// AcquireOrRenew attempts SETNX; returns true if this instance is the leader.
func (e *Elector) AcquireOrRenew(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		e.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		e.logger.Info("acquired leadership",
			slog.String("key", e.key),
			slog.String("instance_id", e.instanceID),
		)
		return true
	}

	// Already set — renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, e.client,
		[]string{e.key},
		e.instanceID,
		e.ttl.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		e.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
