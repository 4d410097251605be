package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupTTL = 24 * time.Hour

// Deduper suppresses redelivered stage events. The bus is at-least-once, so
// the resume handler marks an event's key only after the transition has been
// durably applied and the follow-up request published; a crash anywhere
// before the mark leaves the key absent, and the redelivery is replayed
// through the engine's own idempotent duplicate handling.
type Deduper interface {
	// Seen reports whether the event was already fully handled.
	Seen(ctx context.Context, key string) (bool, error)
	// MarkSeen records a fully handled event so its redeliveries are skipped.
	MarkSeen(ctx context.Context, key string) error
}

type deduper struct {
	client *redis.Client
}

// NewDeduper creates a Redis-backed Deduper.
func NewDeduper(client *redis.Client) Deduper {
	return &deduper{client: client}
}

func (d *deduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, "event:seen:"+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup %q: %w", key, err)
	}
	return n > 0, nil
}

func (d *deduper) MarkSeen(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, "event:seen:"+key, 1, dedupTTL).Err(); err != nil {
		return fmt.Errorf("dedup mark %q: %w", key, err)
	}
	return nil
}
