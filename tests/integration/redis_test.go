//go:build integration

package integration

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/internal/domain"
	redisstore "github.com/forgeline/forgeline/internal/redis"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func TestRedis_StatusStore_RoundTrip(t *testing.T) {
	store := redisstore.NewStatusStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "pipe-1", domain.StatusRunning))

	got, err := store.GetStatus(ctx, "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got)
}

func TestRedis_StatusStore_NotFound(t *testing.T) {
	store := redisstore.NewStatusStore(newRedisClient(t))

	_, err := store.GetStatus(context.Background(), "does-not-exist")
	require.Error(t, err)

	var notFound *domain.PipelineNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.PipelineID)
}

func TestRedis_SnapshotRoundTrip(t *testing.T) {
	store := redisstore.NewStatusStore(newRedisClient(t))
	ctx := context.Background()

	p := &domain.Pipeline{
		ID:           "pipe-snap-1",
		ProjectID:    "proj-1",
		Status:       domain.StatusRunning,
		CurrentStage: domain.StageDesign,
		StageHistory: []domain.StageRecord{
			{Stage: domain.StagePlan, Attempt: 1, Status: domain.StageSucceeded, StartedAt: time.Now().UTC()},
		},
		AccumulatedCost: 1.5,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.SetSnapshot(ctx, p))

	got, err := store.GetSnapshot(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, domain.StageDesign, got.CurrentStage)
	require.Len(t, got.StageHistory, 1)
	assert.Equal(t, domain.StagePlan, got.StageHistory[0].Stage)
}

// ── Deduper ──────────────────────────────────────────────────────────────────

func TestDeduper_MarkThenSeen(t *testing.T) {
	dedup := redisstore.NewDeduper(newRedisClient(t))
	ctx := context.Background()

	key := "pipe-1:design:1:trace-1"
	seen, err := dedup.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen, "nothing handled yet")

	require.NoError(t, dedup.MarkSeen(ctx, key))

	seen, err = dedup.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen, "redelivery of a handled event is flagged")

	// A different attempt of the same stage is a distinct completion.
	seen, err = dedup.Seen(ctx, "pipe-1:design:2:trace-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 5, time.Second)
	ctx := context.Background()

	for i := range 5 {
		ok, err := limiter.Allow(ctx, "within-limit")
		require.NoError(t, err)
		assert.True(t, ok, "submission %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "over-limit")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "over-limit")
	require.NoError(t, err)
	assert.False(t, ok, "4th submission should be rate-limited")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	// Use a short window so the test doesn't take too long.
	window := 200 * time.Millisecond
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 2, window)
	ctx := context.Background()

	for range 2 {
		ok, err := limiter.Allow(ctx, "expiry-key")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "expiry-key")
	require.NoError(t, err)
	assert.False(t, ok, "should be blocked within window")

	time.Sleep(window + 50*time.Millisecond)

	ok, err = limiter.Allow(ctx, "expiry-key")
	require.NoError(t, err)
	assert.True(t, ok, "should be allowed after window expires")
}

func TestRateLimiter_IndependentProjects(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, time.Second)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "proj-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "proj-a")
	require.NoError(t, err)
	assert.False(t, ok, "proj-a should be limited")

	ok, err = limiter.Allow(ctx, "proj-b")
	require.NoError(t, err)
	assert.True(t, ok, "proj-b should be independent of proj-a")
}

// ── Leader election ──────────────────────────────────────────────────────────

func TestElector_SingleLeader(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	logger := slog.Default()

	a := redisstore.NewElector(client, "test:leader", "instance-a", 2*time.Second, logger)
	b := redisstore.NewElector(client, "test:leader", "instance-b", 2*time.Second, logger)

	require.True(t, a.AcquireOrRenew(ctx), "first instance should win the lock")
	assert.False(t, b.AcquireOrRenew(ctx), "second instance must not also lead")

	// The holder renews; the other keeps losing.
	assert.True(t, a.AcquireOrRenew(ctx))
	assert.False(t, b.AcquireOrRenew(ctx))
}

func TestElector_TakeoverAfterExpiry(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	logger := slog.Default()

	ttl := 300 * time.Millisecond
	a := redisstore.NewElector(client, "test:takeover", "instance-a", ttl, logger)
	b := redisstore.NewElector(client, "test:takeover", "instance-b", ttl, logger)

	require.True(t, a.AcquireOrRenew(ctx))

	// Leader stops renewing; after the TTL the other instance takes over.
	time.Sleep(ttl + 100*time.Millisecond)
	assert.True(t, b.AcquireOrRenew(ctx), "lock should be free after TTL")
}
