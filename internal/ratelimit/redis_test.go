package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only against a real server: LEADMAIL_TEST_REDIS_URL=redis://localhost:6379/0
func newTestRedisWindow(t *testing.T, cfg *Config, clock *fakeClock) *RedisWindow {
	t.Helper()

	url := os.Getenv("LEADMAIL_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LEADMAIL_TEST_REDIS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := ConnectRedis(ctx, url, "")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	prefix := "leadmail:test:" + uuid.New().String() + ":"
	return NewRedisWindow(client, prefix, cfg, WithClock(clock.Now))
}

func TestRedisWindowGlobalLimit(t *testing.T) {
	clock := newFakeClock()
	w := newTestRedisWindow(t, &Config{Global: 5}, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := w.TryAcquire(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
		clock.Advance(time.Minute)
	}

	res, err := w.Allow(ctx, &Request{CampaignID: "c1"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, LevelGlobal, res.DeniedBy)
	assert.Equal(t, 55*time.Minute, res.RetryAfter)

	clock.Advance(55 * time.Minute)
	ok, err := w.TryAcquire(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisWindowCampaignLimit(t *testing.T) {
	clock := newFakeClock()
	w := newTestRedisWindow(t, &Config{Global: 10, Campaigns: map[string]int{"slow": 1}}, clock)
	ctx := context.Background()

	ok, err := w.TryAcquire(ctx, "slow")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.TryAcquire(ctx, "slow")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = w.TryAcquire(ctx, "fast")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisWindowNoLimits(t *testing.T) {
	w := NewRedisWindow(nil, "", nil)
	ok, err := w.TryAcquire(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}
