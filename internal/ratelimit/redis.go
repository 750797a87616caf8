package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript checks every key's sliding log and records the grant in all
// of them only when each one has room. Returns the 1-based index of the
// denying key, or 0 when granted.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
for i, key in ipairs(KEYS) do
	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local limit = tonumber(ARGV[3 + i])
	if redis.call('ZCARD', key) >= limit then
		return i
	end
end
for _, key in ipairs(KEYS) do
	redis.call('ZADD', key, now, ARGV[3])
	redis.call('PEXPIRE', key, window)
end
return 0
`)

// RedisWindow is a sliding-log limiter shared by every process using the
// same Redis server and key prefix
type RedisWindow struct {
	client redis.UniversalClient
	config *Config
	prefix string
	now    func() time.Time
}

// ConnectRedis parses a redis:// URL and verifies the server answers
func ConnectRedis(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

// NewRedisWindow creates a limiter backed by Redis sorted sets
func NewRedisWindow(client redis.UniversalClient, prefix string, cfg *Config, opts ...Option) *RedisWindow {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Window == 0 {
		cfg.Window = time.Hour
	}
	if cfg.Campaigns == nil {
		cfg.Campaigns = make(map[string]int)
	}
	if prefix == "" {
		prefix = "leadmail:ratelimit:"
	}

	// Options target *Limiter, so apply them to a scratch value for the clock
	scratch := &Limiter{now: time.Now}
	for _, opt := range opts {
		opt(scratch)
	}

	return &RedisWindow{
		client: client,
		config: cfg,
		prefix: prefix,
		now:    scratch.now,
	}
}

// TryAcquire grants one send if every applicable limit has room
func (w *RedisWindow) TryAcquire(ctx context.Context, campaignID string) (bool, error) {
	res, err := w.Allow(ctx, &Request{CampaignID: campaignID})
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Allow atomically checks and records a grant across all applicable limits
func (w *RedisWindow) Allow(ctx context.Context, req *Request) (*Result, error) {
	checks := w.getChecks(req)
	if len(checks) == 0 {
		return &Result{Allowed: true}, nil
	}

	keys := make([]string, len(checks))
	args := []interface{}{
		w.now().UnixMilli(),
		w.config.Window.Milliseconds(),
		uuid.New().String(),
	}
	for i, check := range checks {
		keys[i] = w.prefix + check.key
		args = append(args, check.limit)
	}

	denied, err := acquireScript.Run(ctx, w.client, keys, args...).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}

	if denied == 0 {
		return &Result{Allowed: true}, nil
	}

	check := checks[denied-1]
	return &Result{
		Allowed:    false,
		DeniedBy:   check.level,
		DeniedKey:  check.key,
		RetryAfter: w.retryAfter(ctx, keys[denied-1]),
	}, nil
}

func (w *RedisWindow) retryAfter(ctx context.Context, key string) time.Duration {
	oldest, err := w.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return 0
	}
	expires := time.UnixMilli(int64(oldest[0].Score)).Add(w.config.Window)
	return expires.Sub(w.now())
}

func (w *RedisWindow) getChecks(req *Request) []limitCheck {
	var checks []limitCheck
	if w.config.Global > 0 {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: w.config.Global,
		})
	}
	if req.CampaignID != "" {
		if limit := w.config.Campaigns[req.CampaignID]; limit > 0 {
			checks = append(checks, limitCheck{
				level: LevelCampaign,
				key:   makeKey(LevelCampaign, req.CampaignID),
				limit: limit,
			})
		}
	}
	return checks
}

// Stop is a no-op; the client is owned by the caller
func (w *RedisWindow) Stop() error {
	return nil
}
