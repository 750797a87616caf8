package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// bucketWidth is the granularity of the rolling window counters
const bucketWidth = time.Minute

// Level represents the level of rate limiting
type Level string

const (
	LevelGlobal   Level = "global"
	LevelCampaign Level = "campaign"
)

// Config contains rate limit configuration
type Config struct {
	// Global is the maximum number of sends per window across all campaigns.
	// Zero disables the global limit.
	Global int `yaml:"global"`

	// Window is the length of the rolling window
	Window time.Duration `yaml:"window,omitempty"`

	// Campaigns holds per-campaign limits per window
	Campaigns map[string]int `yaml:"campaigns,omitempty"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Counter holds grant counts keyed by the unix minute they were granted in
type Counter struct {
	Buckets map[int64]int `json:"buckets"`
}

// Limiter is a rolling-window rate limiter with global and per-campaign levels.
// Counters are kept in memory and flushed to BoltDB periodically.
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter // key -> counter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config, opts ...Option) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Window == 0 {
		cfg.Window = time.Hour
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Campaigns == nil {
		cfg.Campaigns = make(map[string]int)
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// TryAcquire grants one send for the campaign if every applicable
// limit has room left in the current window
func (l *Limiter) TryAcquire(ctx context.Context, campaignID string) (bool, error) {
	res, err := l.Allow(ctx, &Request{CampaignID: campaignID})
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Allow checks all limits for the request and counts a grant when allowed
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	result := &Result{Allowed: true}

	checks := l.getChecks(req)
	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key)
		l.expire(counter, now)

		if total(counter) >= check.limit {
			result.Allowed = false
			result.DeniedBy = check.level
			result.DeniedKey = check.key
			result.RetryAfter = l.retryAfter(counter, now)
			return result, nil
		}
	}

	minute := now.Truncate(bucketWidth).Unix()
	for _, check := range checks {
		l.counters[check.key].Buckets[minute]++
	}

	return result, nil
}

// SetCampaignLimit sets the per-window limit for a campaign. Zero removes it.
func (l *Limiter) SetCampaignLimit(campaignID string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		delete(l.config.Campaigns, campaignID)
		return
	}
	l.config.Campaigns[campaignID] = limit
}

// GetStats returns the number of grants counted in the current window
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{Level: level, Key: key, Window: l.config.Window}
	switch level {
	case LevelGlobal:
		stats.Limit = l.config.Global
	case LevelCampaign:
		stats.Limit = l.config.Campaigns[key]
	}

	counter, exists := l.counters[makeKey(level, key)]
	if !exists {
		return stats, nil
	}

	l.expire(counter, l.now())
	stats.Count = total(counter)
	return stats, nil
}

// Stop stops the rate limiter and persists counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

// Request contains information about the rate limit request
type Request struct {
	CampaignID string
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains rate limit statistics
type Stats struct {
	Level  Level
	Key    string
	Count  int
	Limit  int
	Window time.Duration
}

type limitCheck struct {
	level Level
	key   string
	limit int
}

func (l *Limiter) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	if l.config.Global > 0 {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: l.config.Global,
		})
	}

	if req.CampaignID != "" {
		if limit := l.config.Campaigns[req.CampaignID]; limit > 0 {
			checks = append(checks, limitCheck{
				level: LevelCampaign,
				key:   makeKey(LevelCampaign, req.CampaignID),
				limit: limit,
			})
		}
	}

	return checks
}

func (l *Limiter) getOrCreateCounter(key string) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{Buckets: make(map[int64]int)}
		l.counters[key] = counter
	}
	return counter
}

// expire drops buckets that lie entirely outside the window. A grant made
// late in a bucket is still counted until the whole bucket has aged out,
// so the effective window is never shorter than the configured one.
func (l *Limiter) expire(counter *Counter, now time.Time) {
	for minute := range counter.Buckets {
		if !l.live(minute, now) {
			delete(counter.Buckets, minute)
		}
	}
}

func (l *Limiter) live(minute int64, now time.Time) bool {
	end := time.Unix(minute, 0).Add(bucketWidth + l.config.Window)
	return now.Before(end)
}

func (l *Limiter) retryAfter(counter *Counter, now time.Time) time.Duration {
	if len(counter.Buckets) == 0 {
		return 0
	}
	minutes := make([]int64, 0, len(counter.Buckets))
	for m := range counter.Buckets {
		minutes = append(minutes, m)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })
	return time.Unix(minutes[0], 0).Add(bucketWidth + l.config.Window).Sub(now)
}

func total(counter *Counter) int {
	n := 0
	for _, c := range counter.Buckets {
		n += c
	}
	return n
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			if counter.Buckets == nil {
				counter.Buckets = make(map[int64]int)
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		for key, counter := range l.counters {
			l.expire(counter, now)
			if len(counter.Buckets) == 0 {
				delete(l.counters, key)
				if err := bucket.Delete([]byte(key)); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}

func (s *Stats) String() string {
	return fmt.Sprintf("%s:%s %d/%d per %s", s.Level, s.Key, s.Count, s.Limit, s.Window)
}
