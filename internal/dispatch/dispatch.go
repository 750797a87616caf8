// Package dispatch drains due queue entries through the rate limiter,
// the renderer and a delivery provider, recording every outcome back to
// the queue store.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/leadmail/internal/provider"
	"github.com/foxzi/leadmail/internal/queue"
	"github.com/foxzi/leadmail/internal/template"
)

var (
	// ErrOptedOut is returned by a Resolver when the lead must not be contacted
	ErrOptedOut = errors.New("lead opted out")

	// ErrUnresolvable is returned by a Resolver when the entry refers to a
	// campaign, template or lead that no longer exists
	ErrUnresolvable = errors.New("entry cannot be resolved")
)

// Reason recorded for entries whose lead has no email address
const reasonMissingRecipient = "missingRecipient"

// Job is what a claimed entry resolves to
type Job struct {
	Template *template.Template
	Vars     map[string]string
	From     provider.Address
	ReplyTo  string
	Provider string
	Headers  map[string]string
}

// Resolver looks up the campaign, template and lead behind an entry
type Resolver interface {
	Resolve(ctx context.Context, e *queue.Entry) (*Job, error)
	// Delivered is called after an entry is recorded as sent
	Delivered(ctx context.Context, e *queue.Entry) error
}

// Limiter grants send slots
type Limiter interface {
	TryAcquire(ctx context.Context, campaignID string) (bool, error)
}

// Providers resolves provider names
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// Config controls batching, retries and pacing
type Config struct {
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryMax    time.Duration `yaml:"retry_max"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	// SendPace is the minimum gap between two sends across all workers
	SendPace time.Duration `yaml:"send_pace"`
	Workers  int           `yaml:"workers"`
	Interval time.Duration `yaml:"interval"`
	// MaxManualRetries caps operator retries of a failed entry
	MaxManualRetries int `yaml:"max_manual_retries"`
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxManualRetries <= 0 {
		c.MaxManualRetries = 3
	}
}

// Options tune a single ProcessBatch call
type Options struct {
	BatchSize int
	// Provider forces one provider for every entry of the batch
	Provider string
}

// Result counts what a batch did
type Result struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
	Recovered int `json:"recovered"`
}

// Add accumulates another result
func (r *Result) Add(o Result) {
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Deferred += o.Deferred
	r.Skipped += o.Skipped
	r.Recovered += o.Recovered
}

// Empty reports whether the batch touched nothing
func (r Result) Empty() bool {
	return r == Result{}
}

// Backoff returns the delay before retry number attempt (1-based):
// base doubling per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
