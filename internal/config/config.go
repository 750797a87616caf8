package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/leadmail/internal/campaign"
	"github.com/foxzi/leadmail/internal/dispatch"
	"github.com/foxzi/leadmail/internal/provider"
	"github.com/foxzi/leadmail/internal/ratelimit"
	"github.com/foxzi/leadmail/internal/template"
	tlsconf "github.com/foxzi/leadmail/internal/tls"
)

// Rate limiter backends
const (
	RateLimitBolt  = "bolt"
	RateLimitRedis = "redis"
)

// Config is the main configuration structure
type Config struct {
	Logging   LoggingConfig                 `yaml:"logging"`
	Storage   StorageConfig                 `yaml:"storage"`
	Leads     LeadsConfig                   `yaml:"leads"`
	Dispatch  dispatch.Config               `yaml:"dispatch"`
	RateLimit RateLimitConfig               `yaml:"rate_limit"`
	FollowUp  FollowUpConfig                `yaml:"follow_up"`
	API       APIConfig                     `yaml:"api"`
	Metrics   MetricsConfig                 `yaml:"metrics"`
	Providers map[string]provider.Config    `yaml:"providers"`
	Templates map[string]*template.Template `yaml:"templates"`
	Campaigns map[string]*campaign.Campaign `yaml:"campaigns"`

	// Secrets are read from the environment, never from YAML
	Secrets Secrets `yaml:"-"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StorageConfig locates the bbolt database holding the queue, rate limit
// counters and sandbox captures
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LeadsConfig locates the SQLite lead database
type LeadsConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig selects and configures the send limiter. Per-campaign
// limits come from the campaigns.
type RateLimitConfig struct {
	Backend       string        `yaml:"backend"` // bolt, redis
	Global        int           `yaml:"global"`
	Window        time.Duration `yaml:"window"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig contains settings of the shared limiter
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// FollowUpConfig controls periodic follow-up scheduling in serve mode
type FollowUpConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// APIConfig contains HTTP control API settings
type APIConfig struct {
	Enabled        bool             `yaml:"enabled"`
	ListenAddr     string           `yaml:"listen_addr"`
	MaxHeaderBytes int              `yaml:"max_header_bytes"` // default: 1MB
	ReadTimeout    time.Duration    `yaml:"read_timeout"`
	WriteTimeout   time.Duration    `yaml:"write_timeout"`
	IdleTimeout    time.Duration    `yaml:"idle_timeout"`
	AllowedIPs     []string         `yaml:"allowed_ips"` // empty = allow all
	TrustProxy     bool             `yaml:"trust_proxy"`
	TLS            tlsconf.Settings `yaml:"tls"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // default: :9090
	Path          string        `yaml:"path"`           // default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// Load loads configuration from a YAML file and secrets from the environment
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, err
	}
	cfg.Secrets = *secrets

	if cfg.API.Enabled && cfg.Secrets.APIKey == "" {
		return nil, fmt.Errorf("invalid configuration: %s must be set when the api is enabled", envAPIKey)
	}

	return cfg, nil
}

// Parse decodes, defaults and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/leadmail/leadmail.db"
	}
	if c.Leads.Path == "" {
		c.Leads.Path = "/var/lib/leadmail/leads.db"
	}

	c.Dispatch.SetDefaults()

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = RateLimitBolt
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Hour
	}
	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}
	if c.RateLimit.Redis.Prefix == "" {
		c.RateLimit.Redis.Prefix = "leadmail:ratelimit:"
	}

	if c.FollowUp.Interval == 0 {
		c.FollowUp.Interval = time.Hour
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		// a dispatch request may run a whole batch
		c.API.WriteTimeout = 5 * time.Minute
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	for name, p := range c.Providers {
		p.SetDefaults()
		c.Providers[name] = p
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Dispatch.RetryMax < c.Dispatch.RetryBase {
		return fmt.Errorf("dispatch.retry_max must not be shorter than dispatch.retry_base")
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
	}

	for id, camp := range c.Campaigns {
		if camp == nil {
			return fmt.Errorf("campaigns.%s is empty", id)
		}
		if _, ok := c.Providers[camp.Provider]; !ok {
			return fmt.Errorf("campaigns.%s: unknown provider %q", id, camp.Provider)
		}
	}
	for id, t := range c.Templates {
		if t == nil {
			return fmt.Errorf("templates.%s is empty", id)
		}
	}

	if err := c.API.TLS.Validate(); err != nil {
		return fmt.Errorf("api.tls: %w", err)
	}

	if _, err := c.Catalog(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateRateLimit() error {
	rl := c.RateLimit
	switch rl.Backend {
	case RateLimitBolt:
	case RateLimitRedis:
		if rl.Redis.URL == "" {
			return fmt.Errorf("rate_limit.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid rate_limit.backend: %s (must be bolt or redis)", rl.Backend)
	}
	if rl.Global < 0 {
		return fmt.Errorf("rate_limit.global must not be negative")
	}
	return nil
}

// Catalog builds the campaign catalog from the configured campaigns and templates
func (c *Config) Catalog() (*campaign.Catalog, error) {
	return campaign.NewCatalog(c.Campaigns, c.Templates)
}

// Limits returns the limiter configuration with per-campaign limits
// converted to the configured window
func (c *Config) Limits() *ratelimit.Config {
	cfg := &ratelimit.Config{
		Global:        c.RateLimit.Global,
		Window:        c.RateLimit.Window,
		FlushInterval: c.RateLimit.FlushInterval,
		Campaigns:     make(map[string]int),
	}
	for id, camp := range c.Campaigns {
		if camp.RateLimitPerHour <= 0 {
			continue
		}
		cfg.Campaigns[id] = c.PerWindow(camp.RateLimitPerHour)
	}
	return cfg
}

// PerWindow converts an hourly send count to the configured window, minimum 1
func (c *Config) PerWindow(perHour int) int {
	limit := int(float64(perHour) * c.RateLimit.Window.Hours())
	if limit < 1 {
		limit = 1
	}
	return limit
}
