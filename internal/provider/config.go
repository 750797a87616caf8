package provider

import (
	"fmt"
	"time"
)

// TLS modes for the SMTP provider
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
	TLSNone     = "none"
)

// Config describes one configured provider. Secrets are not part of it.
type Config struct {
	Kind    Kind          `yaml:"kind"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// smtp
	Host               string      `yaml:"host,omitempty"`
	Port               int         `yaml:"port,omitempty"`
	TLS                string      `yaml:"tls,omitempty"`
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify,omitempty"`
	Username           string      `yaml:"username,omitempty"`
	AuthMechanism      string      `yaml:"auth,omitempty"`
	HeloName           string      `yaml:"helo_name,omitempty"`
	DKIM               *DKIMConfig `yaml:"dkim,omitempty"`

	// Endpoint overrides the API base URL of postmark, ses and resend
	Endpoint string `yaml:"endpoint,omitempty"`

	// postmark
	TrackOpens    bool   `yaml:"track_opens,omitempty"`
	MessageStream string `yaml:"message_stream,omitempty"`

	// ses
	Region           string `yaml:"region,omitempty"`
	ConfigurationSet string `yaml:"configuration_set,omitempty"`

	// sandbox
	SimulateErrors float64 `yaml:"simulate_errors,omitempty"`
}

// DKIMConfig enables DKIM signing for SMTP deliveries
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SetDefaults fills unset fields for the provider kind
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	switch c.Kind {
	case KindSMTP:
		if c.TLS == "" {
			c.TLS = TLSStartTLS
		}
		if c.Port == 0 {
			if c.TLS == TLSImplicit {
				c.Port = 465
			} else {
				c.Port = 587
			}
		}
		if c.AuthMechanism == "" {
			c.AuthMechanism = "plain"
		}
		if c.HeloName == "" {
			c.HeloName = "localhost"
		}
	case KindSES:
		if c.Region == "" {
			c.Region = "us-east-1"
		}
	}
}

// Validate checks the provider configuration
func (c *Config) Validate() error {
	switch c.Kind {
	case KindSMTP:
		if c.Host == "" {
			return fmt.Errorf("%w: smtp host is required", ErrInvalidConfig)
		}
		switch c.TLS {
		case TLSStartTLS, TLSImplicit, TLSNone:
		default:
			return fmt.Errorf("%w: unknown tls mode %q", ErrInvalidConfig, c.TLS)
		}
		switch c.AuthMechanism {
		case "plain", "login":
		default:
			return fmt.Errorf("%w: unknown auth mechanism %q", ErrInvalidConfig, c.AuthMechanism)
		}
		if c.DKIM != nil && (c.DKIM.Domain == "" || c.DKIM.Selector == "" || c.DKIM.KeyFile == "") {
			return fmt.Errorf("%w: dkim requires domain, selector and key_file", ErrInvalidConfig)
		}
	case KindPostmark, KindResend:
	case KindSES:
		if c.Region == "" {
			return fmt.Errorf("%w: ses region is required", ErrInvalidConfig)
		}
	case KindSandbox:
		if c.SimulateErrors < 0 || c.SimulateErrors > 1 {
			return fmt.Errorf("%w: simulate_errors must be between 0 and 1", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownProvider, c.Kind)
	}
	return nil
}
