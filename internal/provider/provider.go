// Package provider delivers rendered campaign messages through external
// mail transports and reports each attempt as one of three outcomes.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"
)

var (
	// ErrUnknownProvider is returned for provider names or kinds that are not configured
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInvalidConfig is returned when a provider cannot be built from its configuration
	ErrInvalidConfig = errors.New("invalid provider config")
)

// Kind selects a provider implementation
type Kind string

const (
	KindSMTP     Kind = "smtp"
	KindPostmark Kind = "postmark"
	KindSES      Kind = "ses"
	KindResend   Kind = "resend"
	KindSandbox  Kind = "sandbox"
)

// Kinds lists every supported provider kind
var Kinds = []Kind{KindSMTP, KindPostmark, KindSES, KindResend, KindSandbox}

// Status classifies the result of one send attempt
type Status int

const (
	StatusDelivered Status = iota
	StatusTransient
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusTransient:
		return "transient"
	case StatusPermanent:
		return "permanent"
	}
	return "unknown"
}

// Outcome is the classified result of a send attempt
type Outcome struct {
	Status    Status
	Reason    string
	MessageID string
}

// Delivered reports a message accepted by the provider
func Delivered(messageID string) Outcome {
	return Outcome{Status: StatusDelivered, MessageID: messageID}
}

// Transient reports a failure worth retrying later
func Transient(reason string) Outcome {
	return Outcome{Status: StatusTransient, Reason: reason}
}

// Permanent reports a failure that will not succeed on retry
func Permanent(reason string) Outcome {
	return Outcome{Status: StatusPermanent, Reason: reason}
}

// Address is an email address with an optional display name
type Address struct {
	Email string `yaml:"email" json:"email"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
}

// String formats the address for a message header
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Domain returns the lower-cased domain part of the address
func (a Address) Domain() string {
	at := strings.LastIndex(a.Email, "@")
	if at <= 0 || at == len(a.Email)-1 {
		return ""
	}
	return strings.ToLower(a.Email[at+1:])
}

// Message is a rendered message addressed to one lead
type Message struct {
	// ID is stable for a queue entry across retries
	ID         string
	CampaignID string
	Stage      string
	From       Address
	ReplyTo    string
	To         Address
	Subject    string
	Text       string
	HTML       string
	Headers    map[string]string
	Date       time.Time
}

// Provider sends one message. Send never returns an error: every failure
// is classified into the returned Outcome.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg *Message) Outcome
}

// Credentials hold provider secrets. They are supplied from the environment
// and must never be logged or persisted.
type Credentials struct {
	Password        string
	ServerToken     string
	AccountToken    string
	APIKey          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// String hides secrets from fmt
func (Credentials) String() string {
	return "[redacted]"
}

// LogValue hides secrets from slog
func (Credentials) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}
