package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v2"
)

// Resend delivers through the Resend API
type Resend struct {
	name   string
	client *resend.Client
}

// NewResend creates a Resend provider
func NewResend(name string, cfg Config, creds Credentials) (*Resend, error) {
	if creds.APIKey == "" {
		return nil, fmt.Errorf("%w: resend api key is required", ErrInvalidConfig)
	}

	client := resend.NewClient(creds.APIKey)
	if cfg.Endpoint != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
		}
		client.BaseURL = base
	}

	return &Resend{name: name, client: client}, nil
}

// Name returns the configured provider name
func (p *Resend) Name() string {
	return p.name
}

// Send submits the message through the API
func (p *Resend) Send(ctx context.Context, msg *Message) Outcome {
	req := &resend.SendEmailRequest{
		From:    msg.From.String(),
		To:      []string{msg.To.String()},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
		Tags: []resend.Tag{
			{Name: "campaign", Value: sesTagValue(msg.CampaignID)},
			{Name: "stage", Value: sesTagValue(msg.Stage)},
		},
	}

	sent, err := p.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return classifyResend(err)
	}
	return Delivered(sent.Id)
}

// classifyResend works from the error text since the client does not
// expose the HTTP status as a typed error.
func classifyResend(err error) Outcome {
	reason := fmt.Sprintf("resend send failed: %v", err)

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(reason)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "too many requests", "429", "internal server error", "500", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return Transient(reason)
		}
	}
	for _, marker := range []string{"validation", "invalid", "api key", "unauthorized", "forbidden", "not found", "401", "403", "404", "422"} {
		if strings.Contains(msg, marker) {
			return Permanent(reason)
		}
	}

	return Transient(reason)
}
