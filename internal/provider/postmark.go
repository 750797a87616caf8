package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mrz1836/postmark"
)

// Postmark delivers through the Postmark transactional API
type Postmark struct {
	name   string
	cfg    Config
	client *postmark.Client
}

// NewPostmark creates a Postmark provider
func NewPostmark(name string, cfg Config, creds Credentials) (*Postmark, error) {
	if creds.ServerToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}

	client := postmark.NewClient(creds.ServerToken, creds.AccountToken)
	if cfg.Endpoint != "" {
		client.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}

	return &Postmark{name: name, cfg: cfg, client: client}, nil
}

// Name returns the configured provider name
func (p *Postmark) Name() string {
	return p.name
}

// Send submits the message through the API
func (p *Postmark) Send(ctx context.Context, msg *Message) Outcome {
	email := postmark.Email{
		From:          msg.From.String(),
		To:            msg.To.String(),
		ReplyTo:       msg.ReplyTo,
		Subject:       msg.Subject,
		Tag:           msg.CampaignID,
		HTMLBody:      msg.HTML,
		TextBody:      msg.Text,
		TrackOpens:    p.cfg.TrackOpens,
		MessageStream: p.cfg.MessageStream,
		Metadata: map[string]string{
			"entry_id": msg.ID,
			"stage":    msg.Stage,
		},
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		email.Headers = append(email.Headers, postmark.Header{Name: k, Value: msg.Headers[k]})
	}

	resp, err := p.client.SendEmail(ctx, email)
	return classifyPostmark(resp, err)
}

// classifyPostmark maps the API error code to a verdict. The client reports
// rejected requests as a postmark.APIError; a 200 reply can still carry a
// non-zero ErrorCode. Only maintenance (100) and rate limiting (429) are
// retried; token, signature, inactive recipient and validation codes are final.
func classifyPostmark(resp postmark.EmailResponse, err error) Outcome {
	var apiErr postmark.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == 0 {
			return Transient(fmt.Sprintf("postmark request failed: %s", apiErr.Message))
		}
		return classifyPostmarkCode(apiErr.ErrorCode, apiErr.Message)
	}
	if err != nil {
		return Transient(fmt.Sprintf("postmark request failed: %v", err))
	}
	if resp.ErrorCode != 0 {
		return classifyPostmarkCode(resp.ErrorCode, resp.Message)
	}
	return Delivered(resp.MessageID)
}

func classifyPostmarkCode(code int64, message string) Outcome {
	reason := fmt.Sprintf("postmark error %d: %s", code, message)
	switch code {
	case 100, 429:
		return Transient(reason)
	}
	return Permanent(reason)
}
