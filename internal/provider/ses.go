package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// SESClient is the subset of the SES v2 API used for sending
type SESClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES delivers through Amazon SES v2
type SES struct {
	name   string
	cfg    Config
	client SESClient
}

// NewSES creates an SES provider. Static credentials are used when given,
// otherwise the default AWS credential chain applies.
func NewSES(ctx context.Context, name string, cfg Config, creds Credentials) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS config: %v", ErrInvalidConfig, err)
	}

	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewSESWithClient(name, cfg, client), nil
}

// NewSESWithClient creates an SES provider around an existing client
func NewSESWithClient(name string, cfg Config, client SESClient) *SES {
	return &SES{name: name, cfg: cfg, client: client}
}

// Name returns the configured provider name
func (p *SES) Name() string {
	return p.name
}

// Send submits the message as simple content
func (p *SES) Send(ctx context.Context, msg *Message) Outcome {
	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From.String()),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To.String()},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
				Headers: sesHeaders(msg.Headers),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign"), Value: aws.String(sesTagValue(msg.CampaignID))},
			{Name: aws.String("stage"), Value: aws.String(sesTagValue(msg.Stage))},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if p.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(p.cfg.ConfigurationSet)
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return classifySES(err)
	}
	return Delivered(aws.ToString(out.MessageId))
}

func sesHeaders(headers map[string]string) []types.MessageHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.MessageHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(headers[k])})
	}
	return out
}

// sesTagValue keeps only characters SES accepts in tag values
func sesTagValue(v string) string {
	b := []byte(v)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			b[i] = '_'
		}
	}
	if len(b) == 0 {
		return "none"
	}
	return string(b)
}

// classifySES maps SES API error codes to outcomes. Throttling and
// service-side faults are retried, account and content problems are not.
// An unrecognized code is final only when the SDK attributes it to the client.
func classifySES(err error) Outcome {
	reason := fmt.Sprintf("ses send failed: %v", err)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "Throttling",
			"ThrottlingException", "InternalFailure", "ServiceUnavailable":
			return Transient(reason)
		case "MessageRejected", "MailFromDomainNotVerifiedException", "AccountSuspendedException",
			"SendingPausedException", "BadRequestException", "NotFoundException",
			"AccessDeniedException", "UnrecognizedClientException", "InvalidClientTokenId",
			"SignatureDoesNotMatch":
			return Permanent(reason)
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return Permanent(reason)
		}
		return Transient(reason)
	}

	return Transient(reason)
}
