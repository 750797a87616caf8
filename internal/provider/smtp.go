package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/leadmail/internal/dkim"
)

// SMTP delivers through an authenticated submission server
type SMTP struct {
	name   string
	cfg    Config
	creds  Credentials
	signer *dkim.Signer
	logger *slog.Logger
}

// NewSMTP creates an SMTP provider
func NewSMTP(name string, cfg Config, creds Credentials, logger *slog.Logger) (*SMTP, error) {
	p := &SMTP{
		name:   name,
		cfg:    cfg,
		creds:  creds,
		logger: logger,
	}

	if cfg.DKIM != nil {
		signer, err := dkim.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		p.signer = signer
	}

	return p, nil
}

// Name returns the configured provider name
func (p *SMTP) Name() string {
	return p.name
}

// Send submits the message over a fresh connection
func (p *SMTP) Send(ctx context.Context, msg *Message) Outcome {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))

	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Transient(fmt.Sprintf("connection failed to %s: %v", addr, err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	}

	tlsConfig := &tls.Config{
		ServerName:         p.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
	}

	var client *smtp.Client
	switch p.cfg.TLS {
	case TLSStartTLS:
		// the handshake resets the session, so EHLO below runs over TLS
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			if strings.Contains(err.Error(), "support STARTTLS") {
				return Permanent("server does not support STARTTLS")
			}
			return classifySMTP(err, "STARTTLS")
		}
	case TLSImplicit:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	default:
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	if err := client.Hello(p.cfg.HeloName); err != nil {
		return classifySMTP(err, "HELO")
	}

	if p.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return Permanent("server does not support AUTH")
		}
		if err := client.Auth(p.saslClient()); err != nil {
			return classifySMTP(err, "AUTH")
		}
	}

	data := BuildMIME(msg)
	if p.signer != nil {
		signed, err := p.signer.Sign(data)
		if err != nil {
			p.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", p.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	if err := client.SendMail(msg.From.Email, []string{msg.To.Email}, bytes.NewReader(data)); err != nil {
		return classifySMTP(err, "SEND")
	}

	client.Quit()

	return Delivered(strings.Trim(MessageIDHeader(msg), "<>"))
}

func (p *SMTP) saslClient() sasl.Client {
	if p.cfg.AuthMechanism == "login" {
		return sasl.NewLoginClient(p.cfg.Username, p.creds.Password)
	}
	return sasl.NewPlainClient("", p.cfg.Username, p.creds.Password)
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// classifySMTP maps a client error to an outcome. 5xx replies (including
// 535 authentication failures and 550 unknown recipients) are permanent,
// 4xx replies and network failures are transient.
func classifySMTP(err error, stage string) Outcome {
	reason := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return Permanent(reason)
		}
		return Transient(reason)
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return Permanent(reason)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(reason)
	}

	if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return Permanent(reason)
		}
	}

	return Transient(reason)
}
