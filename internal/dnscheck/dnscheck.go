// Package dnscheck verifies that a sender domain publishes the records
// receiving servers look at before accepting campaign mail.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strings"
)

var (
	ErrInvalidDomain  = errors.New("invalid domain name")
	ErrInvalidAddress = errors.New("invalid sender address")
)

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// ValidateDomain checks domain name syntax
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return nil
}

// SenderDomain returns the lowercased domain of a sender address
func SenderDomain(address string) (string, error) {
	addr, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	domain := strings.ToLower(addr.Address[at+1:])
	if err := ValidateDomain(domain); err != nil {
		return "", err
	}
	return domain, nil
}

// Resolver is the subset of net.Resolver the checks use
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Result is the outcome of one record check
type Result struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report collects all checks for a sender domain
type Report struct {
	Domain  string   `json:"domain"`
	Results []Result `json:"results"`
}

// Ready reports whether every check passed, warnings allowed
func (r *Report) Ready() bool {
	for _, res := range r.Results {
		if res.Status == StatusError || res.Status == StatusNotFound {
			return false
		}
	}
	return true
}

// Checker runs DNS checks against a resolver
type Checker struct {
	resolver Resolver
}

// NewChecker creates a checker. A nil resolver uses the system resolver.
func NewChecker(r Resolver) *Checker {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Checker{resolver: r}
}

// Check verifies MX, SPF and DMARC for domain, and DKIM when a selector is given
func (c *Checker) Check(ctx context.Context, domain, selector string) (*Report, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if selector != "" && !selectorRegex.MatchString(selector) {
		return nil, fmt.Errorf("invalid dkim selector %q", selector)
	}

	report := &Report{Domain: domain}
	report.Results = append(report.Results,
		c.checkMX(ctx, domain),
		c.checkSPF(ctx, domain),
	)
	if selector != "" {
		report.Results = append(report.Results, c.checkDKIM(ctx, domain, selector))
	}
	report.Results = append(report.Results, c.checkDMARC(ctx, domain))

	return report, nil
}

func lookupFailed(res Result, err error, missing string) Result {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		res.Status = StatusNotFound
		res.Message = missing
		return res
	}
	res.Status = StatusError
	res.Message = fmt.Sprintf("lookup failed: %v", err)
	return res
}

// Replies and bounces to the sender need somewhere to land
func (c *Checker) checkMX(ctx context.Context, domain string) Result {
	res := Result{Type: "MX"}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		return lookupFailed(res, err, "no MX records, replies cannot be received")
	}
	if len(records) == 0 {
		res.Status = StatusNotFound
		res.Message = "no MX records, replies cannot be received"
		return res
	}

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, fmt.Sprintf("%s (%d)", strings.TrimSuffix(mx.Host, "."), mx.Pref))
	}
	res.Status = StatusOK
	res.Value = strings.Join(hosts, ", ")
	return res
}

func (c *Checker) checkSPF(ctx context.Context, domain string) Result {
	res := Result{Type: "SPF"}

	records, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil {
		return lookupFailed(res, err, "no SPF record")
	}

	var spf []string
	for _, txt := range records {
		if strings.HasPrefix(txt, "v=spf1") {
			spf = append(spf, txt)
		}
	}

	switch {
	case len(spf) == 0:
		res.Status = StatusNotFound
		res.Message = "no SPF record"
	case len(spf) > 1:
		res.Status = StatusError
		res.Value = strings.Join(spf, " | ")
		res.Message = "multiple SPF records, receivers treat this as permerror"
	case strings.Contains(spf[0], "+all"):
		res.Status = StatusWarning
		res.Value = spf[0]
		res.Message = "+all authorizes any sender"
	default:
		res.Status = StatusOK
		res.Value = spf[0]
	}
	return res
}

func (c *Checker) checkDKIM(ctx context.Context, domain, selector string) Result {
	res := Result{Type: "DKIM"}
	name := selector + "._domainkey." + domain

	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		return lookupFailed(res, err, "no DKIM record at "+name)
	}

	record := strings.Join(records, "")
	res.Value = truncate(record, 80)
	switch {
	case !strings.Contains(record, "v=DKIM1"):
		res.Status = StatusWarning
		res.Message = "TXT record at " + name + " is not a DKIM key"
	case tagValue(record, "p") == "":
		res.Status = StatusError
		res.Message = "DKIM key is empty or revoked"
	default:
		res.Status = StatusOK
	}
	return res
}

func (c *Checker) checkDMARC(ctx context.Context, domain string) Result {
	res := Result{Type: "DMARC"}

	records, err := c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return lookupFailed(res, err, "no DMARC record")
	}

	record := strings.Join(records, "")
	res.Value = record
	switch {
	case !strings.HasPrefix(record, "v=DMARC1"):
		res.Status = StatusWarning
		res.Message = "TXT record at _dmarc is not a DMARC policy"
	case strings.Contains(record, "p=none"):
		res.Status = StatusWarning
		res.Message = "policy none only monitors"
	default:
		res.Status = StatusOK
	}
	return res
}

// tagValue returns the value of a tag in a tag=value; list
func tagValue(record, tag string) string {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
