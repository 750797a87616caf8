package dnscheck

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	txt map[string][]string
	mx  map[string][]*net.MX
}

func notFound(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if r, ok := f.txt[name]; ok {
		return r, nil
	}
	return nil, notFound(name)
}

func (f *fakeResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	if r, ok := f.mx[name]; ok {
		return r, nil
	}
	return nil, notFound(name)
}

func statuses(r *Report) map[string]string {
	out := make(map[string]string)
	for _, res := range r.Results {
		out[res.Type] = res.Status
	}
	return out
}

func TestValidateDomain(t *testing.T) {
	for _, d := range []string{"example.com", "sub.example.com", "my-domain.com"} {
		assert.NoError(t, ValidateDomain(d), d)
	}
	for _, d := range []string{"", "example!.com", "-example.com", "example..com", "../etc/passwd", "example\x00.com"} {
		assert.ErrorIs(t, ValidateDomain(d), ErrInvalidDomain, d)
	}
}

func TestSenderDomain(t *testing.T) {
	d, err := SenderDomain("Sales <Sales@Example.COM>")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d)

	_, err = SenderDomain("not an address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestCheckReady(t *testing.T) {
	r := &fakeResolver{
		txt: map[string][]string{
			"example.com":                     {"google-site-verification=x", "v=spf1 include:_spf.example.net -all"},
			"leadmail._domainkey.example.com": {"v=DKIM1; k=rsa; ", "p=MIIBIjAN"},
			"_dmarc.example.com":              {"v=DMARC1; p=quarantine"},
		},
		mx: map[string][]*net.MX{"example.com": {{Host: "mx.example.com.", Pref: 10}}},
	}

	report, err := NewChecker(r).Check(context.Background(), "example.com", "leadmail")
	require.NoError(t, err)

	assert.True(t, report.Ready())
	assert.Equal(t, map[string]string{
		"MX": StatusOK, "SPF": StatusOK, "DKIM": StatusOK, "DMARC": StatusOK,
	}, statuses(report))
	assert.Equal(t, "mx.example.com (10)", report.Results[0].Value)
}

func TestCheckProblems(t *testing.T) {
	r := &fakeResolver{
		txt: map[string][]string{
			"example.com":               {"v=spf1 +all", "v=spf1 -all"},
			"s1._domainkey.example.com": {"v=DKIM1; p="},
			"_dmarc.example.com":        {"v=DMARC1; p=none"},
		},
	}

	report, err := NewChecker(r).Check(context.Background(), "example.com", "s1")
	require.NoError(t, err)

	assert.False(t, report.Ready())
	assert.Equal(t, map[string]string{
		"MX": StatusNotFound, "SPF": StatusError, "DKIM": StatusError, "DMARC": StatusWarning,
	}, statuses(report))
}

func TestCheckWithoutSelectorSkipsDKIM(t *testing.T) {
	report, err := NewChecker(&fakeResolver{}).Check(context.Background(), "example.com", "")
	require.NoError(t, err)

	assert.NotContains(t, statuses(report), "DKIM")
	assert.Len(t, report.Results, 3)
}

func TestCheckRejectsBadInput(t *testing.T) {
	c := NewChecker(&fakeResolver{})

	_, err := c.Check(context.Background(), "bad..domain", "")
	assert.ErrorIs(t, err, ErrInvalidDomain)

	_, err = c.Check(context.Background(), "example.com", "bad selector")
	assert.Error(t, err)
}
