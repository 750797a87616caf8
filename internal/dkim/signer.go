package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are covered by every signature. List-Unsubscribe is
// included so receivers can trust one-click unsubscribe links.
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID",
	"Reply-To", "MIME-Version", "Content-Type", "List-Unsubscribe",
}

// Signer adds a DKIM-Signature header to outgoing messages
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// NewSigner creates a signer for domain and selector
func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{key: key, domain: domain, selector: selector}
}

// NewSignerFromFile loads the key at path and creates a signer
func NewSignerFromFile(path, domain, selector string) (*Signer, error) {
	key, err := LoadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector), nil
}

// Sign returns message with a relaxed/relaxed rsa-sha256 signature prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

// Domain returns the signing domain (d=)
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the selector (s=)
func (s *Signer) Selector() string {
	return s.selector
}
