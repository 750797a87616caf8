// Package tls builds server TLS settings for the control API
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// Settings selects how the API server obtains its certificate. Either a
// certificate pair or ACME may be configured, not both.
type Settings struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	ACME     ACME   `yaml:"acme"`
}

// ACME configures automatic certificates via the TLS-ALPN-01 challenge
type ACME struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
}

// Enabled reports whether TLS is configured at all
func (s Settings) Enabled() bool {
	return s.CertFile != "" || s.KeyFile != "" || s.ACME.Enabled
}

// Validate checks the settings without touching the filesystem
func (s Settings) Validate() error {
	manual := s.CertFile != "" || s.KeyFile != ""
	if manual && (s.CertFile == "" || s.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if manual && s.ACME.Enabled {
		return errors.New("cert_file and acme are mutually exclusive")
	}
	if s.ACME.Enabled {
		if len(s.ACME.Domains) == 0 {
			return errors.New("acme.domains is required")
		}
		if s.ACME.CacheDir == "" {
			return errors.New("acme.cache_dir is required")
		}
	}
	return nil
}

// ServerConfig returns the server TLS config, or nil when TLS is disabled
func ServerConfig(s Settings) (*tls.Config, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	if s.ACME.Enabled {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      s.ACME.Email,
			HostPolicy: autocert.HostWhitelist(s.ACME.Domains...),
			Cache:      autocert.DirCache(s.ACME.CacheDir),
		}
		cfg := m.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// CertificateInfo describes a certificate loaded from disk
type CertificateInfo struct {
	Subject  string
	NotAfter time.Time
	DaysLeft int
	DNSNames []string
}

// ReadCertificateInfo parses the first certificate of a PEM file
func ReadCertificateInfo(certFile string, now time.Time) (*CertificateInfo, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &CertificateInfo{
		Subject:  cert.Subject.CommonName,
		NotAfter: cert.NotAfter,
		DaysLeft: int(cert.NotAfter.Sub(now).Hours() / 24),
		DNSNames: cert.DNSNames,
	}, nil
}
