package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/foxzi/leadmail/internal/provider"
)

const envAPIKey = "LEADMAIL_API_KEY"

// Secrets are process-wide secrets taken from the environment
type Secrets struct {
	APIKey        string `env:"LEADMAIL_API_KEY"`
	RedisPassword string `env:"LEADMAIL_REDIS_PASSWORD"`
}

// providerEnv is the per-provider credential layout. Variables are
// prefixed with LEADMAIL_PROVIDER_<NAME>_.
type providerEnv struct {
	Password        string `env:"PASSWORD"`
	ServerToken     string `env:"SERVER_TOKEN"`
	AccountToken    string `env:"ACCOUNT_TOKEN"`
	APIKey          string `env:"API_KEY"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	SessionToken    string `env:"AWS_SESSION_TOKEN"`
}

// LoadEnvFiles loads .env style files into the environment. Missing files
// are ignored and variables already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadSecrets reads process secrets from the environment
func LoadSecrets() (*Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	return &s, nil
}

// ProviderEnvPrefix returns the environment prefix holding credentials of
// the named provider
func ProviderEnvPrefix(name string) string {
	name = strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || r == '.' || r == ' ' {
			return '_'
		}
		return r
	}, name))
	return "LEADMAIL_PROVIDER_" + name + "_"
}

// ProviderCredentials reads the credentials of the named provider from the
// environment
func ProviderCredentials(name string) (provider.Credentials, error) {
	var pe providerEnv
	if err := env.ParseWithOptions(&pe, env.Options{Prefix: ProviderEnvPrefix(name)}); err != nil {
		return provider.Credentials{}, fmt.Errorf("failed to read credentials of provider %s: %w", name, err)
	}
	return provider.Credentials{
		Password:        pe.Password,
		ServerToken:     pe.ServerToken,
		AccountToken:    pe.AccountToken,
		APIKey:          pe.APIKey,
		AccessKeyID:     pe.AccessKeyID,
		SecretAccessKey: pe.SecretAccessKey,
		SessionToken:    pe.SessionToken,
	}, nil
}
