package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/foxzi/leadmail/internal/sandbox"
	bolt "go.etcd.io/bbolt"
)

// Deps are shared resources some provider kinds need
type Deps struct {
	DB     *bolt.DB
	Logger *slog.Logger
}

// New builds a provider of the configured kind
func New(ctx context.Context, name string, cfg Config, creds Credentials, deps Deps) (Provider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("provider", name, "kind", string(cfg.Kind))

	switch cfg.Kind {
	case KindSMTP:
		return NewSMTP(name, cfg, creds, logger)
	case KindPostmark:
		return NewPostmark(name, cfg, creds)
	case KindSES:
		return NewSES(ctx, name, cfg, creds)
	case KindResend:
		return NewResend(name, cfg, creds)
	case KindSandbox:
		if deps.DB == nil {
			return nil, fmt.Errorf("%w: sandbox needs a database", ErrInvalidConfig)
		}
		storage, err := sandbox.NewStorage(deps.DB)
		if err != nil {
			return nil, err
		}
		sb := NewSandbox(name, storage, logger)
		sb.SetErrorSimulation(cfg.SimulateErrors)
		return sb, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnknownProvider, cfg.Kind)
}

// Registry holds the providers built for this process, by name
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns the provider registered under name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns registered provider names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
