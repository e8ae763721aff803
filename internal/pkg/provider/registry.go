package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/security"
)

var ErrUnsupportedType = errors.New("unsupported provider api type")

// Factory builds the adapter for one dialect from a provider's URL and plaintext key.
type Factory func(apiURL, apiKey string, timeout time.Duration) Adapter

// Resolver returns the adapter for a provider id.
type Resolver interface {
	For(ctx context.Context, providerID uint) (Adapter, error)
}

type cachedAdapter struct {
	adapter   Adapter
	updatedAt time.Time
}

// Registry resolves providers to ready-to-use adapters. Adapters are cached until the provider
// row changes.
type Registry struct {
	providers repository.ProviderRepository
	secret    string
	retry     RetryConfig
	factories map[string]Factory

	mu    sync.Mutex
	cache map[uint]cachedAdapter
}

// NewRegistry creates a registry that knows the v2 dialect.
func NewRegistry(providers repository.ProviderRepository, secret string, retry RetryConfig) *Registry {
	return &Registry{
		providers: providers,
		secret:    secret,
		retry:     retry,
		factories: map[string]Factory{
			models.PROVIDER_API_V2: func(apiURL, apiKey string, timeout time.Duration) Adapter {
				return NewV2Client(apiURL, apiKey, timeout)
			},
		},
		cache: map[uint]cachedAdapter{},
	}
}

// RegisterFactory adds or replaces a dialect.
func (r *Registry) RegisterFactory(apiType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(apiType)] = f
	r.cache = map[uint]cachedAdapter{}
}

func (r *Registry) For(ctx context.Context, providerID uint) (Adapter, error) {
	p, err := r.providers.GetByID(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("provider %d: %w", providerID, err)
	}
	if !p.Enabled {
		return nil, apperror.Permanent("resolve", fmt.Sprintf("provider %d is disabled", providerID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache[providerID]; ok && c.updatedAt.Equal(p.UpdatedAt) {
		return c.adapter, nil
	}

	apiType := strings.ToLower(strings.TrimSpace(p.APIType))
	if apiType == "" {
		apiType = models.PROVIDER_API_V2
	}
	factory, ok := r.factories[apiType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, p.APIType)
	}

	key := ""
	if p.APIKeyEnc != "" {
		key, err = security.OpenCredential(p.APIKeyEnc, r.secret)
		if err != nil {
			return nil, fmt.Errorf("provider %d credential: %w", providerID, err)
		}
	}

	adapter := WithRetry(factory(p.APIURL, key, r.retry.Timeout), r.retry)
	r.cache[providerID] = cachedAdapter{adapter: adapter, updatedAt: p.UpdatedAt}
	return adapter, nil
}

// Static resolves every provider id to fixed adapters. Used in tests and single-provider setups.
type Static map[uint]Adapter

func (s Static) For(_ context.Context, providerID uint) (Adapter, error) {
	a, ok := s[providerID]
	if !ok {
		return nil, fmt.Errorf("provider %d: %w", providerID, apperror.ErrNotFound)
	}
	return a, nil
}
