package adapters

import (
	"maps"
	"slices"
	"strings"

	"github.com/smallbiznis/storeforge/internal/payment/domain"
)

// Registry resolves payment providers to the factory that builds their
// adapter. Later factories replace earlier ones with the same provider name.
type Registry struct {
	byName map[string]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	byName := make(map[string]domain.AdapterFactory, len(factories))
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		if name := providerKey(factory.Provider()); name != "" {
			byName[name] = factory
		}
	}
	return &Registry{byName: byName}
}

// NewAdapter builds the adapter for provider with cfg.Provider normalised.
func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	name := providerKey(provider)
	if r == nil || r.byName[name] == nil {
		return nil, domain.ErrProviderNotFound
	}
	cfg.Provider = name
	return r.byName[name].NewAdapter(cfg)
}

// Providers lists registered provider names in sorted order.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.byName))
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
