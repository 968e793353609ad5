package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-gateway/core"
)

// CallerFactory builds the caller for one configured provider.
type CallerFactory func(providerID string, cfg core.ProviderConfig) (core.ProviderCaller, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]CallerFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]CallerFactory{}}
}

// NewDefaultRegistry knows the rest kind, which is also used when a provider
// declares no kind.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.RegisterFactory(KindREST, RESTCallerFactory(nil))
	return registry
}

func RESTCallerFactory(client HTTPDoer) CallerFactory {
	return func(providerID string, cfg core.ProviderConfig) (core.ProviderCaller, error) {
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, fmt.Errorf("transport: provider %q requires an endpoint", providerID)
		}
		caller := NewRESTCaller(cfg.Endpoint, client)
		caller.APIKeyHeader = cfg.APIKeyHeader
		return caller, nil
	}
}

func (r *Registry) RegisterFactory(kind string, factory CallerFactory) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	kind = normalizeKind(kind)
	if kind == "" {
		return fmt.Errorf("transport: caller kind is required")
	}
	if factory == nil {
		return fmt.Errorf("transport: caller factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("transport: caller kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

func (r *Registry) Build(providerID string, cfg core.ProviderConfig) (core.ProviderCaller, error) {
	if r == nil {
		return nil, fmt.Errorf("transport: registry is nil")
	}
	kind := normalizeKind(cfg.Kind)
	if kind == "" {
		kind = KindREST
	}

	r.mu.RLock()
	factory := r.factories[kind]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("transport: caller kind %q not registered", kind)
	}
	built, err := factory(providerID, cfg)
	if err != nil {
		return nil, err
	}
	if built == nil {
		return nil, fmt.Errorf("transport: factory for %q returned nil caller", kind)
	}
	return built, nil
}

func (r *Registry) Kinds() []string {
	if r == nil {
		return []string{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func normalizeKind(kind string) string {
	return strings.TrimSpace(strings.ToLower(kind))
}
