package providers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-gateway/core"
	"github.com/goliatone/go-gateway/transport"
)

const KindAnthropic = "anthropic"

type CatalogOption func(*Catalog)

func WithHTTPClient(client *http.Client) CatalogOption {
	return func(c *Catalog) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithCallerRegistry(registry *transport.Registry) CatalogOption {
	return func(c *Catalog) {
		if registry != nil {
			c.registry = registry
		}
	}
}

func WithCatalogClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// Catalog turns provider configuration into refreshers and callers.
type Catalog struct {
	httpClient *http.Client
	registry   *transport.Registry
	now        func() time.Time
}

func NewCatalog(opts ...CatalogOption) *Catalog {
	catalog := &Catalog{}
	for _, opt := range opts {
		if opt != nil {
			opt(catalog)
		}
	}
	if catalog.registry == nil {
		catalog.registry = transport.NewRegistry()
		var doer transport.HTTPDoer
		if catalog.httpClient != nil {
			doer = catalog.httpClient
		}
		_ = catalog.registry.RegisterFactory(transport.KindREST, transport.RESTCallerFactory(doer))
	}
	_ = catalog.registry.RegisterFactory(KindAnthropic, catalog.anthropicFactory)
	return catalog
}

// Refreshers builds one OAuth2 refresher per provider that declares a token
// url. Providers without one can only be re-authorized externally.
func (c *Catalog) Refreshers(cfg core.Config) (map[string]core.Refresher, error) {
	out := map[string]core.Refresher{}
	for _, providerID := range sortedProviderIDs(cfg) {
		providerCfg, _ := cfg.Provider(providerID)
		if strings.TrimSpace(providerCfg.OAuth.TokenURL) == "" {
			continue
		}
		refresherCfg := OAuth2RefresherConfig{
			ProviderID:   providerID,
			TokenURL:     providerCfg.OAuth.TokenURL,
			ClientID:     providerCfg.OAuth.ClientID,
			ClientSecret: providerCfg.OAuth.ClientSecret,
			Scopes:       providerCfg.OAuth.Scopes,
			JSONBody:     providerCfg.OAuth.JSONBody,
			Now:          c.now,
		}
		if c.httpClient != nil {
			refresherCfg.HTTPClient = c.httpClient
		}
		refresher, err := NewOAuth2Refresher(refresherCfg)
		if err != nil {
			return nil, err
		}
		out[providerID] = refresher
	}
	return out, nil
}

// Callers builds a caller for every provider with an endpoint or a kind.
func (c *Catalog) Callers(cfg core.Config) (map[string]core.ProviderCaller, error) {
	out := map[string]core.ProviderCaller{}
	for _, providerID := range sortedProviderIDs(cfg) {
		providerCfg, _ := cfg.Provider(providerID)
		if strings.TrimSpace(providerCfg.Kind) == "" && strings.TrimSpace(providerCfg.Endpoint) == "" {
			continue
		}
		caller, err := c.registry.Build(providerID, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("providers: build caller for %q: %w", providerID, err)
		}
		out[providerID] = caller
	}
	return out, nil
}

// Options returns service options registering every built refresher and caller.
func (c *Catalog) Options(cfg core.Config) ([]core.Option, error) {
	refreshers, err := c.Refreshers(cfg)
	if err != nil {
		return nil, err
	}
	callers, err := c.Callers(cfg)
	if err != nil {
		return nil, err
	}
	opts := make([]core.Option, 0, len(refreshers)+len(callers))
	for providerID, refresher := range refreshers {
		opts = append(opts, core.WithRefresher(providerID, refresher))
	}
	for providerID, caller := range callers {
		opts = append(opts, core.WithCaller(providerID, caller))
	}
	return opts, nil
}

func (c *Catalog) anthropicFactory(_ string, cfg core.ProviderConfig) (core.ProviderCaller, error) {
	return NewAnthropicCaller(AnthropicCallerConfig{
		BaseURL:    cfg.Endpoint,
		HTTPClient: c.httpClient,
	}), nil
}

func sortedProviderIDs(cfg core.Config) []string {
	ids := cfg.ProviderIDs()
	sort.Strings(ids)
	return ids
}
