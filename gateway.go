package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-gateway/core"
	"github.com/goliatone/go-gateway/providers"
	"github.com/goliatone/go-gateway/security"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type Credential = core.Credential
type CredentialKind = core.CredentialKind
type CredentialStore = core.CredentialStore
type CredentialBackend = core.CredentialBackend
type CredentialState = core.CredentialState
type ProviderStatus = core.ProviderStatus
type ProviderConfig = core.ProviderConfig
type TierConfig = core.TierConfig
type CandidateConfig = core.CandidateConfig

type InvocationRequest = core.InvocationRequest
type InvocationResult = core.InvocationResult
type GatewayError = core.GatewayError
type Classification = core.Classification

var (
	WithLogger           = core.WithLogger
	WithLoggerProvider   = core.WithLoggerProvider
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithErrorMapper      = core.WithErrorMapper
	WithConfigProvider   = core.WithConfigProvider
	WithOptionsResolver  = core.WithOptionsResolver
	WithCredentialStore  = core.WithCredentialStore
	WithCooldownTracker  = core.WithCooldownTracker
	WithRefresher        = core.WithRefresher
	WithCaller           = core.WithCaller
	WithAPIKeyResolver   = core.WithAPIKeyResolver
	WithBackoffScheduler = core.WithBackoffScheduler
	WithWaiter           = core.WithWaiter
	WithClock            = core.WithClock
	WithTracer           = core.WithTracer
)

// DefaultConfig extends the core defaults with the built-in providers, a
// fallback chain across them and the per-model concurrency limits.
func DefaultConfig() Config {
	cfg := core.DefaultConfig()
	cfg.Providers = map[string]ProviderConfig{
		"gemini": {
			Tiers: []TierConfig{
				{Name: "flash", Model: "gemini-3-flash"},
				{Name: "pro", Model: "gemini-3-pro-high"},
			},
			Endpoint:       "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions",
			APIKeyFallback: true,
		},
		"openai": {
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Tiers: []TierConfig{
				{Name: "standard", Model: "gpt-5.2"},
			},
			APIKeyFallback: true,
		},
		"anthropic": {
			Kind: providers.KindAnthropic,
			Tiers: []TierConfig{
				{Name: "sonnet", Model: "claude-sonnet-4.5"},
				{Name: "opus", Model: "claude-opus-4"},
				{Name: "haiku", Model: "claude-haiku-4.5"},
			},
			APIKeyFallback: true,
		},
	}
	cfg.Routing.Fallback.Chain = []CandidateConfig{
		{Provider: "gemini", Tier: "flash"},
		{Provider: "openai", Tier: "standard"},
		{Provider: "anthropic", Tier: "sonnet"},
	}
	cfg.Concurrency.ModelLimits = map[string]int{
		"claude-opus-4":     2,
		"claude-sonnet-4.5": 5,
		"claude-haiku-4.5":  10,
		"gemini-3-flash":    10,
		"gemini-3-pro-high": 5,
		"gpt-5.2":           3,
	}
	return cfg
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

// SetupOption configures how Setup assembles stores, providers and config.
type SetupOption func(*setupOptions)

type setupOptions struct {
	configLoader   core.RawConfigLoader
	dotEnvFiles    []string
	httpClient     *http.Client
	sqlBackend     CredentialBackend
	keyring        CredentialBackend
	diagnostics    security.StoreDiagnosticHook
	serviceOptions []Option
}

// WithConfigFile loads the config layer from path (json, yaml or toml).
func WithConfigFile(path string) SetupOption {
	return func(o *setupOptions) {
		o.configLoader = core.NewFileConfigLoader(path)
	}
}

func WithConfigLoader(loader core.RawConfigLoader) SetupOption {
	return func(o *setupOptions) {
		if loader != nil {
			o.configLoader = loader
		}
	}
}

func WithDotEnvFiles(paths ...string) SetupOption {
	return func(o *setupOptions) {
		o.dotEnvFiles = append(o.dotEnvFiles, paths...)
	}
}

func WithHTTPClient(client *http.Client) SetupOption {
	return func(o *setupOptions) {
		o.httpClient = client
	}
}

// WithSQLBackend appends a shared SQL backend after the local backends.
func WithSQLBackend(backend CredentialBackend) SetupOption {
	return func(o *setupOptions) {
		o.sqlBackend = backend
	}
}

// WithKeyringBackend replaces the platform keyring backend.
func WithKeyringBackend(backend CredentialBackend) SetupOption {
	return func(o *setupOptions) {
		o.keyring = backend
	}
}

func WithStoreDiagnostics(hook security.StoreDiagnosticHook) SetupOption {
	return func(o *setupOptions) {
		o.diagnostics = hook
	}
}

// WithServiceOptions forwards options to the underlying service. They apply
// after the options Setup derives, so they win.
func WithServiceOptions(opts ...Option) SetupOption {
	return func(o *setupOptions) {
		o.serviceOptions = append(o.serviceOptions, opts...)
	}
}

// ResolveConfig merges DefaultConfig, the loaded config layer and runtime
// overrides, in that order of precedence.
func ResolveConfig(ctx context.Context, runtime Config, loader core.RawConfigLoader) (Config, error) {
	defaults := DefaultConfig()
	loaded, err := core.NewCfgxConfigProvider(loader).Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	resolved, err := core.GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// Setup builds a service wired with the credential backend chain, the
// provider catalog and the environment API-key resolver.
func Setup(ctx context.Context, runtime Config, opts ...SetupOption) (*Service, error) {
	options := setupOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg, err := ResolveConfig(ctx, runtime, options.configLoader)
	if err != nil {
		return nil, err
	}

	store, err := buildCredentialStore(cfg, options)
	if err != nil {
		return nil, err
	}

	catalogOpts := []providers.CatalogOption{}
	if options.httpClient != nil {
		catalogOpts = append(catalogOpts, providers.WithHTTPClient(options.httpClient))
	}
	providerOpts, err := providers.NewCatalog(catalogOpts...).Options(cfg)
	if err != nil {
		return nil, err
	}

	apiKeys := security.NewEnvAPIKeyResolver(cfg.Providers, security.WithDotEnvFiles(options.dotEnvFiles...))

	serviceOpts := []Option{
		core.WithCredentialStore(store),
		core.WithAPIKeyResolver(apiKeys),
	}
	serviceOpts = append(serviceOpts, providerOpts...)
	serviceOpts = append(serviceOpts, options.serviceOptions...)
	return core.NewService(cfg, serviceOpts...)
}

func buildCredentialStore(cfg Config, options setupOptions) (*security.ChainStore, error) {
	backends := make([]core.CredentialBackend, 0, 3)
	if !cfg.Storage.DisableKeyring {
		keyring := options.keyring
		if keyring == nil {
			keyring = security.NewKeyringBackend(cfg.Storage.KeyringService)
		}
		backends = append(backends, keyring)
	}
	if dir := strings.TrimSpace(cfg.Storage.Dir); dir != "" {
		fileBackend, err := security.NewEncryptedFileBackend(dir, security.WithLockTimeout(cfg.LockTimeout()))
		if err != nil {
			return nil, fmt.Errorf("gateway: file backend: %w", err)
		}
		backends = append(backends, fileBackend)
	}
	if options.sqlBackend != nil {
		backends = append(backends, options.sqlBackend)
	}

	chainOpts := []security.ChainOption{}
	if options.diagnostics != nil {
		chainOpts = append(chainOpts, security.WithStoreDiagnostics(options.diagnostics))
	}
	return security.NewChainStore(backends, chainOpts...)
}
