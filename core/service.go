package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goliatone/go-gateway/ratelimit"
	glog "github.com/goliatone/go-logger/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Service is the invocation gateway: it routes calls across provider
// candidates and owns the credential lifecycle through its OAuthManager.
type Service struct {
	observer

	config          Config
	loggerProvider  LoggerProvider
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver

	credentialStore  CredentialStore
	oauth            *OAuthManager
	cooldownTracker  CooldownTracker
	callers          map[string]ProviderCaller
	apiKeyResolver   APIKeyResolver
	backoffScheduler BackoffScheduler
	waiter           Waiter
	limiter          *ConcurrencyLimiter
	tracer           trace.Tracer
}

type ServiceDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorMapper     ErrorMapper
	ConfigProvider  ConfigProvider
	OptionsResolver OptionsResolver
	CredentialStore CredentialStore
	CooldownTracker CooldownTracker
	APIKeyResolver  APIKeyResolver
	OAuthManager    *OAuthManager
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("gateway", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("gateway"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = time.Now
	}
	clock := func() time.Time { return builder.clock().UTC() }
	if builder.waiter == nil {
		builder.waiter = waitWithContext
	}
	if builder.credentialStore == nil {
		builder.credentialStore = NewMemoryCredentialStore()
	}
	if builder.cooldownTracker == nil {
		tracker := ratelimit.NewCooldownTracker()
		tracker.Now = clock
		builder.cooldownTracker = tracker
	}
	if builder.tracer == nil {
		builder.tracer = otel.Tracer("github.com/goliatone/go-gateway/core")
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	oauth, err := NewOAuthManager(builder.credentialStore, builder.refreshers, OAuthManagerConfig{
		RefreshThreshold: finalConfig.RefreshThreshold(),
		RefreshTimeout:   finalConfig.RefreshTimeout(),
		Logger:           logger,
		MetricsRecorder:  builder.metricsRecorder,
		Now:              clock,
	})
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	return &Service{
		observer: observer{
			logger:          logger,
			metricsRecorder: builder.metricsRecorder,
			now:             clock,
		},
		config:           finalConfig,
		loggerProvider:   provider,
		errorMapper:      builder.errorMapper,
		configProvider:   builder.configProvider,
		optionsResolver:  builder.optionsResolver,
		credentialStore:  builder.credentialStore,
		oauth:            oauth,
		cooldownTracker:  builder.cooldownTracker,
		callers:          builder.callers,
		apiKeyResolver:   builder.apiKeyResolver,
		backoffScheduler: builder.backoffScheduler,
		waiter:           builder.waiter,
		limiter:          NewConcurrencyLimiter(finalConfig.Concurrency),
		tracer:           builder.tracer,
	}, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	if mapped := s.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metricsRecorder,
		ErrorMapper:     s.errorMapper,
		ConfigProvider:  s.configProvider,
		OptionsResolver: s.optionsResolver,
		CredentialStore: s.credentialStore,
		CooldownTracker: s.cooldownTracker,
		APIKeyResolver:  s.apiKeyResolver,
		OAuthManager:    s.oauth,
	}
}

func (s *Service) OAuth() *OAuthManager {
	if s == nil {
		return nil
	}
	return s.oauth
}

func (s *Service) GetValidToken(ctx context.Context, providerID string) (credential Credential, err error) {
	startedAt := s.clock()
	fields := map[string]any{"provider_id": normalizeProviderID(providerID)}
	defer func() {
		if err == nil {
			fields["credential_kind"] = string(credential.Kind)
		}
		s.observeOperation(ctx, startedAt, "get_valid_token", err, fields)
	}()
	if _, ok := s.config.Provider(providerID); !ok {
		return Credential{}, NewProviderNotFoundError(normalizeProviderID(providerID))
	}
	credential, err = s.oauth.GetValidToken(ctx, providerID)
	if err != nil {
		return Credential{}, s.mapError(err)
	}
	return credential, nil
}

// Authorize stores a credential obtained outside the gateway, such as a
// completed browser login, and resets the provider to valid.
func (s *Service) Authorize(ctx context.Context, providerID string, credential Credential) error {
	if _, ok := s.config.Provider(providerID); !ok {
		return NewProviderNotFoundError(normalizeProviderID(providerID))
	}
	return s.mapError(s.oauth.Authorize(ctx, providerID, credential))
}

func (s *Service) Logout(ctx context.Context, providerID string) error {
	if _, ok := s.config.Provider(providerID); !ok {
		return NewProviderNotFoundError(normalizeProviderID(providerID))
	}
	return s.mapError(s.oauth.Logout(ctx, providerID))
}

func (s *Service) Refresh(ctx context.Context, providerID string) (Credential, error) {
	if _, ok := s.config.Provider(providerID); !ok {
		return Credential{}, NewProviderNotFoundError(normalizeProviderID(providerID))
	}
	credential, err := s.oauth.ForceRefresh(ctx, providerID)
	if err != nil {
		return Credential{}, s.mapError(err)
	}
	return credential, nil
}

// Describe reports the lifecycle state and per-tier cooldown of a provider.
// The stored credential is read, never refreshed, when the manager has not
// seen one yet.
func (s *Service) Describe(ctx context.Context, providerID string) (ProviderStatus, error) {
	providerID = normalizeProviderID(providerID)
	providerCfg, ok := s.config.Provider(providerID)
	if !ok {
		return ProviderStatus{}, NewProviderNotFoundError(providerID)
	}

	state := s.oauth.State(providerID)
	status := ProviderStatus{
		ProviderID:        providerID,
		State:             state.Kind,
		CooldownRemaining: make(map[string]time.Duration, len(providerCfg.Tiers)),
		LastError:         state.LastError,
		UpdatedAt:         state.UpdatedAt,
	}
	for _, tier := range providerCfg.Tiers {
		name := normalizeTier(tier.Name)
		status.CooldownRemaining[name] = s.cooldownTracker.RemainingCooldown(providerID, name)
	}

	credential := state.Credential
	if credential == nil {
		stored, err := s.oauth.Inspect(ctx, providerID)
		if err == nil {
			credential = &stored
			if status.State == CredentialStateUnauthenticated {
				status.State = CredentialStateValid
				if stored.ExpiresAt != nil && !stored.ExpiresAt.After(s.clock()) && !stored.HasRefreshSecret() {
					status.State = CredentialStateUnauthenticated
				}
			}
		} else if ClassifyError(err) == ClassificationStorageUnavailable {
			status.LastError = err.Error()
		}
	}
	if credential != nil {
		status.CredentialKind = credential.Kind
		status.ExpiresAt = cloneTimePointer(credential.ExpiresAt)
	}
	if providerCfg.APIKeyFallback && s.apiKeyResolver != nil {
		_, status.APIKeyFallback = s.apiKeyResolver.ResolveAPIKey(providerID)
	}
	return status, nil
}

func (s *Service) Status(ctx context.Context) ([]ProviderStatus, error) {
	ids := s.config.ProviderIDs()
	out := make([]ProviderStatus, 0, len(ids))
	for _, providerID := range ids {
		status, err := s.Describe(ctx, providerID)
		if err != nil {
			return nil, fmt.Errorf("core: describe %s: %w", providerID, err)
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (s *Service) schedulerFor(providerID string) BackoffScheduler {
	if s.backoffScheduler != nil {
		return s.backoffScheduler
	}
	return s.config.RetryFor(providerID).Scheduler()
}
