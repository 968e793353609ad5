package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig    Config
	logger           Logger
	loggerProvider   LoggerProvider
	metricsRecorder  MetricsRecorder
	errorMapper      ErrorMapper
	configProvider   ConfigProvider
	optionsResolver  OptionsResolver
	credentialStore  CredentialStore
	cooldownTracker  CooldownTracker
	refreshers       map[string]Refresher
	callers          map[string]ProviderCaller
	apiKeyResolver   APIKeyResolver
	backoffScheduler BackoffScheduler
	waiter           Waiter
	clock            func() time.Time
	tracer           trace.Tracer
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *serviceBuilder) {
		b.credentialStore = store
	}
}

func WithCooldownTracker(tracker CooldownTracker) Option {
	return func(b *serviceBuilder) {
		b.cooldownTracker = tracker
	}
}

func WithRefresher(providerID string, refresher Refresher) Option {
	return func(b *serviceBuilder) {
		if refresher == nil {
			return
		}
		if b.refreshers == nil {
			b.refreshers = map[string]Refresher{}
		}
		b.refreshers[normalizeProviderID(providerID)] = refresher
	}
}

func WithCaller(providerID string, caller ProviderCaller) Option {
	return func(b *serviceBuilder) {
		if caller == nil {
			return
		}
		if b.callers == nil {
			b.callers = map[string]ProviderCaller{}
		}
		b.callers[normalizeProviderID(providerID)] = caller
	}
}

func WithAPIKeyResolver(resolver APIKeyResolver) Option {
	return func(b *serviceBuilder) {
		b.apiKeyResolver = resolver
	}
}

// WithBackoffScheduler overrides the per-provider schedulers derived from
// the retry configuration.
func WithBackoffScheduler(scheduler BackoffScheduler) Option {
	return func(b *serviceBuilder) {
		b.backoffScheduler = scheduler
	}
}

func WithWaiter(waiter Waiter) Option {
	return func(b *serviceBuilder) {
		b.waiter = waiter
	}
}

func WithClock(clock func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(b *serviceBuilder) {
		b.tracer = tracer
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("gateway", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		refreshers:      map[string]Refresher{},
		callers:         map[string]ProviderCaller{},
		waiter:          waitWithContext,
		clock:           time.Now,
		tracer:          otel.Tracer("github.com/goliatone/go-gateway/core"),
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return gatewayErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer, err := configToLayerMap(defaults)
	if err != nil {
		return Config{}, err
	}
	loadedLayer, err := configToLayerMap(loaded)
	if err != nil {
		return Config{}, err
	}
	runtimeLayer, err := configToLayerMap(runtime)
	if err != nil {
		return Config{}, err
	}

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap flattens cfg into a layer map. Zero values are dropped by
// the omitempty tags so an empty runtime layer never masks loaded values.
func configToLayerMap(cfg Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("core: encode config layer: %w", err)
	}
	layer := map[string]any{}
	if err := json.Unmarshal(raw, &layer); err != nil {
		return nil, fmt.Errorf("core: decode config layer: %w", err)
	}
	return layer, nil
}
