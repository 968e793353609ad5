package core

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

type fixedOptionsResolver struct {
	cfg Config
}

func (r *fixedOptionsResolver) Resolve(Config, Config, Config) (Config, error) {
	return r.cfg, nil
}

func TestNewService_DefaultDependencies(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	deps := svc.Dependencies()
	if deps.Logger == nil {
		t.Fatalf("expected default logger")
	}
	if deps.LoggerProvider == nil {
		t.Fatalf("expected default logger provider")
	}
	if deps.ErrorMapper == nil {
		t.Fatalf("expected default error mapper")
	}
	if deps.ConfigProvider == nil {
		t.Fatalf("expected default config provider")
	}
	if deps.OptionsResolver == nil {
		t.Fatalf("expected default options resolver")
	}
	if deps.CredentialStore == nil || deps.CooldownTracker == nil || deps.OAuthManager == nil {
		t.Fatalf("expected default credential store, cooldown tracker and oauth manager")
	}
	if got := svc.Config().ServiceName; got != "gateway" {
		t.Fatalf("expected default config service_name=gateway, got %q", got)
	}
}

func TestNewService_WithXOverrides(t *testing.T) {
	customLogger := stubLogger{}
	customProvider := stubLoggerProvider{logger: customLogger}
	sentinel := errors.New("sentinel")
	customMapper := func(error) *goerrors.Error {
		return goerrors.Wrap(sentinel, goerrors.CategoryOperation, "mapped")
	}
	configProvider := &fixedConfigProvider{cfg: Config{ServiceName: "from-provider"}}
	optionsResolver := &fixedOptionsResolver{cfg: Config{ServiceName: "resolved"}}
	store := NewMemoryCredentialStore()
	keys := staticAPIKeys{"alpha": "sk"}

	svc, err := NewService(Config{ServiceName: "runtime"},
		WithLogger(customLogger),
		WithLoggerProvider(customProvider),
		WithErrorMapper(customMapper),
		WithConfigProvider(configProvider),
		WithOptionsResolver(optionsResolver),
		WithCredentialStore(store),
		WithAPIKeyResolver(keys),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	deps := svc.Dependencies()
	if deps.Logger != customLogger {
		t.Fatalf("expected custom logger override")
	}
	if resolved := deps.LoggerProvider.GetLogger("gateway.override"); resolved != customLogger {
		t.Fatalf("expected logger provider to resolve custom logger")
	}
	if deps.ConfigProvider != configProvider {
		t.Fatalf("expected custom config provider override")
	}
	if deps.OptionsResolver != optionsResolver {
		t.Fatalf("expected custom options resolver override")
	}
	if deps.CredentialStore != store {
		t.Fatalf("expected custom credential store override")
	}
	if _, ok := deps.APIKeyResolver.(staticAPIKeys); !ok {
		t.Fatalf("expected custom api key resolver override")
	}
	mapped := deps.ErrorMapper(errors.New("boom"))
	if !errors.Is(mapped, sentinel) {
		t.Fatalf("expected custom error mapper override")
	}
	if got := svc.Config().ServiceName; got != "resolved" {
		t.Fatalf("expected options resolver output config, got %q", got)
	}
}

func TestNewService_ConfigLayeringPrecedence(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"service_name": "from-config",
		"retry": map[string]any{
			"max_attempts": 4,
		},
		"providers": map[string]any{
			"alpha": map[string]any{
				"tiers": []any{map[string]any{"name": "fast", "model": "alpha-fast"}},
			},
		},
	}})

	svc, err := NewService(Config{ServiceName: "from-runtime"}, WithConfigProvider(provider))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	cfg := svc.Config()
	if cfg.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime value to override config/default, got %q", cfg.ServiceName)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Fatalf("expected config layer retry budget, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseBackoffSeconds != defaultBaseBackoffSeconds {
		t.Fatalf("expected default base backoff to survive, got %d", cfg.Retry.BaseBackoffSeconds)
	}
	if _, ok := cfg.Provider("alpha"); !ok {
		t.Fatalf("expected provider from config layer")
	}
}

func TestNewService_RejectsInvalidConfig(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Routing.Fallback.Chain = append(cfg.Routing.Fallback.Chain, CandidateConfig{Provider: "ghost"})
	if _, err := NewService(cfg); err == nil {
		t.Fatalf("expected unknown chain provider to fail validation")
	}
}

func TestServiceOperations_UnknownProvider(t *testing.T) {
	svc, err := NewService(testGatewayConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	checks := map[string]error{}
	_, checks["get_valid_token"] = svc.GetValidToken(ctx, "ghost")
	_, checks["refresh"] = svc.Refresh(ctx, "ghost")
	_, checks["describe"] = svc.Describe(ctx, "ghost")
	checks["logout"] = svc.Logout(ctx, "ghost")
	checks["authorize"] = svc.Authorize(ctx, "ghost", Credential{Secret: []byte("x")})
	for name, err := range checks {
		if ClassifyError(err) != ClassificationNotConfigured {
			t.Fatalf("%s: expected provider not found, got %v", name, err)
		}
	}
}

func TestService_AuthorizeThenGetValidToken(t *testing.T) {
	clock := newTestClock()
	svc, err := NewService(testGatewayConfig(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.GetValidToken(ctx, "alpha"); ClassifyError(err) != ClassificationAuthRequired {
		t.Fatalf("expected auth_required before login, got %v", err)
	}
	if err := svc.Authorize(ctx, "alpha", oauthCredential("alpha", "tok", clock.Now().Add(time.Hour))); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	credential, err := svc.GetValidToken(ctx, "alpha")
	if err != nil || string(credential.Secret) != "tok" {
		t.Fatalf("expected authorized token, got %q (%v)", credential.Secret, err)
	}
	if _, err := svc.Refresh(ctx, "alpha"); ClassifyError(err) != ClassificationAuthRequired {
		t.Fatalf("expected refresh without refresher to require auth, got %v", err)
	}
}
