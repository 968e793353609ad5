package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	defaultRefreshThresholdSeconds = 60
	defaultRefreshTimeoutSeconds   = 30
	defaultAttemptTimeoutSeconds   = 120
	defaultCooldownSeconds         = 300
	defaultBaseBackoffSeconds      = 10
	defaultBackoffMultiplier       = 2.0
	defaultMaxBackoffSeconds       = 120
	defaultMaxAttempts             = 2
	defaultConcurrencyLimit        = 5
	defaultLockTimeoutSeconds      = 5
)

type RetryConfig struct {
	BaseBackoffSeconds int     `koanf:"base_backoff_seconds" mapstructure:"base_backoff_seconds" json:"base_backoff_seconds,omitempty" yaml:"base_backoff_seconds,omitempty"`
	Multiplier         float64 `koanf:"multiplier" mapstructure:"multiplier" json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxBackoffSeconds  int     `koanf:"max_backoff_seconds" mapstructure:"max_backoff_seconds" json:"max_backoff_seconds,omitempty" yaml:"max_backoff_seconds,omitempty"`
	MaxAttempts        int     `koanf:"max_attempts" mapstructure:"max_attempts" json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

func (r RetryConfig) Merge(fallback RetryConfig) RetryConfig {
	if r.BaseBackoffSeconds <= 0 {
		r.BaseBackoffSeconds = fallback.BaseBackoffSeconds
	}
	if r.Multiplier <= 0 {
		r.Multiplier = fallback.Multiplier
	}
	if r.MaxBackoffSeconds <= 0 {
		r.MaxBackoffSeconds = fallback.MaxBackoffSeconds
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = fallback.MaxAttempts
	}
	return r
}

func (r RetryConfig) Scheduler() ExponentialBackoffScheduler {
	return ExponentialBackoffScheduler{
		Initial:    time.Duration(r.BaseBackoffSeconds) * time.Second,
		Multiplier: r.Multiplier,
		Max:        time.Duration(r.MaxBackoffSeconds) * time.Second,
	}
}

type TierConfig struct {
	Name            string `koanf:"name" mapstructure:"name" json:"name,omitempty" yaml:"name,omitempty"`
	Model           string `koanf:"model" mapstructure:"model" json:"model,omitempty" yaml:"model,omitempty"`
	CooldownSeconds int    `koanf:"cooldown_seconds" mapstructure:"cooldown_seconds" json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
}

type OAuthConfig struct {
	TokenURL     string   `koanf:"token_url" mapstructure:"token_url" json:"token_url,omitempty" yaml:"token_url,omitempty"`
	ClientID     string   `koanf:"client_id" mapstructure:"client_id" json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string   `koanf:"client_secret" mapstructure:"client_secret" json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	Scopes       []string `koanf:"scopes" mapstructure:"scopes" json:"scopes,omitempty" yaml:"scopes,omitempty"`
	JSONBody     bool     `koanf:"json_body" mapstructure:"json_body" json:"json_body,omitempty" yaml:"json_body,omitempty"`
}

type ProviderConfig struct {
	Kind           string       `koanf:"kind" mapstructure:"kind" json:"kind,omitempty" yaml:"kind,omitempty"`
	Endpoint       string       `koanf:"endpoint" mapstructure:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Tiers          []TierConfig `koanf:"tiers" mapstructure:"tiers" json:"tiers,omitempty" yaml:"tiers,omitempty"`
	Retry          RetryConfig  `koanf:"retry" mapstructure:"retry" json:"retry,omitempty" yaml:"retry,omitempty"`
	APIKeyFallback bool         `koanf:"api_key_fallback" mapstructure:"api_key_fallback" json:"api_key_fallback,omitempty" yaml:"api_key_fallback,omitempty"`
	APIKeyEnv      []string     `koanf:"api_key_env" mapstructure:"api_key_env" json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	APIKeyHeader   string       `koanf:"api_key_header" mapstructure:"api_key_header" json:"api_key_header,omitempty" yaml:"api_key_header,omitempty"`
	OAuth          OAuthConfig  `koanf:"oauth" mapstructure:"oauth" json:"oauth,omitempty" yaml:"oauth,omitempty"`
}

func (p ProviderConfig) Tier(name string) (TierConfig, bool) {
	name = normalizeTier(name)
	for _, tier := range p.Tiers {
		if name == "" || normalizeTier(tier.Name) == name {
			return tier, true
		}
	}
	return TierConfig{}, false
}

type CandidateConfig struct {
	Provider string `koanf:"provider" mapstructure:"provider" json:"provider,omitempty" yaml:"provider,omitempty"`
	Tier     string `koanf:"tier" mapstructure:"tier" json:"tier,omitempty" yaml:"tier,omitempty"`
}

type RouteConfig struct {
	Candidates []CandidateConfig `koanf:"candidates" mapstructure:"candidates" json:"candidates,omitempty" yaml:"candidates,omitempty"`
}

type FallbackConfig struct {
	Enabled         *bool             `koanf:"enabled" mapstructure:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Chain           []CandidateConfig `koanf:"chain" mapstructure:"chain" json:"chain,omitempty" yaml:"chain,omitempty"`
	CooldownSeconds int               `koanf:"cooldown_seconds" mapstructure:"cooldown_seconds" json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
}

func (f FallbackConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

type RoutingConfig struct {
	TaskRouting map[string]RouteConfig `koanf:"task_routing" mapstructure:"task_routing" json:"task_routing,omitempty" yaml:"task_routing,omitempty"`
	Fallback    FallbackConfig         `koanf:"fallback" mapstructure:"fallback" json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

type StorageConfig struct {
	Dir                string `koanf:"dir" mapstructure:"dir" json:"dir,omitempty" yaml:"dir,omitempty"`
	KeyringService     string `koanf:"keyring_service" mapstructure:"keyring_service" json:"keyring_service,omitempty" yaml:"keyring_service,omitempty"`
	DisableKeyring     bool   `koanf:"disable_keyring" mapstructure:"disable_keyring" json:"disable_keyring,omitempty" yaml:"disable_keyring,omitempty"`
	SQLDriver          string `koanf:"sql_driver" mapstructure:"sql_driver" json:"sql_driver,omitempty" yaml:"sql_driver,omitempty"`
	SQLDSN             string `koanf:"sql_dsn" mapstructure:"sql_dsn" json:"sql_dsn,omitempty" yaml:"sql_dsn,omitempty"`
	LockTimeoutSeconds int    `koanf:"lock_timeout_seconds" mapstructure:"lock_timeout_seconds" json:"lock_timeout_seconds,omitempty" yaml:"lock_timeout_seconds,omitempty"`
}

type ConcurrencyConfig struct {
	DefaultLimit int            `koanf:"default_limit" mapstructure:"default_limit" json:"default_limit,omitempty" yaml:"default_limit,omitempty"`
	ModelLimits  map[string]int `koanf:"model_limits" mapstructure:"model_limits" json:"model_limits,omitempty" yaml:"model_limits,omitempty"`
}

type Config struct {
	ServiceName             string                    `koanf:"service_name" mapstructure:"service_name" json:"service_name,omitempty" yaml:"service_name,omitempty"`
	RefreshThresholdSeconds int                       `koanf:"refresh_threshold_seconds" mapstructure:"refresh_threshold_seconds" json:"refresh_threshold_seconds,omitempty" yaml:"refresh_threshold_seconds,omitempty"`
	RefreshTimeoutSeconds   int                       `koanf:"refresh_timeout_seconds" mapstructure:"refresh_timeout_seconds" json:"refresh_timeout_seconds,omitempty" yaml:"refresh_timeout_seconds,omitempty"`
	AttemptTimeoutSeconds   int                       `koanf:"attempt_timeout_seconds" mapstructure:"attempt_timeout_seconds" json:"attempt_timeout_seconds,omitempty" yaml:"attempt_timeout_seconds,omitempty"`
	Retry                   RetryConfig               `koanf:"retry" mapstructure:"retry" json:"retry,omitempty" yaml:"retry,omitempty"`
	Storage                 StorageConfig             `koanf:"storage" mapstructure:"storage" json:"storage,omitempty" yaml:"storage,omitempty"`
	Providers               map[string]ProviderConfig `koanf:"providers" mapstructure:"providers" json:"providers,omitempty" yaml:"providers,omitempty"`
	Routing                 RoutingConfig             `koanf:"routing" mapstructure:"routing" json:"routing,omitempty" yaml:"routing,omitempty"`
	Concurrency             ConcurrencyConfig         `koanf:"concurrency" mapstructure:"concurrency" json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:             "gateway",
		RefreshThresholdSeconds: defaultRefreshThresholdSeconds,
		RefreshTimeoutSeconds:   defaultRefreshTimeoutSeconds,
		AttemptTimeoutSeconds:   defaultAttemptTimeoutSeconds,
		Retry: RetryConfig{
			BaseBackoffSeconds: defaultBaseBackoffSeconds,
			Multiplier:         defaultBackoffMultiplier,
			MaxBackoffSeconds:  defaultMaxBackoffSeconds,
			MaxAttempts:        defaultMaxAttempts,
		},
		Storage: StorageConfig{
			Dir:                ".gateway/credentials",
			KeyringService:     "gateway",
			LockTimeoutSeconds: defaultLockTimeoutSeconds,
		},
		Providers: map[string]ProviderConfig{},
		Routing: RoutingConfig{
			TaskRouting: map[string]RouteConfig{},
			Fallback: FallbackConfig{
				CooldownSeconds: defaultCooldownSeconds,
			},
		},
		Concurrency: ConcurrencyConfig{
			DefaultLimit: defaultConcurrencyLimit,
			ModelLimits:  map[string]int{},
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.RefreshThresholdSeconds < 0 {
		return fmt.Errorf("core: refresh_threshold_seconds must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("core: retry.max_attempts must not be negative")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("core: retry.multiplier must be at least 1")
	}
	for providerID, provider := range c.Providers {
		if strings.TrimSpace(providerID) == "" {
			return fmt.Errorf("core: provider id is required")
		}
		if len(provider.Tiers) == 0 {
			return fmt.Errorf("core: provider %q requires at least one tier", providerID)
		}
		for _, tier := range provider.Tiers {
			if strings.TrimSpace(tier.Name) == "" {
				return fmt.Errorf("core: provider %q has a tier without a name", providerID)
			}
		}
	}
	for category, route := range c.Routing.TaskRouting {
		for _, candidate := range route.Candidates {
			if err := c.validateCandidate(candidate); err != nil {
				return fmt.Errorf("core: task_routing %q: %w", category, err)
			}
		}
	}
	for _, candidate := range c.Routing.Fallback.Chain {
		if err := c.validateCandidate(candidate); err != nil {
			return fmt.Errorf("core: fallback chain: %w", err)
		}
	}
	return nil
}

func (c Config) validateCandidate(candidate CandidateConfig) error {
	provider, ok := c.Provider(candidate.Provider)
	if !ok {
		return fmt.Errorf("unknown provider %q", candidate.Provider)
	}
	if _, ok := provider.Tier(candidate.Tier); !ok {
		return fmt.Errorf("provider %q has no tier %q", candidate.Provider, candidate.Tier)
	}
	return nil
}

func (c Config) Provider(providerID string) (ProviderConfig, bool) {
	providerID = normalizeProviderID(providerID)
	for id, provider := range c.Providers {
		if normalizeProviderID(id) == providerID {
			return provider, true
		}
	}
	return ProviderConfig{}, false
}

func (c Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, normalizeProviderID(id))
	}
	sort.Strings(ids)
	return ids
}

func (c Config) RetryFor(providerID string) RetryConfig {
	global := c.Retry.Merge(RetryConfig{
		BaseBackoffSeconds: defaultBaseBackoffSeconds,
		Multiplier:         defaultBackoffMultiplier,
		MaxBackoffSeconds:  defaultMaxBackoffSeconds,
		MaxAttempts:        defaultMaxAttempts,
	})
	provider, ok := c.Provider(providerID)
	if !ok {
		return global
	}
	return provider.Retry.Merge(global)
}

func (c Config) CooldownFor(providerID string, tier string) time.Duration {
	if provider, ok := c.Provider(providerID); ok {
		if tierCfg, ok := provider.Tier(tier); ok && tierCfg.CooldownSeconds > 0 {
			return time.Duration(tierCfg.CooldownSeconds) * time.Second
		}
	}
	if c.Routing.Fallback.CooldownSeconds > 0 {
		return time.Duration(c.Routing.Fallback.CooldownSeconds) * time.Second
	}
	return defaultCooldownSeconds * time.Second
}

func (c Config) RefreshThreshold() time.Duration {
	if c.RefreshThresholdSeconds <= 0 {
		return defaultRefreshThresholdSeconds * time.Second
	}
	return time.Duration(c.RefreshThresholdSeconds) * time.Second
}

func (c Config) RefreshTimeout() time.Duration {
	if c.RefreshTimeoutSeconds <= 0 {
		return defaultRefreshTimeoutSeconds * time.Second
	}
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

func (c Config) AttemptTimeout() time.Duration {
	if c.AttemptTimeoutSeconds <= 0 {
		return defaultAttemptTimeoutSeconds * time.Second
	}
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

func (c Config) LockTimeout() time.Duration {
	if c.Storage.LockTimeoutSeconds <= 0 {
		return defaultLockTimeoutSeconds * time.Second
	}
	return time.Duration(c.Storage.LockTimeoutSeconds) * time.Second
}
