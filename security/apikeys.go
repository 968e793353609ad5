package security

import (
	"os"
	"strings"
	"sync"

	"github.com/goliatone/go-gateway/core"
	"github.com/joho/godotenv"
)

var defaultAPIKeyEnv = map[string][]string{
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
}

type APIKeyOption func(*EnvAPIKeyResolver)

// WithDotEnvFiles adds .env files consulted after the process environment.
// Missing files are ignored.
func WithDotEnvFiles(paths ...string) APIKeyOption {
	return func(r *EnvAPIKeyResolver) {
		for _, path := range paths {
			if strings.TrimSpace(path) != "" {
				r.dotEnvFiles = append(r.dotEnvFiles, path)
			}
		}
	}
}

func WithLookupEnv(lookup func(string) (string, bool)) APIKeyOption {
	return func(r *EnvAPIKeyResolver) {
		if lookup != nil {
			r.lookupEnv = lookup
		}
	}
}

// EnvAPIKeyResolver finds static API keys in environment variables.
type EnvAPIKeyResolver struct {
	envNames    map[string][]string
	dotEnvFiles []string
	lookupEnv   func(string) (string, bool)

	once   sync.Once
	dotEnv map[string]string
}

func NewEnvAPIKeyResolver(providers map[string]core.ProviderConfig, opts ...APIKeyOption) *EnvAPIKeyResolver {
	names := make(map[string][]string, len(defaultAPIKeyEnv)+len(providers))
	for providerID, envs := range defaultAPIKeyEnv {
		names[providerID] = append([]string(nil), envs...)
	}
	for providerID, providerCfg := range providers {
		if len(providerCfg.APIKeyEnv) == 0 {
			continue
		}
		names[strings.TrimSpace(strings.ToLower(providerID))] = append([]string(nil), providerCfg.APIKeyEnv...)
	}
	resolver := &EnvAPIKeyResolver{
		envNames:  names,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(resolver)
	}
	return resolver
}

func (r *EnvAPIKeyResolver) ResolveAPIKey(providerID string) (core.Credential, bool) {
	providerID = strings.TrimSpace(strings.ToLower(providerID))
	names := r.envNames[providerID]
	if len(names) == 0 {
		return core.Credential{}, false
	}
	for _, name := range names {
		if value, ok := r.lookupEnv(name); ok && strings.TrimSpace(value) != "" {
			return apiKeyCredential(providerID, value), true
		}
	}
	dotEnv := r.loadDotEnv()
	for _, name := range names {
		if value := strings.TrimSpace(dotEnv[name]); value != "" {
			return apiKeyCredential(providerID, value), true
		}
	}
	return core.Credential{}, false
}

func (r *EnvAPIKeyResolver) loadDotEnv() map[string]string {
	r.once.Do(func() {
		r.dotEnv = map[string]string{}
		for _, path := range r.dotEnvFiles {
			values, err := godotenv.Read(path)
			if err != nil {
				continue
			}
			for key, value := range values {
				if _, exists := r.dotEnv[key]; !exists {
					r.dotEnv[key] = value
				}
			}
		}
	})
	return r.dotEnv
}

func apiKeyCredential(providerID string, value string) core.Credential {
	return core.Credential{
		ProviderID: providerID,
		Kind:       core.CredentialKindAPIKey,
		Secret:     []byte(strings.TrimSpace(value)),
	}
}
