package core

import (
	"time"
)

type CredentialTokenState struct {
	ExpiresAt       *time.Time
	HasAccessToken  bool
	HasRefreshToken bool
	IsExpired       bool
	IsExpiringSoon  bool
}

// ResolveCredentialTokenState evaluates expiry flags for a credential against
// the refresh threshold.
func ResolveCredentialTokenState(now time.Time, credential Credential, threshold time.Duration) CredentialTokenState {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if threshold < 0 {
		threshold = 0
	}

	state := CredentialTokenState{
		HasAccessToken:  credential.HasAccessSecret(),
		HasRefreshToken: credential.HasRefreshSecret(),
	}
	if credential.ExpiresAt == nil {
		return state
	}
	expiresAt := credential.ExpiresAt.UTC()
	state.ExpiresAt = &expiresAt
	if !expiresAt.After(now) {
		state.IsExpired = true
		state.IsExpiringSoon = true
		return state
	}
	state.IsExpiringSoon = !expiresAt.After(now.Add(threshold))
	return state
}

// ShouldRefreshCredential reports whether an OAuth credential needs a refresh
// before use. API keys never refresh.
func ShouldRefreshCredential(credential Credential, state CredentialTokenState) bool {
	if credential.IsAPIKey() {
		return false
	}
	if !state.HasAccessToken {
		return state.HasRefreshToken
	}
	return state.IsExpiringSoon
}
