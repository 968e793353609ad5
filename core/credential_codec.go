package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatTokenJSON = "token_json"
	CredentialPayloadVersionV1       = 1
)

// CredentialCodec turns a Credential into the bytes persisted by storage
// backends and back.
type CredentialCodec interface {
	Format() string
	Version() int
	Encode(credential Credential) ([]byte, error)
	Decode(payload []byte) (Credential, error)
}

// TokenJSONCodec stores credentials as the token JSON document written by
// provider CLIs: {access_token, refresh_token, expires_at, token_type, scope}.
// expires_at is unix seconds.
type TokenJSONCodec struct{}

func (TokenJSONCodec) Format() string {
	return CredentialPayloadFormatTokenJSON
}

func (TokenJSONCodec) Version() int {
	return CredentialPayloadVersionV1
}

type tokenJSONPayload struct {
	ProviderID   string `json:"provider_id,omitempty"`
	Kind         string `json:"kind,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (TokenJSONCodec) Encode(credential Credential) ([]byte, error) {
	payload := tokenJSONPayload{
		ProviderID:   normalizeProviderID(credential.ProviderID),
		Kind:         string(credential.Kind),
		AccessToken:  string(credential.Secret),
		RefreshToken: string(credential.RefreshSecret),
		TokenType:    strings.TrimSpace(credential.TokenType),
		Scope:        strings.Join(credential.Scopes, " "),
	}
	if credential.ExpiresAt != nil {
		payload.ExpiresAt = credential.ExpiresAt.UTC().Unix()
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (TokenJSONCodec) Decode(payload []byte) (Credential, error) {
	if len(payload) == 0 {
		return Credential{}, fmt.Errorf("core: credential payload is empty")
	}
	decoded := tokenJSONPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Credential{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	if decoded.AccessToken == "" && decoded.RefreshToken == "" {
		return Credential{}, fmt.Errorf("core: credential payload has no token")
	}
	credential := Credential{
		ProviderID: normalizeProviderID(decoded.ProviderID),
		Kind:       CredentialKind(strings.TrimSpace(decoded.Kind)),
		TokenType:  strings.TrimSpace(decoded.TokenType),
		Scopes:     strings.Fields(decoded.Scope),
	}
	if decoded.AccessToken != "" {
		credential.Secret = []byte(decoded.AccessToken)
	}
	if decoded.RefreshToken != "" {
		credential.RefreshSecret = []byte(decoded.RefreshToken)
	}
	if decoded.ExpiresAt > 0 {
		expiresAt := time.Unix(decoded.ExpiresAt, 0).UTC()
		credential.ExpiresAt = &expiresAt
	}
	if credential.Kind == "" {
		switch {
		case credential.HasAccessSecret() && (credential.HasRefreshSecret() || credential.ExpiresAt != nil):
			credential.Kind = CredentialKindOAuthAccess
		case credential.HasAccessSecret():
			credential.Kind = CredentialKindAPIKey
		default:
			credential.Kind = CredentialKindOAuthRefresh
		}
	}
	return credential, nil
}
