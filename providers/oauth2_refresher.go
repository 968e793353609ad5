package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-gateway/core"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	maxTokenResponseBodyBytes  = 1 << 20 // 1 MiB
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type OAuth2RefresherConfig struct {
	ProviderID          string
	TokenURL            string
	ClientID            string
	ClientSecret        string
	ClientSecretInBody  bool
	Scopes              []string
	JSONBody            bool
	TokenTTL            time.Duration
	TokenRequestTimeout time.Duration
	Now                 func() time.Time
	HTTPClient          HTTPDoer
}

// OAuth2Refresher exchanges a refresh token at a provider token endpoint.
type OAuth2Refresher struct {
	cfg        OAuth2RefresherConfig
	httpClient HTTPDoer
}

type tokenEndpointPayload struct {
	AccessToken      string
	TokenType        string
	RefreshToken     string
	Scope            string
	ExpiresIn        int64
	ErrorCode        string
	ErrorDescription string
}

func NewOAuth2Refresher(cfg OAuth2RefresherConfig) (*OAuth2Refresher, error) {
	cfg.ProviderID = strings.TrimSpace(strings.ToLower(cfg.ProviderID))
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("providers: provider id is required")
	}
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("providers: token url is required for provider %q", cfg.ProviderID)
	}
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.TokenRequestTimeout <= 0 {
		cfg.TokenRequestTimeout = defaultTokenRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time {
			return time.Now().UTC()
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.TokenRequestTimeout}
	}
	return &OAuth2Refresher{cfg: cfg, httpClient: httpClient}, nil
}

func (r *OAuth2Refresher) ProviderID() string {
	if r == nil {
		return ""
	}
	return r.cfg.ProviderID
}

// Refresh returns the new credential. A token endpoint that omits a new
// refresh token keeps the previous one.
func (r *OAuth2Refresher) Refresh(ctx context.Context, credential core.Credential) (core.Credential, error) {
	if r == nil {
		return core.Credential{}, fmt.Errorf("providers: oauth2 refresher is nil")
	}
	refreshToken := strings.TrimSpace(string(credential.RefreshSecret))
	if refreshToken == "" {
		return core.Credential{}, goerrors.New("providers: refresh token is required", goerrors.CategoryAuth).
			WithTextCode("UNAUTHORIZED")
	}

	scopes := credential.Scopes
	if len(scopes) == 0 {
		scopes = r.cfg.Scopes
	}
	params := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	if len(scopes) > 0 {
		params["scope"] = strings.Join(scopes, " ")
	}

	token, err := r.fetchToken(ctx, params)
	if err != nil {
		return core.Credential{}, err
	}

	now := r.cfg.Now().UTC()
	refreshed := credential.Clone()
	refreshed.ProviderID = r.cfg.ProviderID
	refreshed.Kind = core.CredentialKindOAuthAccess
	refreshed.Secret = []byte(strings.TrimSpace(token.AccessToken))
	if next := strings.TrimSpace(token.RefreshToken); next != "" {
		refreshed.RefreshSecret = []byte(next)
	}
	if tokenType := strings.TrimSpace(token.TokenType); tokenType != "" {
		refreshed.TokenType = tokenType
	}
	if granted := parseScopeList(token.Scope); len(granted) > 0 {
		refreshed.Scopes = granted
	}
	refreshed.ExpiresAt = r.resolveExpiresAt(now, token.ExpiresIn)
	return refreshed, nil
}

func (r *OAuth2Refresher) fetchToken(ctx context.Context, params map[string]string) (tokenEndpointPayload, error) {
	if r.httpClient == nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: oauth2 http client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.cfg.ClientID != "" {
		params["client_id"] = r.cfg.ClientID
	}
	if r.cfg.ClientSecretInBody && r.cfg.ClientSecret != "" {
		params["client_secret"] = r.cfg.ClientSecret
	}

	requestCtx, cancel := context.WithTimeout(ctx, r.cfg.TokenRequestTimeout)
	defer cancel()

	body, contentType, err := encodeTokenRequest(params, r.cfg.JSONBody)
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, r.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if !r.cfg.ClientSecretInBody && r.cfg.ClientSecret != "" {
		httpReq.SetBasicAuth(r.cfg.ClientID, r.cfg.ClientSecret)
	}

	response, err := r.httpClient.Do(httpReq)
	if err != nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token request failed: %w", err)
	}
	defer response.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxTokenResponseBodyBytes+1))
	if readErr != nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: read token response: %w", readErr)
	}
	if int64(len(raw)) > maxTokenResponseBodyBytes {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token response exceeds %d bytes", maxTokenResponseBodyBytes)
	}

	payload, parseErr := parseTokenPayload(raw, response.Header.Get("Content-Type"))
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return tokenEndpointPayload{}, tokenEndpointError(response.StatusCode, payload)
	}
	if parseErr != nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: decode token response: %w", parseErr)
	}
	if payload.ErrorCode != "" {
		return tokenEndpointPayload{}, tokenEndpointError(response.StatusCode, payload)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token endpoint response missing access token")
	}
	return payload, nil
}

// tokenEndpointError marks a revoked or rejected grant as an auth failure so
// the OAuth manager stops retrying; everything else stays transient.
func tokenEndpointError(statusCode int, payload tokenEndpointPayload) error {
	msg := fmt.Sprintf("providers: token endpoint error (%d): %s", statusCode, describeTokenError(payload))
	switch strings.ToLower(payload.ErrorCode) {
	case "invalid_grant", "invalid_client", "unauthorized_client", "access_denied":
		return goerrors.New(msg, goerrors.CategoryAuth).WithCode(statusCode).WithTextCode("UNAUTHORIZED")
	}
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return goerrors.New(msg, goerrors.CategoryAuth).WithCode(statusCode).WithTextCode("UNAUTHORIZED")
	}
	return fmt.Errorf("%s", msg)
}

func encodeTokenRequest(params map[string]string, asJSON bool) ([]byte, string, error) {
	if asJSON {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, "", fmt.Errorf("providers: encode token request: %w", err)
		}
		return body, "application/json", nil
	}
	values := url.Values{}
	for key, value := range params {
		values.Set(key, strings.TrimSpace(value))
	}
	return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
}

func describeTokenError(payload tokenEndpointPayload) string {
	if strings.TrimSpace(payload.ErrorDescription) != "" {
		return strings.TrimSpace(payload.ErrorDescription)
	}
	if strings.TrimSpace(payload.ErrorCode) != "" {
		return strings.TrimSpace(payload.ErrorCode)
	}
	return "unknown error"
}

func parseTokenPayload(body []byte, contentType string) (tokenEndpointPayload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "json") {
		return parseTokenPayloadJSON(body)
	}
	if strings.Contains(contentType, "x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		return parseTokenPayloadForm(body)
	}
	if payload, err := parseTokenPayloadJSON(body); err == nil {
		return payload, nil
	}
	return parseTokenPayloadForm(body)
}

func parseTokenPayloadJSON(body []byte) (tokenEndpointPayload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tokenEndpointPayload{}, err
	}
	return tokenEndpointPayload{
		AccessToken:      readAnyString(decoded["access_token"]),
		TokenType:        readAnyString(decoded["token_type"]),
		RefreshToken:     readAnyString(decoded["refresh_token"]),
		Scope:            readAnyString(decoded["scope"]),
		ExpiresIn:        readAnyInt64(decoded["expires_in"]),
		ErrorCode:        readAnyString(decoded["error"]),
		ErrorDescription: readAnyString(decoded["error_description"]),
	}, nil
}

func parseTokenPayloadForm(body []byte) (tokenEndpointPayload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return tokenEndpointPayload{
		AccessToken:      strings.TrimSpace(values.Get("access_token")),
		TokenType:        strings.TrimSpace(values.Get("token_type")),
		RefreshToken:     strings.TrimSpace(values.Get("refresh_token")),
		Scope:            strings.TrimSpace(values.Get("scope")),
		ExpiresIn:        expiresIn,
		ErrorCode:        strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}, nil
}

func (r *OAuth2Refresher) resolveExpiresAt(now time.Time, expiresIn int64) *time.Time {
	ttl := r.cfg.TokenTTL
	if expiresIn > 0 {
		ttl = time.Duration(expiresIn) * time.Second
	}
	if ttl <= 0 {
		return nil
	}
	expiresAt := now.Add(ttl)
	return &expiresAt
}

func parseScopeList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(trimmed, ",", " "))
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return strings.TrimSpace(typed.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed
		}
		if floatParsed, err := typed.Float64(); err == nil {
			return int64(floatParsed)
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

var _ core.Refresher = (*OAuth2Refresher)(nil)
