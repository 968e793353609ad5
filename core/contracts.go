package core

import (
	"context"
	"errors"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

var ErrCredentialNotFound = errors.New("core: credential not found")

type CredentialKind string

const (
	CredentialKindOAuthAccess  CredentialKind = "oauth_access"
	CredentialKindOAuthRefresh CredentialKind = "oauth_refresh"
	CredentialKindAPIKey       CredentialKind = "api_key"
)

// Credential is the unit persisted by a CredentialStore. Secret holds the
// access token (or api key); RefreshSecret is only set for OAuth credentials.
type Credential struct {
	ProviderID    string
	Kind          CredentialKind
	Secret        []byte
	RefreshSecret []byte
	TokenType     string
	ExpiresAt     *time.Time
	Scopes        []string
}

func (c Credential) Clone() Credential {
	out := c
	out.Secret = cloneBytes(c.Secret)
	out.RefreshSecret = cloneBytes(c.RefreshSecret)
	out.ExpiresAt = cloneTimePointer(c.ExpiresAt)
	out.Scopes = append([]string(nil), c.Scopes...)
	return out
}

func (c Credential) IsAPIKey() bool {
	return c.Kind == CredentialKindAPIKey
}

func (c Credential) HasAccessSecret() bool {
	return len(c.Secret) > 0 && c.Kind != CredentialKindOAuthRefresh
}

func (c Credential) HasRefreshSecret() bool {
	return len(c.RefreshSecret) > 0
}

type CredentialStore interface {
	Get(ctx context.Context, providerID string) (Credential, error)
	Put(ctx context.Context, providerID string, credential Credential) error
	Delete(ctx context.Context, providerID string) error
}

// CredentialBackend is one link of an ordered credential store chain.
type CredentialBackend interface {
	CredentialStore
	Name() string
}

type Refresher interface {
	Refresh(ctx context.Context, credential Credential) (Credential, error)
}

type RefresherFunc func(ctx context.Context, credential Credential) (Credential, error)

func (fn RefresherFunc) Refresh(ctx context.Context, credential Credential) (Credential, error) {
	return fn(ctx, credential)
}

type CallRequest struct {
	ProviderID     string
	Tier           string
	Model          string
	Credential     Credential
	Prompt         []byte
	Metadata       map[string]string
	IdempotencyKey string
	Attempt        int
}

type CallResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// ProviderCaller executes one provider call. Transport failures are returned as
// errors; any HTTP response, including 4xx/5xx, is returned as a CallResponse.
type ProviderCaller interface {
	Call(ctx context.Context, req CallRequest) (CallResponse, error)
}

type ProviderCallerFunc func(ctx context.Context, req CallRequest) (CallResponse, error)

func (fn ProviderCallerFunc) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	return fn(ctx, req)
}

type CooldownTracker interface {
	IsInCooldown(providerID string, tier string) bool
	EnterCooldown(providerID string, tier string, duration time.Duration) time.Time
	RemainingCooldown(providerID string, tier string) time.Duration
	Clear(providerID string, tier string) bool
}

// APIKeyResolver supplies out-of-band api key credentials used as the
// immediate substitute after a rate-limited OAuth call.
type APIKeyResolver interface {
	ResolveAPIKey(providerID string) (Credential, bool)
}

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

type Waiter func(ctx context.Context, delay time.Duration) error

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type Candidate struct {
	ProviderID string
	Tier       string
	Model      string
}

func (c Candidate) String() string {
	if strings.TrimSpace(c.Tier) == "" {
		return c.ProviderID
	}
	return c.ProviderID + "/" + c.Tier
}

type InvocationRequest struct {
	ProviderHint   string
	TierHint       string
	Category       string
	Prompt         []byte
	Metadata       map[string]string
	Deadline       time.Time
	IdempotencyKey string
}

type AttemptRecord struct {
	ProviderID     string
	Tier           string
	CredentialKind CredentialKind
	Attempt        int
	StatusCode     int
	Classification Classification
	Duration       time.Duration
	Error          string
}

type InvocationResult struct {
	Payload        []byte
	ProviderID     string
	Tier           string
	Model          string
	CredentialKind CredentialKind
	Attempts       int
	Elapsed        time.Duration
	Trail          []AttemptRecord
}

type ProviderStatus struct {
	ProviderID        string
	State             CredentialStateKind
	CooldownRemaining map[string]time.Duration
	CredentialKind    CredentialKind
	ExpiresAt         *time.Time
	APIKeyFallback    bool
	LastError         string
	UpdatedAt         time.Time
}

func (s ProviderStatus) InCooldown() bool {
	for _, remaining := range s.CooldownRemaining {
		if remaining > 0 {
			return true
		}
	}
	return false
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func cloneTimePointer(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := in.UTC()
	return &value
}

func normalizeProviderID(providerID string) string {
	return strings.TrimSpace(strings.ToLower(providerID))
}

func normalizeTier(tier string) string {
	return strings.TrimSpace(strings.ToLower(tier))
}
