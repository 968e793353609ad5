package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/sync/singleflight"
)

type CredentialStateKind string

const (
	CredentialStateUnauthenticated CredentialStateKind = "unauthenticated"
	CredentialStateValid           CredentialStateKind = "valid"
	CredentialStateRefreshing      CredentialStateKind = "refreshing"
	CredentialStateRateLimited     CredentialStateKind = "rate_limited"
	CredentialStateCooldownWait    CredentialStateKind = "cooldown_wait"
	CredentialStateFailed          CredentialStateKind = "failed"
)

// CredentialState is a snapshot of one provider's lifecycle state.
type CredentialState struct {
	ProviderID string
	Kind       CredentialStateKind
	Credential *Credential
	Failure    Classification
	LastError  string
	UpdatedAt  time.Time
}

type providerState struct {
	kind       CredentialStateKind
	credential *Credential
	// failed is the credential that led to the failed state; a different
	// credential observed later counts as external re-authorization.
	failed    *Credential
	failure   Classification
	lastError string
	updatedAt time.Time
}

type OAuthManagerConfig struct {
	RefreshThreshold time.Duration
	RefreshTimeout   time.Duration
	Logger           Logger
	MetricsRecorder  MetricsRecorder
	Now              func() time.Time
}

// OAuthManager hands out usable credentials per provider. Every read goes to
// the credential store, which is the only state shared across processes;
// refreshes are coalesced per provider.
type OAuthManager struct {
	observer

	store            CredentialStore
	refreshers       map[string]Refresher
	refreshThreshold time.Duration
	refreshTimeout   time.Duration

	group  singleflight.Group
	mu     sync.Mutex
	states map[string]*providerState
}

func NewOAuthManager(store CredentialStore, refreshers map[string]Refresher, cfg OAuthManagerConfig) (*OAuthManager, error) {
	if store == nil {
		return nil, fmt.Errorf("core: oauth manager requires a credential store")
	}
	threshold := cfg.RefreshThreshold
	if threshold <= 0 {
		threshold = defaultRefreshThresholdSeconds * time.Second
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeoutSeconds * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	metrics := cfg.MetricsRecorder
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	registered := make(map[string]Refresher, len(refreshers))
	for providerID, refresher := range refreshers {
		if refresher == nil {
			continue
		}
		registered[normalizeProviderID(providerID)] = refresher
	}
	return &OAuthManager{
		observer: observer{
			logger:          cfg.Logger,
			metricsRecorder: metrics,
			now:             now,
		},
		store:            store,
		refreshers:       registered,
		refreshThreshold: threshold,
		refreshTimeout:   timeout,
		states:           map[string]*providerState{},
	}, nil
}

// GetValidToken returns a credential that is usable for at least the refresh
// threshold, refreshing it first when needed. Errors carry the
// AuthRequired, RefreshFailed, StorageUnavailable or Timeout text codes.
func (m *OAuthManager) GetValidToken(ctx context.Context, providerID string) (Credential, error) {
	providerID = normalizeProviderID(providerID)
	if providerID == "" {
		return Credential{}, NewBadInputError("core: provider id is required")
	}
	if err := ctx.Err(); err != nil {
		return Credential{}, NewTimeoutError(providerID, err)
	}

	credential, err := m.load(ctx, providerID)
	if err != nil {
		return Credential{}, err
	}
	if err := m.checkFailed(providerID, credential); err != nil {
		return Credential{}, err
	}
	if credential.IsAPIKey() {
		m.markUsable(providerID, credential)
		return credential, nil
	}

	state := ResolveCredentialTokenState(m.clock(), credential, m.refreshThreshold)
	if !ShouldRefreshCredential(credential, state) {
		m.markUsable(providerID, credential)
		return credential, nil
	}

	refresher := m.refreshers[providerID]
	if refresher == nil || !credential.HasRefreshSecret() {
		if state.HasAccessToken && !state.IsExpired {
			m.markUsable(providerID, credential)
			return credential, nil
		}
		authErr := NewAuthRequiredError(providerID, "credential expired and cannot be refreshed")
		m.fail(providerID, &credential, ClassificationAuthRequired, authErr)
		return Credential{}, authErr
	}
	return m.refresh(ctx, providerID, false)
}

// ForceRefresh refreshes the stored credential regardless of its expiry.
func (m *OAuthManager) ForceRefresh(ctx context.Context, providerID string) (Credential, error) {
	providerID = normalizeProviderID(providerID)
	if providerID == "" {
		return Credential{}, NewBadInputError("core: provider id is required")
	}
	if m.refreshers[providerID] == nil {
		return Credential{}, NewAuthRequiredError(providerID, "no refresher configured")
	}
	credential, err := m.load(ctx, providerID)
	if err != nil {
		return Credential{}, err
	}
	if err := m.checkFailed(providerID, credential); err != nil {
		return Credential{}, err
	}
	return m.refresh(ctx, providerID, true)
}

func (m *OAuthManager) refresh(ctx context.Context, providerID string, force bool) (Credential, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(providerID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(detached, m.refreshTimeout)
		defer cancel()
		return m.runRefresh(refreshCtx, providerID, force)
	})

	select {
	case <-ctx.Done():
		return Credential{}, NewTimeoutError(providerID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		credential, _ := res.Val.(Credential)
		return credential.Clone(), nil
	}
}

func (m *OAuthManager) runRefresh(ctx context.Context, providerID string, force bool) (out Credential, err error) {
	startedAt := m.clock()
	fields := map[string]any{"provider_id": providerID, "forced": force}
	defer func() {
		m.observeOperation(ctx, startedAt, "refresh", err, fields)
	}()

	previous := m.transition(providerID, CredentialStateRefreshing, nil)

	// Another process may have refreshed already.
	current, err := m.load(ctx, providerID)
	if err != nil {
		return Credential{}, err
	}
	state := ResolveCredentialTokenState(m.clock(), current, m.refreshThreshold)
	if !force && !ShouldRefreshCredential(current, state) {
		fields["skipped"] = true
		m.transition(providerID, CredentialStateValid, &current)
		return current, nil
	}
	if !current.HasRefreshSecret() {
		authErr := NewAuthRequiredError(providerID, "stored credential has no refresh token")
		if state.HasAccessToken && !state.IsExpired {
			m.restore(providerID, previous, nil)
			return Credential{}, authErr
		}
		m.fail(providerID, &current, ClassificationAuthRequired, authErr)
		return Credential{}, authErr
	}

	refresher := m.refreshers[providerID]
	refreshed, err := refresher.Refresh(ctx, current.Clone())
	if err != nil {
		if isUnrecoverableRefreshError(err) {
			refreshErr := NewRefreshFailedError(providerID, err)
			m.fail(providerID, &current, ClassificationRefreshFailed, refreshErr)
			return Credential{}, refreshErr
		}
		m.restore(providerID, previous, err)
		if state.HasAccessToken && !state.IsExpired {
			fields["stale"] = true
			m.logWarn(ctx, "refresh failed, using unexpired credential", map[string]any{
				"provider_id": providerID,
				"error":       err.Error(),
			})
			return current, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Credential{}, NewTimeoutError(providerID, err)
		}
		return Credential{}, NewTransientProviderError(providerID, 0, err)
	}

	refreshed = mergeRefreshedCredential(providerID, current, refreshed)
	if err := m.store.Put(ctx, providerID, refreshed); err != nil {
		storageErr := asStorageError(providerID, "put", err)
		m.fail(providerID, &current, ClassificationStorageUnavailable, storageErr)
		return Credential{}, storageErr
	}
	if refreshed.ExpiresAt != nil {
		fields["expires_at"] = refreshed.ExpiresAt.UTC().Format(time.RFC3339)
	}
	m.transition(providerID, CredentialStateValid, &refreshed)
	return refreshed, nil
}

// mergeRefreshedCredential keeps fields the token endpoint omitted.
func mergeRefreshedCredential(providerID string, current Credential, refreshed Credential) Credential {
	out := refreshed.Clone()
	out.ProviderID = providerID
	if out.Kind == "" || out.Kind == CredentialKindOAuthRefresh {
		out.Kind = CredentialKindOAuthAccess
	}
	if len(out.RefreshSecret) == 0 {
		out.RefreshSecret = cloneBytes(current.RefreshSecret)
	}
	if out.TokenType == "" {
		out.TokenType = current.TokenType
	}
	if len(out.Scopes) == 0 {
		out.Scopes = append([]string(nil), current.Scopes...)
	}
	return out
}

// Authorize records an externally obtained credential. It is the only path
// out of the failed state besides observing a replaced credential in the store.
func (m *OAuthManager) Authorize(ctx context.Context, providerID string, credential Credential) (err error) {
	providerID = normalizeProviderID(providerID)
	startedAt := m.clock()
	fields := map[string]any{"provider_id": providerID, "credential_kind": string(credential.Kind)}
	defer func() {
		m.observeOperation(ctx, startedAt, "authorize", err, fields)
	}()

	if providerID == "" {
		return NewBadInputError("core: provider id is required")
	}
	if !credential.HasAccessSecret() && !credential.HasRefreshSecret() {
		return NewBadInputError("core: credential requires an access or refresh token")
	}
	credential = credential.Clone()
	credential.ProviderID = providerID
	if credential.Kind == "" {
		credential.Kind = CredentialKindOAuthAccess
	}
	if err := m.store.Put(ctx, providerID, credential); err != nil {
		return asStorageError(providerID, "put", err)
	}

	m.mu.Lock()
	m.states[providerID] = &providerState{
		kind:       CredentialStateValid,
		credential: &credential,
		updatedAt:  m.clock(),
	}
	m.mu.Unlock()
	return nil
}

func (m *OAuthManager) Logout(ctx context.Context, providerID string) (err error) {
	providerID = normalizeProviderID(providerID)
	startedAt := m.clock()
	defer func() {
		m.observeOperation(ctx, startedAt, "logout", err, map[string]any{"provider_id": providerID})
	}()
	if providerID == "" {
		return NewBadInputError("core: provider id is required")
	}
	if err := m.store.Delete(ctx, providerID); err != nil && !errors.Is(err, ErrCredentialNotFound) {
		return asStorageError(providerID, "delete", err)
	}
	m.mu.Lock()
	m.states[providerID] = &providerState{kind: CredentialStateUnauthenticated, updatedAt: m.clock()}
	m.mu.Unlock()
	return nil
}

func (m *OAuthManager) ReportRateLimited(providerID string) {
	m.transitionFrom(normalizeProviderID(providerID), CredentialStateRateLimited,
		CredentialStateValid, CredentialStateRefreshing)
}

func (m *OAuthManager) ReportCooldownWait(providerID string) {
	m.transitionFrom(normalizeProviderID(providerID), CredentialStateCooldownWait,
		CredentialStateRateLimited)
}

func (m *OAuthManager) ReportCallSucceeded(providerID string) {
	m.transitionFrom(normalizeProviderID(providerID), CredentialStateValid,
		CredentialStateRateLimited, CredentialStateCooldownWait)
}

func (m *OAuthManager) State(providerID string) CredentialState {
	providerID = normalizeProviderID(providerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(providerID)
}

func (m *OAuthManager) States() []CredentialState {
	m.mu.Lock()
	out := make([]CredentialState, 0, len(m.states))
	for providerID := range m.states {
		out = append(out, m.snapshotLocked(providerID))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func (m *OAuthManager) Inspect(ctx context.Context, providerID string) (Credential, error) {
	providerID = normalizeProviderID(providerID)
	credential, err := m.store.Get(ctx, providerID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return Credential{}, err
		}
		return Credential{}, asStorageError(providerID, "get", err)
	}
	return credential, nil
}

func (m *OAuthManager) snapshotLocked(providerID string) CredentialState {
	state, ok := m.states[providerID]
	if !ok {
		return CredentialState{ProviderID: providerID, Kind: CredentialStateUnauthenticated}
	}
	out := CredentialState{
		ProviderID: providerID,
		Kind:       state.kind,
		Failure:    state.failure,
		LastError:  state.lastError,
		UpdatedAt:  state.updatedAt,
	}
	if state.credential != nil {
		credential := state.credential.Clone()
		out.Credential = &credential
	}
	return out
}

func (m *OAuthManager) load(ctx context.Context, providerID string) (Credential, error) {
	credential, err := m.store.Get(ctx, providerID)
	if err == nil {
		if credential.ProviderID == "" {
			credential.ProviderID = providerID
		}
		return credential, nil
	}
	if errors.Is(err, ErrCredentialNotFound) {
		m.transition(providerID, CredentialStateUnauthenticated, nil)
		return Credential{}, NewAuthRequiredError(providerID, "no stored credential")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Credential{}, NewTimeoutError(providerID, ctxErr)
	}
	storageErr := asStorageError(providerID, "get", err)
	m.fail(providerID, nil, ClassificationStorageUnavailable, storageErr)
	return Credential{}, storageErr
}

// checkFailed keeps a failed provider failed until a different credential
// shows up. When the failure happened before any credential was known, the
// first credential read afterwards is pinned as the failed one.
func (m *OAuthManager) checkFailed(providerID string, credential Credential) error {
	m.mu.Lock()
	state, ok := m.states[providerID]
	if !ok || state.kind != CredentialStateFailed {
		m.mu.Unlock()
		return nil
	}
	if state.failed == nil {
		pinned := credential.Clone()
		state.failed = &pinned
	}
	failed := *state.failed
	failure := state.failure
	lastError := state.lastError
	m.mu.Unlock()

	if !sameCredential(failed, credential) {
		return nil
	}
	switch failure {
	case ClassificationRefreshFailed:
		return NewRefreshFailedError(providerID, errors.New(lastError))
	case ClassificationStorageUnavailable:
		return NewStorageUnavailableError(providerID, "get", fmt.Errorf("%s; re-authorization required", lastError))
	default:
		return NewAuthRequiredError(providerID, "re-authorization required")
	}
}

func (m *OAuthManager) markUsable(providerID string, credential Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(providerID)
	switch state.kind {
	case CredentialStateRateLimited, CredentialStateCooldownWait:
		state.credential = &credential
		return
	}
	m.setLocked(providerID, state, CredentialStateValid)
	state.credential = &credential
	state.failed = nil
	state.failure = ""
	state.lastError = ""
}

func (m *OAuthManager) transition(providerID string, to CredentialStateKind, credential *Credential) CredentialStateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(providerID)
	previous := state.kind
	m.setLocked(providerID, state, to)
	if credential != nil {
		clone := credential.Clone()
		state.credential = &clone
	}
	if to == CredentialStateUnauthenticated {
		state.credential = nil
	}
	if to != CredentialStateFailed {
		state.failed = nil
		state.failure = ""
	}
	return previous
}

func (m *OAuthManager) transitionFrom(providerID string, to CredentialStateKind, from ...CredentialStateKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(providerID)
	for _, candidate := range from {
		if state.kind == candidate {
			m.setLocked(providerID, state, to)
			return true
		}
	}
	return false
}

func (m *OAuthManager) restore(providerID string, previous CredentialStateKind, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(providerID)
	switch previous {
	case "", CredentialStateUnauthenticated, CredentialStateRefreshing, CredentialStateFailed:
		previous = CredentialStateValid
	}
	m.setLocked(providerID, state, previous)
	if cause != nil {
		state.lastError = cause.Error()
	}
}

func (m *OAuthManager) fail(providerID string, credential *Credential, failure Classification, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(providerID)
	m.setLocked(providerID, state, CredentialStateFailed)
	state.failure = failure
	state.failed = nil
	if credential == nil {
		credential = state.credential
	}
	if credential != nil {
		clone := credential.Clone()
		state.failed = &clone
	}
	if cause != nil {
		state.lastError = cause.Error()
	}
}

func (m *OAuthManager) stateLocked(providerID string) *providerState {
	state, ok := m.states[providerID]
	if !ok {
		state = &providerState{kind: CredentialStateUnauthenticated}
		m.states[providerID] = state
	}
	return state
}

func (m *OAuthManager) setLocked(providerID string, state *providerState, to CredentialStateKind) {
	from := state.kind
	state.updatedAt = m.clock()
	if from == to {
		return
	}
	state.kind = to
	tags := map[string]string{"provider_id": providerID, "from": string(from), "to": string(to)}
	m.recordCounter(context.Background(), metricPrefix+"credential_state.transitions", 1, tags)
	if m.logger != nil {
		m.logger.Debug("credential state changed", "provider_id", providerID, "from", from, "to", to)
	}
}

func sameCredential(a Credential, b Credential) bool {
	return bytes.Equal(a.Secret, b.Secret) && bytes.Equal(a.RefreshSecret, b.RefreshSecret)
}

func asStorageError(providerID string, operation string, err error) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode == GatewayErrorStorageUnavailable {
		return err
	}
	return NewStorageUnavailableError(providerID, operation, err)
}
