package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type gatewayHarness struct {
	svc    *Service
	clock  *testClock
	waiter *recordingWaiter
	store  *MemoryCredentialStore
	alpha  *scriptedCaller
	beta   *scriptedCaller
}

func newGatewayHarness(t *testing.T, cfg Config, opts ...Option) *gatewayHarness {
	t.Helper()
	clock := newTestClock()
	h := &gatewayHarness{
		clock:  clock,
		waiter: &recordingWaiter{clock: clock},
		store:  NewMemoryCredentialStore(),
		alpha:  &scriptedCaller{clock: clock, responses: []CallResponse{{StatusCode: 200, Body: []byte("alpha-ok")}}},
		beta:   &scriptedCaller{clock: clock, responses: []CallResponse{{StatusCode: 200, Body: []byte("beta-ok")}}},
	}
	for _, providerID := range []string{"alpha", "beta"} {
		credential := oauthCredential(providerID, providerID+"-token", clock.Now().Add(time.Hour))
		if err := h.store.Put(context.Background(), providerID, credential); err != nil {
			t.Fatalf("seed %s: %v", providerID, err)
		}
	}
	base := []Option{
		WithClock(clock.Now),
		WithWaiter(h.waiter.Wait),
		WithCredentialStore(h.store),
		WithCaller("alpha", h.alpha),
		WithCaller("beta", h.beta),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	return h
}

func invokeAlpha(t *testing.T, h *gatewayHarness) (InvocationResult, error) {
	t.Helper()
	return h.svc.Invoke(context.Background(), InvocationRequest{
		ProviderHint: "alpha",
		TierHint:     "fast",
		Prompt:       []byte("hello"),
	})
}

func TestInvoke_SucceedsOnPreferredCandidate(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())

	result, err := invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ProviderID != "alpha" || result.Tier != "fast" || result.Model != "alpha-fast" {
		t.Fatalf("unexpected candidate %+v", result)
	}
	if string(result.Payload) != "alpha-ok" || result.Attempts != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.CredentialKind != CredentialKindOAuthAccess {
		t.Fatalf("expected oauth credential, got %s", result.CredentialKind)
	}
	calls := h.alpha.Calls()
	if len(calls) != 1 || string(calls[0].credential.Secret) != "alpha-token" {
		t.Fatalf("expected one call with the stored token, got %+v", calls)
	}
	if len(h.beta.Calls()) != 0 {
		t.Fatalf("expected fallback to stay untouched")
	}
}

func TestInvoke_AssignsIdempotencyKeyReusedAcrossAttempts(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	keys := map[string]struct{}{}
	h.alpha.callFn = func(_ context.Context, req CallRequest) (CallResponse, error) {
		keys[req.IdempotencyKey] = struct{}{}
		if req.Attempt == 1 {
			return CallResponse{StatusCode: 503}, nil
		}
		return CallResponse{StatusCode: 200}, nil
	}

	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected a single idempotency key across retries, got %v", keys)
	}
	for key := range keys {
		if strings.TrimSpace(key) == "" {
			t.Fatalf("expected generated idempotency key")
		}
	}
}

func TestInvoke_TransientFailuresBackOffThenFallBack(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.responses = []CallResponse{{StatusCode: 503}}

	result, err := invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ProviderID != "beta" {
		t.Fatalf("expected fallback to beta, got %s", result.ProviderID)
	}
	calls := h.alpha.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected exactly two attempts on alpha, got %d", len(calls))
	}
	if gap := calls[1].at.Sub(calls[0].at); gap < 10*time.Second {
		t.Fatalf("expected at least 10s between attempts, got %s", gap)
	}
	delays := h.waiter.Delays()
	if len(delays) != 1 || delays[0] != 10*time.Second {
		t.Fatalf("expected a single 10s backoff, got %v", delays)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected three calls in total, got %d", result.Attempts)
	}
	if len(result.Trail) != 3 || result.Trail[0].Classification != ClassificationTransient {
		t.Fatalf("unexpected trail %+v", result.Trail)
	}
	if h.svc.cooldownTracker.IsInCooldown("alpha", "fast") {
		t.Fatalf("transient failures must not start a cooldown")
	}
}

func TestInvoke_BackoffDoublesPerAttempt(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Retry.MaxAttempts = 3
	h := newGatewayHarness(t, cfg)
	h.alpha.responses = []CallResponse{{StatusCode: 500}}

	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	delays := h.waiter.Delays()
	if len(delays) != 2 || delays[0] != 10*time.Second || delays[1] != 20*time.Second {
		t.Fatalf("expected [10s 20s], got %v", delays)
	}
	if len(h.alpha.Calls()) != 3 {
		t.Fatalf("expected three attempts, got %d", len(h.alpha.Calls()))
	}
}

func TestInvoke_TransportErrorIsRetried(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.responses = []CallResponse{{}, {StatusCode: 200, Body: []byte("recovered")}}
	h.alpha.errs = []error{errors.New("connection reset by peer")}

	result, err := invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ProviderID != "alpha" || string(result.Payload) != "recovered" {
		t.Fatalf("expected alpha to recover, got %+v", result)
	}
	if len(h.waiter.Delays()) != 1 {
		t.Fatalf("expected one backoff wait, got %v", h.waiter.Delays())
	}
}

func TestInvoke_RateLimitSubstitutesAPIKeyImmediately(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig(), WithAPIKeyResolver(staticAPIKeys{"alpha": "sk-alpha"}))
	h.alpha.responses = []CallResponse{{StatusCode: 429}, {StatusCode: 200, Body: []byte("keyed")}}

	result, err := invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	calls := h.alpha.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(calls))
	}
	if calls[1].credential.Kind != CredentialKindAPIKey || string(calls[1].credential.Secret) != "sk-alpha" {
		t.Fatalf("expected api key on second call, got %+v", calls[1].credential)
	}
	if !calls[1].at.Equal(calls[0].at) || len(h.waiter.Delays()) != 0 {
		t.Fatalf("expected substitution without waiting, delays=%v", h.waiter.Delays())
	}
	if result.CredentialKind != CredentialKindAPIKey || string(result.Payload) != "keyed" {
		t.Fatalf("unexpected result %+v", result)
	}
	if remaining := h.svc.cooldownTracker.RemainingCooldown("alpha", "fast"); remaining != 300*time.Second {
		t.Fatalf("expected a 300s cooldown, got %s", remaining)
	}
	if kind := h.svc.OAuth().State("alpha").Kind; kind != CredentialStateRateLimited {
		t.Fatalf("expected rate_limited state, got %s", kind)
	}
}

func TestInvoke_APIKeySubstitutionDoesNotConsumeBudget(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig(), WithAPIKeyResolver(staticAPIKeys{"alpha": "sk-alpha"}))
	h.alpha.responses = []CallResponse{{StatusCode: 429}, {StatusCode: 503}}

	result, err := invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ProviderID != "beta" {
		t.Fatalf("expected fallback after alpha exhausted, got %s", result.ProviderID)
	}
	if got := len(h.alpha.Calls()); got != 3 {
		t.Fatalf("expected oauth call plus two keyed attempts, got %d", got)
	}
	if delays := h.waiter.Delays(); len(delays) != 1 || delays[0] != 10*time.Second {
		t.Fatalf("expected one 10s backoff between keyed attempts, got %v", delays)
	}
}

func TestInvoke_RateLimitWithoutAPIKeyMovesOn(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.responses = []CallResponse{{StatusCode: 429}}

	result, err := invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ProviderID != "beta" {
		t.Fatalf("expected beta, got %s", result.ProviderID)
	}
	if len(h.alpha.Calls()) != 1 {
		t.Fatalf("expected a single alpha call, got %d", len(h.alpha.Calls()))
	}
	if kind := h.svc.OAuth().State("alpha").Kind; kind != CredentialStateCooldownWait {
		t.Fatalf("expected cooldown_wait, got %s", kind)
	}
}

func TestInvoke_RetryAfterLongerThanCooldownWins(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.responses = []CallResponse{{StatusCode: 429, Headers: map[string]string{"Retry-After": "900"}}}

	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if remaining := h.svc.cooldownTracker.RemainingCooldown("alpha", "fast"); remaining != 900*time.Second {
		t.Fatalf("expected retry-after to extend cooldown to 900s, got %s", remaining)
	}
}

func TestInvoke_SkipsCooldownThenRetriesAfterExpiry(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.responses = []CallResponse{{StatusCode: 429}, {StatusCode: 200, Body: []byte("alpha-back")}}

	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("first invoke: %v", err)
	}

	h.clock.Advance(2 * time.Minute)
	result, err := invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke during cooldown: %v", err)
	}
	if len(h.alpha.Calls()) != 1 {
		t.Fatalf("expected alpha skipped during cooldown, got %d calls", len(h.alpha.Calls()))
	}
	if result.ProviderID != "beta" || result.Trail[0].Classification != ClassificationCooldown {
		t.Fatalf("expected cooldown skip then beta, got %+v", result)
	}

	h.clock.Advance(3*time.Minute + time.Second)
	result, err = invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke after cooldown: %v", err)
	}
	if result.ProviderID != "alpha" || string(result.Payload) != "alpha-back" {
		t.Fatalf("expected alpha retried after expiry, got %+v", result)
	}
	if h.svc.cooldownTracker.IsInCooldown("alpha", "fast") {
		t.Fatalf("expected cooldown cleared after successful call")
	}
	if kind := h.svc.OAuth().State("alpha").Kind; kind != CredentialStateValid {
		t.Fatalf("expected valid after the call succeeded, got %s", kind)
	}
}

func TestInvoke_CooldownIsPerTier(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.callFn = func(_ context.Context, req CallRequest) (CallResponse, error) {
		if req.Tier == "fast" {
			return CallResponse{StatusCode: 429}, nil
		}
		return CallResponse{StatusCode: 200, Body: []byte(req.Model)}, nil
	}
	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	result, err := h.svc.Invoke(context.Background(), InvocationRequest{ProviderHint: "alpha", TierHint: "deep", Prompt: []byte("x")})
	if err != nil {
		t.Fatalf("invoke deep: %v", err)
	}
	if result.Tier != "deep" || string(result.Payload) != "alpha-deep" {
		t.Fatalf("expected the other tier to stay usable, got %+v", result)
	}
}

func TestInvoke_CancelDuringBackoffMutatesNothing(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.responses = []CallResponse{{StatusCode: 503}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.waiter.onWait = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	before, _ := h.store.Get(context.Background(), "alpha")

	_, err := h.svc.Invoke(ctx, InvocationRequest{ProviderHint: "alpha", Prompt: []byte("hello")})
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) || !gatewayErr.TimedOut {
		t.Fatalf("expected timed out gateway error, got %v", err)
	}
	if ClassifyError(err) != ClassificationTimeout {
		t.Fatalf("expected timeout classification, got %s", ClassifyError(err))
	}
	if len(h.beta.Calls()) != 0 {
		t.Fatalf("expected no further candidates after cancellation")
	}
	if h.svc.cooldownTracker.IsInCooldown("alpha", "fast") {
		t.Fatalf("expected no cooldown change")
	}
	after, _ := h.store.Get(context.Background(), "alpha")
	if !sameCredential(before, after) {
		t.Fatalf("expected stored credential unchanged")
	}
	if kind := h.svc.OAuth().State("alpha").Kind; kind != CredentialStateValid {
		t.Fatalf("expected state unchanged, got %s", kind)
	}
}

func TestInvoke_CancelledRateLimitedCallLeavesCooldownUntouched(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.alpha.callFn = func(context.Context, CallRequest) (CallResponse, error) {
		cancel()
		return CallResponse{StatusCode: 429}, nil
	}

	_, err := h.svc.Invoke(ctx, InvocationRequest{ProviderHint: "alpha", Prompt: []byte("hello")})
	if ClassifyError(err) != ClassificationTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if h.svc.cooldownTracker.IsInCooldown("alpha", "fast") {
		t.Fatalf("expected cooldown untouched for an abandoned call")
	}
}

func TestInvoke_ClientErrorMovesToNextCandidate(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.responses = []CallResponse{{StatusCode: 400}}

	result, err := invokeAlpha(t, h)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ProviderID != "beta" || len(h.alpha.Calls()) != 1 {
		t.Fatalf("expected one alpha call then beta, got %+v", result)
	}
	if len(h.waiter.Delays()) != 0 {
		t.Fatalf("client errors must not back off")
	}
}

func TestInvoke_ExhaustionReportsEveryCandidate(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	h.alpha.responses = []CallResponse{{StatusCode: 400}}
	h.beta.responses = []CallResponse{{StatusCode: 503}}

	_, err := invokeAlpha(t, h)
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if len(gatewayErr.Candidates) != 2 {
		t.Fatalf("expected two candidate outcomes, got %+v", gatewayErr.Candidates)
	}
	msg := err.Error()
	for _, want := range []string{"alpha/fast=client_error", "beta/std=transient_provider_error"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
	serviceErr := gatewayErr.ToServiceError()
	if serviceErr.TextCode != GatewayErrorCandidatesExhausted {
		t.Fatalf("expected exhausted text code, got %s", serviceErr.TextCode)
	}
}

func TestInvoke_MissingCredentialFlagsUserAction(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	_ = h.store.Delete(context.Background(), "alpha")
	h.beta.responses = []CallResponse{{StatusCode: 503}}

	_, err := invokeAlpha(t, h)
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if got := gatewayErr.ReauthorizationRequired(); len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("expected alpha to need re-authorization, got %v", got)
	}
	if !strings.Contains(err.Error(), "re-authorize alpha") {
		t.Fatalf("expected user action in message, got %q", err.Error())
	}
	if len(h.alpha.Calls()) != 0 {
		t.Fatalf("expected no call without a credential")
	}
}

func TestInvoke_FallbackDisabledTriesPreferredOnly(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Routing.Fallback.Enabled = boolPtr(false)
	cfg.Routing.TaskRouting = map[string]RouteConfig{
		"code": {Candidates: []CandidateConfig{{Provider: "alpha", Tier: "deep"}}},
	}
	h := newGatewayHarness(t, cfg)
	h.alpha.responses = []CallResponse{{StatusCode: 503}}

	_, err := h.svc.Invoke(context.Background(), InvocationRequest{Category: "code", Prompt: []byte("x")})
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) || len(gatewayErr.Candidates) != 1 {
		t.Fatalf("expected only the preferred candidate, got %v", err)
	}
	if gatewayErr.Candidates[0].Candidate.Tier != "deep" || gatewayErr.Candidates[0].Attempts != 2 {
		t.Fatalf("unexpected outcome %+v", gatewayErr.Candidates[0])
	}
	if len(h.beta.Calls()) != 0 {
		t.Fatalf("expected beta untouched")
	}
}

func TestInvoke_ProviderRetryOverridesGlobal(t *testing.T) {
	cfg := testGatewayConfig()
	alpha := cfg.Providers["alpha"]
	alpha.Retry = RetryConfig{MaxAttempts: 1}
	cfg.Providers["alpha"] = alpha
	h := newGatewayHarness(t, cfg)
	h.alpha.responses = []CallResponse{{StatusCode: 502}}

	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(h.alpha.Calls()) != 1 || len(h.waiter.Delays()) != 0 {
		t.Fatalf("expected a single attempt without backoff, calls=%d delays=%v", len(h.alpha.Calls()), h.waiter.Delays())
	}
}

func TestInvoke_MissingCallerIsNotConfigured(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Providers["gamma"] = ProviderConfig{Tiers: []TierConfig{{Name: "only", Model: "gamma-1"}}}
	h := newGatewayHarness(t, cfg)

	result, err := h.svc.Invoke(context.Background(), InvocationRequest{ProviderHint: "gamma", Prompt: []byte("x")})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Trail[0].Classification != ClassificationNotConfigured || result.ProviderID != "alpha" {
		t.Fatalf("expected gamma reported not_configured then fallback, got %+v", result)
	}
}

func TestInvoke_PermitReleasedDuringBackoff(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Concurrency.ModelLimits = map[string]int{"alpha-fast": 1}
	h := newGatewayHarness(t, cfg)
	h.alpha.responses = []CallResponse{{StatusCode: 503}, {StatusCode: 200}}
	h.waiter.onWait = func(ctx context.Context, _ time.Duration) error {
		shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		release, err := h.svc.limiter.Acquire(shortCtx, "alpha-fast")
		if err != nil {
			t.Errorf("expected permit free while backing off: %v", err)
			return nil
		}
		release()
		return nil
	}

	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("invoke: %v", err)
	}
}

func TestInvoke_RejectsEmptyPrompt(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	_, err := h.svc.Invoke(context.Background(), InvocationRequest{ProviderHint: "alpha"})
	if ClassifyError(err) != ClassificationClientError {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestInvoke_UnknownProviderHint(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	_, err := h.svc.Invoke(context.Background(), InvocationRequest{ProviderHint: "nope", Prompt: []byte("x")})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != GatewayErrorProviderNotFound {
		t.Fatalf("expected provider not found, got %v", err)
	}
}

func TestInvoke_EmitsAttemptMetricsAndCooldownLog(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	h := newGatewayHarness(t, testGatewayConfig(), WithMetricsRecorder(metrics),
		WithLoggerProvider(stubLoggerProvider{logger: logger}),
		WithLogger(logger),
	)
	h.alpha.responses = []CallResponse{{StatusCode: 429}}

	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !metrics.hasCounter("gateway.attempt.total", map[string]string{"provider_id": "alpha", "classification": "rate_limited"}) {
		t.Fatalf("expected rate limited attempt counter")
	}
	if !metrics.hasCounter("gateway.invoke.total", map[string]string{"provider_id": "beta"}) {
		t.Fatalf("expected invoke counter")
	}
	if !metrics.hasHistogram("gateway.invoke.duration_ms") {
		t.Fatalf("expected invoke duration histogram")
	}
	if _, ok := hasLog(logger.snapshot(), "warn", "provider tier entered cooldown"); !ok {
		t.Fatalf("expected cooldown warning log")
	}
}

func TestDescribe_ReportsStateAndCooldown(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig(), WithAPIKeyResolver(staticAPIKeys{"alpha": "sk-alpha"}))
	h.alpha.responses = []CallResponse{{StatusCode: 429}, {StatusCode: 200}}
	if _, err := invokeAlpha(t, h); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	status, err := h.svc.Describe(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if status.State != CredentialStateRateLimited || !status.InCooldown() {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.CooldownRemaining["fast"] != 300*time.Second || status.CooldownRemaining["deep"] != 0 {
		t.Fatalf("unexpected cooldown map %v", status.CooldownRemaining)
	}
	if !status.APIKeyFallback {
		t.Fatalf("expected api key fallback available")
	}

	beta, err := h.svc.Describe(context.Background(), "beta")
	if err != nil {
		t.Fatalf("describe beta: %v", err)
	}
	if beta.State != CredentialStateValid || beta.CredentialKind != CredentialKindOAuthAccess || beta.ExpiresAt == nil {
		t.Fatalf("expected stored beta credential reported valid, got %+v", beta)
	}
}

func TestStatus_ListsEveryProvider(t *testing.T) {
	h := newGatewayHarness(t, testGatewayConfig())
	statuses, err := h.svc.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 2 || statuses[0].ProviderID != "alpha" || statuses[1].ProviderID != "beta" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
}
