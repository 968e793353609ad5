package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-gateway/ratelimit"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type invocation struct {
	req      InvocationRequest
	trail    []AttemptRecord
	outcomes []CandidateOutcome
	calls    int
}

type candidateRun struct {
	candidate   Candidate
	caller      ProviderCaller
	credential  Credential
	retry       RetryConfig
	scheduler   BackoffScheduler
	budgetUsed  int
	attempts    int
	substituted bool
}

// Invoke sends req to the first candidate that produces a 2xx response.
// Candidates in cooldown are skipped; transient failures are retried with
// backoff up to the provider's attempt budget; a 429 puts the tier in
// cooldown and switches to the api key credential once, without consuming
// budget. When nothing succeeds a *GatewayError describes every candidate.
func (s *Service) Invoke(ctx context.Context, req InvocationRequest) (result InvocationResult, err error) {
	if s == nil {
		return InvocationResult{}, fmt.Errorf("core: service is nil")
	}
	startedAt := s.clock()
	fields := map[string]any{
		"category":        req.Category,
		"idempotency_key": req.IdempotencyKey,
	}
	defer func() {
		if err == nil {
			fields["provider_id"] = result.ProviderID
			fields["tier"] = result.Tier
			fields["credential_kind"] = string(result.CredentialKind)
			fields["attempts"] = result.Attempts
			fields["classification"] = string(ClassificationSuccess)
		} else {
			fields["classification"] = string(ClassifyError(err))
		}
		s.observeOperation(ctx, startedAt, "invoke", err, fields)
	}()

	if len(req.Prompt) == 0 {
		return InvocationResult{}, NewBadInputError("core: invocation prompt is required")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = uuid.NewString()
		fields["idempotency_key"] = req.IdempotencyKey
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("gateway.category", req.Category),
		attribute.String("gateway.provider_hint", req.ProviderHint),
	))
	defer span.End()

	candidates, err := s.config.ResolveCandidates(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return InvocationResult{}, err
	}

	run := &invocation{req: req}
	timedOut := false
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			timedOut = true
			break
		}
		outcome, payload, ok := s.tryCandidate(ctx, run, candidate)
		run.outcomes = append(run.outcomes, outcome)
		if ok {
			result = InvocationResult{
				Payload:        payload,
				ProviderID:     candidate.ProviderID,
				Tier:           candidate.Tier,
				Model:          candidate.Model,
				CredentialKind: run.trail[len(run.trail)-1].CredentialKind,
				Attempts:       run.calls,
				Elapsed:        s.clock().Sub(startedAt),
				Trail:          run.trail,
			}
			span.SetAttributes(
				attribute.String("gateway.provider", candidate.ProviderID),
				attribute.String("gateway.tier", candidate.Tier),
				attribute.Int("gateway.attempts", run.calls),
			)
			return result, nil
		}
		if outcome.Classification == ClassificationTimeout {
			timedOut = true
			break
		}
	}

	gatewayErr := &GatewayError{
		Candidates: run.outcomes,
		TimedOut:   timedOut,
	}
	if timedOut {
		gatewayErr.Cause = ctx.Err()
	}
	fields["attempts"] = run.calls
	fields["trail"] = describeTrail(run.trail)
	span.SetStatus(codes.Error, gatewayErr.Error())
	return InvocationResult{}, gatewayErr
}

func (s *Service) tryCandidate(ctx context.Context, run *invocation, candidate Candidate) (CandidateOutcome, []byte, bool) {
	outcome := CandidateOutcome{Candidate: candidate}

	if remaining := s.cooldownTracker.RemainingCooldown(candidate.ProviderID, candidate.Tier); remaining > 0 {
		outcome.Classification = ClassificationCooldown
		outcome.Detail = fmt.Sprintf("cooling down for %s", remaining.Round(time.Second))
		s.record(ctx, run, AttemptRecord{
			ProviderID:     candidate.ProviderID,
			Tier:           candidate.Tier,
			Classification: ClassificationCooldown,
			Error:          outcome.Detail,
		})
		return outcome, nil, false
	}

	caller := s.callers[candidate.ProviderID]
	if caller == nil {
		outcome.Classification = ClassificationNotConfigured
		outcome.Detail = "no caller registered"
		s.record(ctx, run, AttemptRecord{
			ProviderID:     candidate.ProviderID,
			Tier:           candidate.Tier,
			Classification: ClassificationNotConfigured,
			Error:          outcome.Detail,
		})
		return outcome, nil, false
	}

	credential, err := s.oauth.GetValidToken(ctx, candidate.ProviderID)
	if err != nil {
		class := ClassifyError(err)
		if ctx.Err() != nil {
			class = ClassificationTimeout
		}
		outcome.Classification = class
		outcome.Detail = err.Error()
		s.record(ctx, run, AttemptRecord{
			ProviderID:     candidate.ProviderID,
			Tier:           candidate.Tier,
			Classification: class,
			Error:          err.Error(),
		})
		return outcome, nil, false
	}

	retry := s.config.RetryFor(candidate.ProviderID)
	state := &candidateRun{
		candidate:  candidate,
		caller:     caller,
		credential: credential,
		retry:      retry,
		scheduler:  s.schedulerFor(candidate.ProviderID),
	}

	free := false
	for {
		if !free {
			state.budgetUsed++
		}
		free = false
		state.attempts++

		resp, elapsed, callErr := s.callOnce(ctx, run, state)
		outcome.Attempts = state.attempts
		outcome.StatusCode = resp.StatusCode

		if ctx.Err() != nil {
			// The caller gave up: record and leave cooldown and store untouched.
			outcome.Classification = ClassificationTimeout
			outcome.Detail = ctx.Err().Error()
			s.recordAttempt(ctx, run, state, resp.StatusCode, ClassificationTimeout, elapsed, ctx.Err())
			return outcome, nil, false
		}

		class := classifyCall(resp, callErr)
		s.recordAttempt(ctx, run, state, resp.StatusCode, class, elapsed, callErr)
		outcome.Classification = class
		if callErr != nil {
			outcome.Detail = callErr.Error()
		} else {
			outcome.Detail = ""
		}

		switch class {
		case ClassificationSuccess:
			if !state.credential.IsAPIKey() {
				s.cooldownTracker.Clear(candidate.ProviderID, candidate.Tier)
				s.oauth.ReportCallSucceeded(candidate.ProviderID)
			}
			return outcome, resp.Body, true

		case ClassificationRateLimited:
			s.enterCooldown(ctx, candidate, resp)
			if !state.credential.IsAPIKey() {
				s.oauth.ReportRateLimited(candidate.ProviderID)
			}
			if key, ok := s.apiKeySubstitute(candidate.ProviderID, state); ok {
				state.credential = key
				state.substituted = true
				free = true
				continue
			}
			s.oauth.ReportCooldownWait(candidate.ProviderID)
			outcome.Detail = "rate limited; cooling down"
			return outcome, nil, false

		case ClassificationTransient:
			if state.budgetUsed >= state.retry.MaxAttempts {
				return outcome, nil, false
			}
			delay := state.scheduler.NextDelay(state.budgetUsed)
			if err := s.waiter(ctx, delay); err != nil {
				outcome.Classification = ClassificationTimeout
				outcome.Detail = err.Error()
				return outcome, nil, false
			}

		default:
			return outcome, nil, false
		}
	}
}

// callOnce runs one provider call under the per-attempt timeout, holding a
// concurrency permit for the model only while the call is in flight.
func (s *Service) callOnce(ctx context.Context, run *invocation, state *candidateRun) (CallResponse, time.Duration, error) {
	candidate := state.candidate
	run.calls++

	attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout())
	defer cancel()
	attemptCtx, span := s.tracer.Start(attemptCtx, "gateway.attempt", trace.WithAttributes(
		attribute.String("gateway.provider", candidate.ProviderID),
		attribute.String("gateway.tier", candidate.Tier),
		attribute.String("gateway.model", candidate.Model),
		attribute.String("gateway.credential_kind", string(state.credential.Kind)),
		attribute.Int("gateway.attempt", state.attempts),
	))
	defer span.End()

	startedAt := s.clock()
	release, err := s.limiter.Acquire(attemptCtx, candidate.Model)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return CallResponse{}, s.clock().Sub(startedAt), err
	}
	resp, err := state.caller.Call(attemptCtx, CallRequest{
		ProviderID:     candidate.ProviderID,
		Tier:           candidate.Tier,
		Model:          candidate.Model,
		Credential:     state.credential,
		Prompt:         run.req.Prompt,
		Metadata:       run.req.Metadata,
		IdempotencyKey: run.req.IdempotencyKey,
		Attempt:        state.attempts,
	})
	release()
	elapsed := s.clock().Sub(startedAt)

	if resp.StatusCode > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, elapsed, err
}

func (s *Service) apiKeySubstitute(providerID string, state *candidateRun) (Credential, bool) {
	if state.substituted || state.credential.IsAPIKey() || s.apiKeyResolver == nil {
		return Credential{}, false
	}
	providerCfg, ok := s.config.Provider(providerID)
	if !ok || !providerCfg.APIKeyFallback {
		return Credential{}, false
	}
	key, ok := s.apiKeyResolver.ResolveAPIKey(providerID)
	if !ok || len(key.Secret) == 0 {
		return Credential{}, false
	}
	key.ProviderID = providerID
	key.Kind = CredentialKindAPIKey
	return key, true
}

// enterCooldown uses the configured tier cooldown, or the server's retry hint
// when that is longer.
func (s *Service) enterCooldown(ctx context.Context, candidate Candidate, resp CallResponse) {
	duration := s.config.CooldownFor(candidate.ProviderID, candidate.Tier)
	if hint, ok := ratelimit.ParseRetryAfter(resp.Headers, s.clock()); ok && hint > duration {
		duration = hint
	}
	until := s.cooldownTracker.EnterCooldown(candidate.ProviderID, candidate.Tier, duration)
	s.logWarn(ctx, "provider tier entered cooldown", map[string]any{
		"provider_id":    candidate.ProviderID,
		"tier":           candidate.Tier,
		"cooldown_until": until.Format(time.RFC3339),
	})
}

func (s *Service) recordAttempt(
	ctx context.Context,
	run *invocation,
	state *candidateRun,
	statusCode int,
	class Classification,
	elapsed time.Duration,
	err error,
) {
	record := AttemptRecord{
		ProviderID:     state.candidate.ProviderID,
		Tier:           state.candidate.Tier,
		CredentialKind: state.credential.Kind,
		Attempt:        state.attempts,
		StatusCode:     statusCode,
		Classification: class,
		Duration:       elapsed,
	}
	if err != nil {
		record.Error = err.Error()
	}
	s.record(ctx, run, record)
}

func (s *Service) record(ctx context.Context, run *invocation, record AttemptRecord) {
	run.trail = append(run.trail, record)
	tags := map[string]string{
		"provider_id":    record.ProviderID,
		"tier":           record.Tier,
		"classification": string(record.Classification),
	}
	if record.CredentialKind != "" {
		tags["credential_kind"] = string(record.CredentialKind)
	}
	s.recordCounter(ctx, metricPrefix+"attempt.total", 1, tags)
	if record.Duration > 0 {
		s.recordHistogram(ctx, metricPrefix+"attempt.duration_ms", float64(record.Duration.Milliseconds()), tags)
	}
}

// classifyCall maps one call outcome onto the gateway taxonomy. Transport
// errors, including a per-attempt timeout, are transient.
func classifyCall(resp CallResponse, err error) Classification {
	if err != nil {
		if class := ClassifyError(err); class == ClassificationClientError || class == ClassificationAuthRequired {
			return ClassificationClientError
		}
		return ClassificationTransient
	}
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return ClassificationSuccess
	case code == http.StatusTooManyRequests:
		return ClassificationRateLimited
	case code >= 500:
		return ClassificationTransient
	default:
		return ClassificationClientError
	}
}

func describeTrail(trail []AttemptRecord) []string {
	out := make([]string, 0, len(trail))
	for _, record := range trail {
		entry := fmt.Sprintf("%s/%s#%d=%s", record.ProviderID, record.Tier, record.Attempt, record.Classification)
		if record.StatusCode > 0 {
			entry += fmt.Sprintf("(%d)", record.StatusCode)
		}
		out = append(out, entry)
	}
	return out
}
