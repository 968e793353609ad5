package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{name: "nil", err: nil, want: ClassificationSuccess},
		{name: "auth required", err: NewAuthRequiredError("alpha", ""), want: ClassificationAuthRequired},
		{name: "refresh failed", err: NewRefreshFailedError("alpha", errors.New("invalid_grant")), want: ClassificationRefreshFailed},
		{name: "storage", err: NewStorageUnavailableError("alpha", "get", errors.New("disk")), want: ClassificationStorageUnavailable},
		{name: "transient", err: NewTransientProviderError("alpha", 503, nil), want: ClassificationTransient},
		{name: "timeout", err: NewTimeoutError("alpha", context.DeadlineExceeded), want: ClassificationTimeout},
		{name: "bad input", err: NewBadInputError("bad"), want: ClassificationClientError},
		{name: "wrapped", err: fmt.Errorf("outer: %w", NewAuthRequiredError("alpha", "x")), want: ClassificationAuthRequired},
		{name: "raw deadline", err: context.DeadlineExceeded, want: ClassificationTimeout},
		{name: "not found sentinel", err: ErrCredentialNotFound, want: ClassificationAuthRequired},
		{name: "rate limit category", err: goerrors.New("slow", goerrors.CategoryRateLimit), want: ClassificationRateLimited},
		{name: "unknown", err: errors.New("boom"), want: ClassificationInternal},
		{name: "gateway error", err: &GatewayError{Candidates: []CandidateOutcome{{Classification: ClassificationTransient}}}, want: ClassificationTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestErrorConstructors_Envelope(t *testing.T) {
	authErr := NewAuthRequiredError("alpha", "no stored credential")
	if authErr.Code != http.StatusUnauthorized || authErr.Metadata["user_action_required"] != true {
		t.Fatalf("unexpected auth envelope %+v", authErr)
	}
	storageErr := NewStorageUnavailableError("alpha", "put", errDiskGone)
	if !errors.Is(storageErr, errDiskGone) {
		t.Fatalf("expected storage error to wrap its cause")
	}
	if storageErr.Metadata["operation"] != "put" {
		t.Fatalf("expected operation metadata, got %+v", storageErr.Metadata)
	}
}

func TestGatewayErrorMapper(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		textCode string
	}{
		{name: "credential not found", err: ErrCredentialNotFound, textCode: GatewayErrorAuthRequired},
		{name: "deadline", err: context.DeadlineExceeded, textCode: GatewayErrorTimeout},
		{name: "required", err: errors.New("core: provider id is required"), textCode: GatewayErrorBadInput},
		{name: "not configured", err: errors.New("provider not configured"), textCode: GatewayErrorProviderNotFound},
		{name: "rich error kept", err: NewRefreshFailedError("alpha", nil), textCode: GatewayErrorRefreshFailed},
		{name: "exhausted", err: &GatewayError{Candidates: []CandidateOutcome{{Candidate: Candidate{ProviderID: "alpha", Tier: "fast"}, Classification: ClassificationClientError}}}, textCode: GatewayErrorCandidatesExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := gatewayErrorMapper(tc.err)
			if mapped == nil || mapped.TextCode != tc.textCode {
				t.Fatalf("expected %s, got %+v", tc.textCode, mapped)
			}
		})
	}
	if gatewayErrorMapper(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestGatewayError_Summary(t *testing.T) {
	err := &GatewayError{Candidates: []CandidateOutcome{
		{Candidate: Candidate{ProviderID: "alpha", Tier: "fast"}, Classification: ClassificationRefreshFailed},
		{Candidate: Candidate{ProviderID: "beta", Tier: "std"}, Classification: ClassificationCooldown},
	}}
	msg := err.Error()
	if !strings.HasPrefix(msg, "gateway: all candidates exhausted") {
		t.Fatalf("unexpected prefix %q", msg)
	}
	if !strings.Contains(msg, "alpha/fast=refresh_failed, beta/std=cooldown_skipped") {
		t.Fatalf("expected ordered chain in %q", msg)
	}
	if err.Terminal() != ClassificationCooldown {
		t.Fatalf("expected terminal classification of last candidate, got %s", err.Terminal())
	}
	serviceErr := err.ToServiceError()
	if serviceErr.Metadata["user_action_required"] != true {
		t.Fatalf("expected user action flag, got %+v", serviceErr.Metadata)
	}

	timedOut := &GatewayError{TimedOut: true, Cause: context.DeadlineExceeded}
	if !errors.Is(timedOut, context.DeadlineExceeded) {
		t.Fatalf("expected timed out error to unwrap its cause")
	}
	if timedOut.ToServiceError().TextCode != GatewayErrorTimeout {
		t.Fatalf("expected timeout text code")
	}
	if (&GatewayError{}).Terminal() != ClassificationNotConfigured {
		t.Fatalf("expected empty gateway error to be not_configured")
	}
}
