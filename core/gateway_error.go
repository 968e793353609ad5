package core

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// CandidateOutcome is the terminal classification a candidate reached during
// one invocation.
type CandidateOutcome struct {
	Candidate      Candidate
	Classification Classification
	Attempts       int
	StatusCode     int
	Detail         string
}

// GatewayError is returned by Invoke once every candidate is exhausted or the
// invocation deadline is reached.
type GatewayError struct {
	Candidates []CandidateOutcome
	TimedOut   bool
	Cause      error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, len(e.Candidates))
	for _, outcome := range e.Candidates {
		parts = append(parts, fmt.Sprintf("%s=%s", outcome.Candidate.String(), outcome.Classification))
	}
	chain := strings.Join(parts, ", ")
	if chain == "" {
		chain = "no candidates tried"
	}
	prefix := "gateway: all candidates exhausted"
	if e.TimedOut {
		prefix = "gateway: deadline reached"
	}
	msg := fmt.Sprintf("%s [%s]", prefix, chain)
	if providers := e.ReauthorizationRequired(); len(providers) > 0 {
		msg += fmt.Sprintf("; user action required: re-authorize %s", strings.Join(providers, ", "))
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Terminal returns the classification summarizing the whole invocation.
func (e *GatewayError) Terminal() Classification {
	if e == nil {
		return ClassificationSuccess
	}
	if e.TimedOut {
		return ClassificationTimeout
	}
	if len(e.Candidates) == 0 {
		return ClassificationNotConfigured
	}
	return e.Candidates[len(e.Candidates)-1].Classification
}

// ReauthorizationRequired lists providers whose candidates failed on
// credentials that need external re-authorization.
func (e *GatewayError) ReauthorizationRequired() []string {
	if e == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, outcome := range e.Candidates {
		if outcome.Classification.RequiresUserAction() {
			seen[outcome.Candidate.ProviderID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for providerID := range seen {
		out = append(out, providerID)
	}
	sort.Strings(out)
	return out
}

func (e *GatewayError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	candidates := make([]map[string]any, 0, len(e.Candidates))
	for _, outcome := range e.Candidates {
		entry := map[string]any{
			"provider_id":    outcome.Candidate.ProviderID,
			"tier":           outcome.Candidate.Tier,
			"classification": string(outcome.Classification),
			"attempts":       outcome.Attempts,
		}
		if outcome.StatusCode > 0 {
			entry["status_code"] = outcome.StatusCode
		}
		if outcome.Detail != "" {
			entry["detail"] = outcome.Detail
		}
		candidates = append(candidates, entry)
	}
	metadata := map[string]any{
		"candidates":           candidates,
		"user_action_required": len(e.ReauthorizationRequired()) > 0,
	}

	if e.TimedOut {
		return wrapGatewayError(e.Cause, goerrors.CategoryOperation, e.Error(), http.StatusGatewayTimeout, GatewayErrorTimeout, metadata)
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(GatewayErrorCandidatesExhausted).
		WithMetadata(metadata)
}
