// Package httpapi exposes gateway diagnostics and invocation over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goliatone/go-gateway/core"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultMaxRequestBytes int64 = 4 << 20

type Gateway interface {
	Invoke(ctx context.Context, req core.InvocationRequest) (core.InvocationResult, error)
	Describe(ctx context.Context, providerID string) (core.ProviderStatus, error)
	Status(ctx context.Context) ([]core.ProviderStatus, error)
}

type Option func(*Server)

func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer serves /metrics from gatherer instead of the default registry.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		if gatherer != nil {
			s.gatherer = gatherer
		}
	}
}

func WithMaxRequestBytes(limit int64) Option {
	return func(s *Server) {
		if limit > 0 {
			s.maxRequestBytes = limit
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

type Server struct {
	gateway         Gateway
	logger          core.Logger
	gatherer        prometheus.Gatherer
	maxRequestBytes int64
	now             func() time.Time
	handler         http.Handler
}

func NewServer(gateway Gateway, opts ...Option) *Server {
	server := &Server{
		gateway:         gateway,
		logger:          glog.Nop(),
		gatherer:        prometheus.DefaultGatherer,
		maxRequestBytes: defaultMaxRequestBytes,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/providers", server.handleStatus)
	r.Get("/providers/{provider}", server.handleDescribe)
	r.Post("/invoke", server.handleInvoke)
	r.Get("/metrics", promhttp.HandlerFor(server.gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	server.handler = otelhttp.NewHandler(r, "gateway.http")
	return server
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type providerStatusResponse struct {
	ProviderID        string           `json:"provider_id"`
	State             string           `json:"state"`
	CredentialKind    string           `json:"credential_kind,omitempty"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
	ExpiresInSeconds  *int64           `json:"expires_in_seconds,omitempty"`
	CooldownRemaining map[string]int64 `json:"cooldown_remaining_ms"`
	InCooldown        bool             `json:"in_cooldown"`
	APIKeyFallback    bool             `json:"api_key_fallback"`
	LastError         string           `json:"last_error,omitempty"`
}

type invokeRequest struct {
	Provider       string            `json:"provider,omitempty"`
	Tier           string            `json:"tier,omitempty"`
	Category       string            `json:"category,omitempty"`
	Prompt         string            `json:"prompt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type attemptResponse struct {
	ProviderID     string `json:"provider_id"`
	Tier           string `json:"tier"`
	CredentialKind string `json:"credential_kind,omitempty"`
	Attempt        int    `json:"attempt"`
	StatusCode     int    `json:"status_code,omitempty"`
	Classification string `json:"classification"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

type invokeResponse struct {
	ProviderID     string            `json:"provider_id"`
	Tier           string            `json:"tier"`
	Model          string            `json:"model"`
	CredentialKind string            `json:"credential_kind"`
	Attempts       int               `json:"attempts"`
	ElapsedMS      int64             `json:"elapsed_ms"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	PayloadText    string            `json:"payload_text,omitempty"`
	Trail          []attemptResponse `json:"trail"`
}

type errorResponse struct {
	Error          string   `json:"error"`
	Classification string   `json:"classification"`
	Reauthorize    []string `json:"reauthorize,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.gateway.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]providerStatusResponse, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, s.statusResponse(status))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	status, err := s.gateway.Describe(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse(status))
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxRequestBytes+1))
	if err != nil {
		s.writeError(w, r, core.NewBadInputError("httpapi: read request body"))
		return
	}
	if int64(len(body)) > s.maxRequestBytes {
		s.writeError(w, r, core.NewBadInputError("httpapi: request body too large"))
		return
	}
	var payload invokeRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, r, core.NewBadInputError("httpapi: invalid json body"))
		return
	}

	req := core.InvocationRequest{
		ProviderHint:   payload.Provider,
		TierHint:       payload.Tier,
		Category:       payload.Category,
		Prompt:         []byte(payload.Prompt),
		Metadata:       payload.Metadata,
		IdempotencyKey: firstNonEmpty(payload.IdempotencyKey, r.Header.Get("Idempotency-Key")),
	}
	if payload.TimeoutSeconds > 0 {
		req.Deadline = s.now().Add(time.Duration(payload.TimeoutSeconds) * time.Second)
	}

	result, err := s.gateway.Invoke(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	response := invokeResponse{
		ProviderID:     result.ProviderID,
		Tier:           result.Tier,
		Model:          result.Model,
		CredentialKind: string(result.CredentialKind),
		Attempts:       result.Attempts,
		ElapsedMS:      result.Elapsed.Milliseconds(),
		Trail:          make([]attemptResponse, 0, len(result.Trail)),
	}
	if json.Valid(result.Payload) {
		response.Payload = json.RawMessage(result.Payload)
	} else {
		response.PayloadText = string(result.Payload)
	}
	for _, record := range result.Trail {
		response.Trail = append(response.Trail, attemptResponse{
			ProviderID:     record.ProviderID,
			Tier:           record.Tier,
			CredentialKind: string(record.CredentialKind),
			Attempt:        record.Attempt,
			StatusCode:     record.StatusCode,
			Classification: string(record.Classification),
			DurationMS:     record.Duration.Milliseconds(),
			Error:          record.Error,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) statusResponse(status core.ProviderStatus) providerStatusResponse {
	out := providerStatusResponse{
		ProviderID:        status.ProviderID,
		State:             string(status.State),
		CredentialKind:    string(status.CredentialKind),
		ExpiresAt:         status.ExpiresAt,
		CooldownRemaining: make(map[string]int64, len(status.CooldownRemaining)),
		InCooldown:        status.InCooldown(),
		APIKeyFallback:    status.APIKeyFallback,
		LastError:         status.LastError,
	}
	if status.ExpiresAt != nil {
		remaining := int64(status.ExpiresAt.Sub(s.now()).Seconds())
		out.ExpiresInSeconds = &remaining
	}
	for tier, remaining := range status.CooldownRemaining {
		out.CooldownRemaining[tier] = remaining.Milliseconds()
	}
	return out
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	classification := core.ClassifyError(err)
	response := errorResponse{
		Error:          err.Error(),
		Classification: string(classification),
	}
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		response.Reauthorize = gatewayErr.ReauthorizationRequired()
		sort.Strings(response.Reauthorize)
	}
	status := statusForClassification(classification)
	if status >= http.StatusInternalServerError {
		s.logger.Error("httpapi request failed", "path", r.URL.Path, "classification", string(classification), "error", err.Error())
	} else {
		s.logger.Warn("httpapi request rejected", "path", r.URL.Path, "classification", string(classification), "error", err.Error())
	}
	writeJSON(w, status, response)
}

func statusForClassification(classification core.Classification) int {
	switch classification {
	case core.ClassificationAuthRequired, core.ClassificationRefreshFailed:
		return http.StatusUnauthorized
	case core.ClassificationRateLimited, core.ClassificationCooldown:
		return http.StatusTooManyRequests
	case core.ClassificationClientError:
		return http.StatusBadRequest
	case core.ClassificationNotConfigured:
		return http.StatusNotFound
	case core.ClassificationStorageUnavailable:
		return http.StatusServiceUnavailable
	case core.ClassificationTimeout:
		return http.StatusGatewayTimeout
	case core.ClassificationTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
