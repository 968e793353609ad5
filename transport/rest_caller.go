package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-gateway/core"
)

const KindREST = "rest"

const defaultRESTClientTimeout = 5 * time.Minute
const defaultRESTResponseBodyLimit int64 = 10 << 20 // 10 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTCaller posts a chat-completions style request to an HTTP endpoint and
// returns whatever status the endpoint answered with.
type RESTCaller struct {
	Client               HTTPDoer
	Endpoint             string
	DefaultHeaders       map[string]string
	APIKeyHeader         string
	MaxResponseBodyBytes int64
}

type restMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type restRequestBody struct {
	Model    string            `json:"model"`
	Messages []restMessage     `json:"messages"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func NewRESTCaller(endpoint string, client HTTPDoer) *RESTCaller {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTCaller{
		Client:               client,
		Endpoint:             strings.TrimSpace(endpoint),
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
	}
}

func (*RESTCaller) Kind() string {
	return KindREST
}

func (c *RESTCaller) Call(ctx context.Context, req core.CallRequest) (core.CallResponse, error) {
	if c == nil || c.Client == nil {
		return core.CallResponse{}, transportError(
			"transport: rest caller requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			map[string]any{"caller": KindREST},
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	parsedURL, err := url.Parse(c.Endpoint)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return core.CallResponse{}, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: invalid provider endpoint",
			http.StatusBadRequest,
			map[string]any{"caller": KindREST, "provider_id": req.ProviderID, "endpoint": c.Endpoint},
		)
	}

	body, err := json.Marshal(restRequestBody{
		Model:    req.Model,
		Messages: []restMessage{{Role: "user", Content: string(req.Prompt)}},
		Metadata: req.Metadata,
	})
	if err != nil {
		return core.CallResponse{}, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: encode request body",
			http.StatusBadRequest,
			map[string]any{"caller": KindREST, "provider_id": req.ProviderID},
		)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, parsedURL.String(), bytes.NewReader(body))
	if err != nil {
		return core.CallResponse{}, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: create http request",
			http.StatusBadRequest,
			map[string]any{"caller": KindREST, "url": parsedURL.String()},
		)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for key, value := range c.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	c.authorize(httpReq, req.Credential)
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		httpReq.Header.Set("Idempotency-Key", key)
	}

	httpRes, err := c.Client.Do(httpReq)
	if err != nil {
		return core.CallResponse{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: execute http request",
			http.StatusBadGateway,
			map[string]any{"caller": KindREST, "provider_id": req.ProviderID, "url": parsedURL.String()},
		)
	}
	defer httpRes.Body.Close()

	maxBodyBytes := c.MaxResponseBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultRESTResponseBodyLimit
	}
	responseBody, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return core.CallResponse{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: read response body",
			http.StatusBadGateway,
			map[string]any{"caller": KindREST, "status_code": httpRes.StatusCode},
		)
	}
	if int64(len(responseBody)) > maxBodyBytes {
		return core.CallResponse{}, transportError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{
				"caller":           KindREST,
				"status_code":      httpRes.StatusCode,
				"response_limit_b": maxBodyBytes,
			},
		)
	}

	return core.CallResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       responseBody,
	}, nil
}

// authorize sends OAuth tokens as a bearer header. API keys use APIKeyHeader
// when set and the bearer header otherwise.
func (c *RESTCaller) authorize(httpReq *http.Request, credential core.Credential) {
	secret := strings.TrimSpace(string(credential.Secret))
	if secret == "" {
		return
	}
	if credential.IsAPIKey() && strings.TrimSpace(c.APIKeyHeader) != "" {
		httpReq.Header.Set(strings.TrimSpace(c.APIKeyHeader), secret)
		return
	}
	tokenType := strings.TrimSpace(credential.TokenType)
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	httpReq.Header.Set("Authorization", tokenType+" "+secret)
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			flat[key] = ""
			continue
		}
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

var _ core.ProviderCaller = (*RESTCaller)(nil)
