package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/goliatone/go-gateway/core"
)

const (
	defaultAnthropicMaxTokens = 4096
	anthropicOAuthBeta        = "oauth-2025-04-20"
)

type AnthropicCallerConfig struct {
	BaseURL    string
	MaxTokens  int64
	HTTPClient *http.Client
}

// AnthropicCaller sends a prompt to the Messages API. API errors come back as
// a CallResponse carrying the HTTP status so the gateway can classify them.
type AnthropicCaller struct {
	client    anthropic.Client
	maxTokens int64
}

func NewAnthropicCaller(cfg AnthropicCallerConfig) *AnthropicCaller {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicCaller{
		client:    anthropic.NewClient(opts...),
		maxTokens: maxTokens,
	}
}

func (c *AnthropicCaller) Call(ctx context.Context, req core.CallRequest) (core.CallResponse, error) {
	if c == nil {
		return core.CallResponse{}, fmt.Errorf("providers: anthropic caller is nil")
	}
	secret := strings.TrimSpace(string(req.Credential.Secret))
	if secret == "" {
		return core.CallResponse{}, core.NewAuthRequiredError(req.ProviderID, "credential has no access token")
	}

	var opts []option.RequestOption
	if req.Credential.IsAPIKey() {
		opts = append(opts, option.WithAPIKey(secret))
	} else {
		opts = append(opts,
			option.WithHeaderDel("x-api-key"),
			option.WithAuthToken(secret),
			option.WithHeaderAdd("anthropic-beta", anthropicOAuthBeta),
		)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		opts = append(opts, option.WithHeader("Idempotency-Key", key))
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: c.maxTokensFor(req.Metadata),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(req.Prompt))),
		},
	}, opts...)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			resp := core.CallResponse{
				StatusCode: apiErr.StatusCode,
				Body:       []byte(apiErr.Error()),
			}
			if apiErr.Response != nil {
				resp.Headers = flattenHeaders(apiErr.Response.Header)
			}
			return resp, nil
		}
		return core.CallResponse{}, err
	}
	return core.CallResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(message.RawJSON()),
	}, nil
}

func (c *AnthropicCaller) maxTokensFor(metadata map[string]string) int64 {
	if raw := strings.TrimSpace(metadata["max_tokens"]); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return c.maxTokens
}

func flattenHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string]string, len(header))
	for key := range header {
		out[key] = header.Get(key)
	}
	return out
}

var _ core.ProviderCaller = (*AnthropicCaller)(nil)
