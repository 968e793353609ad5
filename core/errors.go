package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	GatewayErrorBadInput            = "GATEWAY_BAD_INPUT"
	GatewayErrorProviderNotFound    = "GATEWAY_PROVIDER_NOT_FOUND"
	GatewayErrorAuthRequired        = "GATEWAY_AUTH_REQUIRED"
	GatewayErrorRefreshFailed       = "GATEWAY_REFRESH_FAILED"
	GatewayErrorTransient           = "GATEWAY_TRANSIENT_PROVIDER_ERROR"
	GatewayErrorRateLimited         = "GATEWAY_RATE_LIMITED"
	GatewayErrorClient              = "GATEWAY_CLIENT_ERROR"
	GatewayErrorStorageUnavailable  = "GATEWAY_STORAGE_UNAVAILABLE"
	GatewayErrorTimeout             = "GATEWAY_TIMEOUT"
	GatewayErrorCandidatesExhausted = "GATEWAY_CANDIDATES_EXHAUSTED"
	GatewayErrorInternal            = "GATEWAY_INTERNAL_ERROR"
)

// Classification is the outcome label recorded for every attempt and every
// candidate of an invocation.
type Classification string

const (
	ClassificationSuccess            Classification = "success"
	ClassificationTransient          Classification = "transient_provider_error"
	ClassificationRateLimited        Classification = "rate_limited"
	ClassificationClientError        Classification = "client_error"
	ClassificationAuthRequired       Classification = "auth_required"
	ClassificationRefreshFailed      Classification = "refresh_failed"
	ClassificationStorageUnavailable Classification = "storage_unavailable"
	ClassificationCooldown           Classification = "cooldown_skipped"
	ClassificationTimeout            Classification = "timeout"
	ClassificationNotConfigured      Classification = "not_configured"
	ClassificationInternal           Classification = "internal"
)

func (c Classification) RequiresUserAction() bool {
	return c == ClassificationAuthRequired || c == ClassificationRefreshFailed
}

func NewAuthRequiredError(providerID string, reason string) *goerrors.Error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "no usable credential"
	}
	return goerrors.New(
		fmt.Sprintf("core: provider %q requires authorization: %s", providerID, reason),
		goerrors.CategoryAuth,
	).
		WithCode(http.StatusUnauthorized).
		WithTextCode(GatewayErrorAuthRequired).
		WithMetadata(map[string]any{
			"provider_id":          providerID,
			"user_action_required": true,
		})
}

func NewRefreshFailedError(providerID string, cause error) *goerrors.Error {
	message := fmt.Sprintf("core: refresh rejected for provider %q; re-authorization required", providerID)
	return wrapGatewayError(cause, goerrors.CategoryAuth, message, http.StatusUnauthorized, GatewayErrorRefreshFailed, map[string]any{
		"provider_id":          providerID,
		"user_action_required": true,
	})
}

func NewStorageUnavailableError(providerID string, operation string, cause error) *goerrors.Error {
	message := fmt.Sprintf("core: credential storage unavailable for provider %q during %s", providerID, operation)
	return wrapGatewayError(cause, goerrors.CategoryInternal, message, http.StatusServiceUnavailable, GatewayErrorStorageUnavailable, map[string]any{
		"provider_id": providerID,
		"operation":   operation,
	})
}

func NewTransientProviderError(providerID string, statusCode int, cause error) *goerrors.Error {
	message := fmt.Sprintf("core: transient provider error for %q", providerID)
	if statusCode > 0 {
		message = fmt.Sprintf("core: transient provider error for %q (status %d)", providerID, statusCode)
	}
	return wrapGatewayError(cause, goerrors.CategoryExternal, message, http.StatusBadGateway, GatewayErrorTransient, map[string]any{
		"provider_id": providerID,
		"status_code": statusCode,
	})
}

func NewTimeoutError(providerID string, cause error) *goerrors.Error {
	message := "core: deadline reached before a result was available"
	if providerID != "" {
		message = fmt.Sprintf("core: deadline reached waiting on provider %q", providerID)
	}
	return wrapGatewayError(cause, goerrors.CategoryOperation, message, http.StatusGatewayTimeout, GatewayErrorTimeout, map[string]any{
		"provider_id": providerID,
	})
}

func NewBadInputError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(GatewayErrorBadInput)
}

func NewProviderNotFoundError(providerID string) *goerrors.Error {
	return goerrors.New(fmt.Sprintf("core: provider %q is not configured", providerID), goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(GatewayErrorProviderNotFound).
		WithMetadata(map[string]any{"provider_id": providerID})
}

func wrapGatewayError(
	cause error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	var err *goerrors.Error
	if cause == nil {
		err = goerrors.New(message, category)
	} else {
		err = goerrors.Wrap(cause, category, message)
	}
	err = err.WithCode(code).WithTextCode(textCode)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ClassifyError recovers the gateway taxonomy from a (possibly wrapped) error.
func ClassifyError(err error) Classification {
	if err == nil {
		return ClassificationSuccess
	}
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Terminal()
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch strings.TrimSpace(strings.ToUpper(richErr.TextCode)) {
		case GatewayErrorAuthRequired:
			return ClassificationAuthRequired
		case GatewayErrorRefreshFailed:
			return ClassificationRefreshFailed
		case GatewayErrorStorageUnavailable:
			return ClassificationStorageUnavailable
		case GatewayErrorTransient:
			return ClassificationTransient
		case GatewayErrorRateLimited:
			return ClassificationRateLimited
		case GatewayErrorClient, GatewayErrorBadInput:
			return ClassificationClientError
		case GatewayErrorTimeout:
			return ClassificationTimeout
		case GatewayErrorProviderNotFound:
			return ClassificationNotConfigured
		}
		switch richErr.Category {
		case goerrors.CategoryAuth, goerrors.CategoryAuthz:
			return ClassificationAuthRequired
		case goerrors.CategoryRateLimit:
			return ClassificationRateLimited
		case goerrors.CategoryExternal:
			return ClassificationTransient
		case goerrors.CategoryBadInput, goerrors.CategoryValidation:
			return ClassificationClientError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassificationTimeout
	}
	if errors.Is(err, ErrCredentialNotFound) {
		return ClassificationAuthRequired
	}
	return ClassificationInternal
}

func gatewayErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.ToServiceError()
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureGatewayErrorEnvelope(richErr)
	}

	if errors.Is(err, ErrCredentialNotFound) {
		return ensureGatewayErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryAuth).
			WithTextCode(GatewayErrorAuthRequired))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTimeoutError("", err)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not configured"), strings.Contains(msg, "unknown provider"):
		return newGatewayError(err.Error(), goerrors.CategoryNotFound, GatewayErrorProviderNotFound)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newGatewayError(err.Error(), goerrors.CategoryBadInput, GatewayErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureGatewayErrorEnvelope(mapped)
}

func newGatewayError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureGatewayErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureGatewayErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = gatewayHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultGatewayTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultGatewayTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return GatewayErrorBadInput
	case goerrors.CategoryNotFound:
		return GatewayErrorProviderNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return GatewayErrorAuthRequired
	case goerrors.CategoryRateLimit:
		return GatewayErrorRateLimited
	case goerrors.CategoryExternal:
		return GatewayErrorTransient
	default:
		return GatewayErrorInternal
	}
}

func gatewayHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
