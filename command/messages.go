package command

import (
	"strings"

	"github.com/goliatone/go-gateway/core"
)

const (
	TypeInvoke    = "gateway.command.invoke"
	TypeAuthorize = "gateway.command.authorize"
	TypeLogout    = "gateway.command.logout"
	TypeRefresh   = "gateway.command.refresh"
)

type InvokeMessage struct {
	Request core.InvocationRequest
}

func (InvokeMessage) Type() string { return TypeInvoke }

func (m InvokeMessage) Validate() error {
	if len(m.Request.Prompt) == 0 {
		return commandValidationError("prompt", "prompt is required")
	}
	return nil
}

// AuthorizeMessage carries a credential obtained outside the gateway.
type AuthorizeMessage struct {
	ProviderID string
	Credential core.Credential
}

func (AuthorizeMessage) Type() string { return TypeAuthorize }

func (m AuthorizeMessage) Validate() error {
	if strings.TrimSpace(m.ProviderID) == "" {
		return commandValidationError("provider_id", "provider id is required")
	}
	if !m.Credential.HasAccessSecret() && !m.Credential.HasRefreshSecret() {
		return commandValidationError("credential", "access or refresh token is required")
	}
	return nil
}

type LogoutMessage struct {
	ProviderID string
}

func (LogoutMessage) Type() string { return TypeLogout }

func (m LogoutMessage) Validate() error {
	if strings.TrimSpace(m.ProviderID) == "" {
		return commandValidationError("provider_id", "provider id is required")
	}
	return nil
}

type RefreshMessage struct {
	ProviderID string
}

func (RefreshMessage) Type() string { return TypeRefresh }

func (m RefreshMessage) Validate() error {
	if strings.TrimSpace(m.ProviderID) == "" {
		return commandValidationError("provider_id", "provider id is required")
	}
	return nil
}
