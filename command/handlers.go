package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-gateway/core"
)

type MutatingService interface {
	Invoke(ctx context.Context, req core.InvocationRequest) (core.InvocationResult, error)
	Authorize(ctx context.Context, providerID string, credential core.Credential) error
	Logout(ctx context.Context, providerID string) error
	Refresh(ctx context.Context, providerID string) (core.Credential, error)
}

type InvokeCommand struct {
	service MutatingService
}

func NewInvokeCommand(service MutatingService) *InvokeCommand {
	return &InvokeCommand{service: service}
}

func (c *InvokeCommand) Execute(ctx context.Context, msg InvokeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: invoke service is required")
	}
	out, err := c.service.Invoke(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type AuthorizeCommand struct {
	service MutatingService
}

func NewAuthorizeCommand(service MutatingService) *AuthorizeCommand {
	return &AuthorizeCommand{service: service}
}

func (c *AuthorizeCommand) Execute(ctx context.Context, msg AuthorizeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: authorize service is required")
	}
	return c.service.Authorize(ctx, msg.ProviderID, msg.Credential)
}

type LogoutCommand struct {
	service MutatingService
}

func NewLogoutCommand(service MutatingService) *LogoutCommand {
	return &LogoutCommand{service: service}
}

func (c *LogoutCommand) Execute(ctx context.Context, msg LogoutMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: logout service is required")
	}
	return c.service.Logout(ctx, msg.ProviderID)
}

type RefreshCommand struct {
	service MutatingService
}

func NewRefreshCommand(service MutatingService) *RefreshCommand {
	return &RefreshCommand{service: service}
}

// Execute stores the refreshed credential in the context result collector,
// when one is present.
func (c *RefreshCommand) Execute(ctx context.Context, msg RefreshMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	out, err := c.service.Refresh(ctx, msg.ProviderID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
