package gateway

import (
	"fmt"

	gatewaycommand "github.com/goliatone/go-gateway/command"
	gatewayquery "github.com/goliatone/go-gateway/query"
)

type CommandQueryService interface {
	gatewaycommand.MutatingService
	gatewayquery.ProviderReader
}

type Commands struct {
	Invoke    *gatewaycommand.InvokeCommand
	Authorize *gatewaycommand.AuthorizeCommand
	Logout    *gatewaycommand.LogoutCommand
	Refresh   *gatewaycommand.RefreshCommand
}

type Queries struct {
	DescribeProvider *gatewayquery.DescribeProviderQuery
	ProviderStatus   *gatewayquery.ProviderStatusQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("gateway: command/query service is required")
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Invoke:    gatewaycommand.NewInvokeCommand(service),
		Authorize: gatewaycommand.NewAuthorizeCommand(service),
		Logout:    gatewaycommand.NewLogoutCommand(service),
		Refresh:   gatewaycommand.NewRefreshCommand(service),
	}
	facade.queries = Queries{
		DescribeProvider: gatewayquery.NewDescribeProviderQuery(service),
		ProviderStatus:   gatewayquery.NewProviderStatusQuery(service),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
