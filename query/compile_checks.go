package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-gateway/core"
)

var (
	_ gocmd.Querier[DescribeProviderMessage, core.ProviderStatus] = (*DescribeProviderQuery)(nil)
	_ gocmd.Querier[ProviderStatusMessage, []core.ProviderStatus] = (*ProviderStatusQuery)(nil)
)
