package query

import (
	"context"

	"github.com/goliatone/go-gateway/core"
)

type ProviderReader interface {
	Describe(ctx context.Context, providerID string) (core.ProviderStatus, error)
	Status(ctx context.Context) ([]core.ProviderStatus, error)
}

type DescribeProviderQuery struct {
	reader ProviderReader
}

func NewDescribeProviderQuery(reader ProviderReader) *DescribeProviderQuery {
	return &DescribeProviderQuery{reader: reader}
}

func (q *DescribeProviderQuery) Query(ctx context.Context, msg DescribeProviderMessage) (core.ProviderStatus, error) {
	if q == nil || q.reader == nil {
		return core.ProviderStatus{}, queryDependencyError("query: provider reader is required")
	}
	return q.reader.Describe(ctx, msg.ProviderID)
}

type ProviderStatusQuery struct {
	reader ProviderReader
}

func NewProviderStatusQuery(reader ProviderReader) *ProviderStatusQuery {
	return &ProviderStatusQuery{reader: reader}
}

func (q *ProviderStatusQuery) Query(ctx context.Context, _ ProviderStatusMessage) ([]core.ProviderStatus, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: provider reader is required")
	}
	return q.reader.Status(ctx)
}
