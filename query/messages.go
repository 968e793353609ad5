package query

import "strings"

const (
	TypeDescribeProvider = "gateway.query.provider.describe"
	TypeProviderStatus   = "gateway.query.provider.status"
)

type DescribeProviderMessage struct {
	ProviderID string
}

func (DescribeProviderMessage) Type() string { return TypeDescribeProvider }

func (m DescribeProviderMessage) Validate() error {
	if strings.TrimSpace(m.ProviderID) == "" {
		return queryValidationError("provider_id", "provider id is required")
	}
	return nil
}

// ProviderStatusMessage lists every configured provider.
type ProviderStatusMessage struct{}

func (ProviderStatusMessage) Type() string { return TypeProviderStatus }

func (ProviderStatusMessage) Validate() error { return nil }
