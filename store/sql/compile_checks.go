package sqlstore

import "github.com/goliatone/go-gateway/core"

var _ core.CredentialBackend = (*CredentialBackend)(nil)
