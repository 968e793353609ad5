package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	credentialStatusActive  = "active"
	credentialStatusRevoked = "revoked"
)

type credentialRecord struct {
	bun.BaseModel `bun:"table:gateway_credentials,alias:gc"`

	ID                string     `bun:"id,pk"`
	ProviderID        string     `bun:"provider_id,notnull"`
	Version           int        `bun:"version,notnull"`
	SealedPayload     []byte     `bun:"sealed_payload,notnull"`
	PayloadFormat     string     `bun:"payload_format,notnull"`
	PayloadVersion    int        `bun:"payload_version,notnull"`
	CredentialKind    string     `bun:"credential_kind,notnull"`
	ExpiresAt         *time.Time `bun:"expires_at,nullzero"`
	Refreshable       bool       `bun:"refreshable,notnull"`
	Status            string     `bun:"status,notnull"`
	EncryptionKeyID   string     `bun:"encryption_key_id,notnull"`
	EncryptionVersion int        `bun:"encryption_version,notnull"`
	RevocationReason  string     `bun:"revocation_reason,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
