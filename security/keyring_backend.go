package security

import (
	"context"
	"errors"
	"strings"

	"github.com/goliatone/go-gateway/core"
	"github.com/zalando/go-keyring"
)

const DefaultKeyringService = "gateway"

// KeyringBackend stores the token JSON document in the OS keychain, one
// entry per provider.
type KeyringBackend struct {
	service string
	codec   core.CredentialCodec
}

func NewKeyringBackend(service string) *KeyringBackend {
	service = strings.TrimSpace(service)
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringBackend{service: service, codec: core.TokenJSONCodec{}}
}

func (b *KeyringBackend) Name() string {
	return "keyring"
}

func (b *KeyringBackend) Get(ctx context.Context, providerID string) (core.Credential, error) {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return core.Credential{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.Credential{}, err
	}
	secret, err := keyring.Get(b.service, b.account(providerID))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return core.Credential{}, core.ErrCredentialNotFound
		}
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "keyring_get", err)
	}
	credential, err := b.codec.Decode([]byte(secret))
	if err != nil {
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "decode", err)
	}
	credential.ProviderID = providerID
	return credential, nil
}

func (b *KeyringBackend) Put(ctx context.Context, providerID string, credential core.Credential) error {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	credential.ProviderID = providerID
	payload, err := b.codec.Encode(credential)
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "encode", err)
	}
	if err := keyring.Set(b.service, b.account(providerID), string(payload)); err != nil {
		return core.NewStorageUnavailableError(providerID, "keyring_set", err)
	}
	return nil
}

func (b *KeyringBackend) Delete(ctx context.Context, providerID string) error {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Delete(b.service, b.account(providerID)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return core.NewStorageUnavailableError(providerID, "keyring_delete", err)
	}
	return nil
}

func (b *KeyringBackend) account(providerID string) string {
	return b.service + "-" + providerID
}
