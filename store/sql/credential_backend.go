package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-gateway/core"
	"github.com/goliatone/go-gateway/security"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// CredentialVersion describes one stored row without its sealed payload.
type CredentialVersion struct {
	ID               string
	ProviderID       string
	Version          int
	CredentialKind   core.CredentialKind
	Status           string
	EncryptionKeyID  string
	RevocationReason string
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}

// CredentialBackend keeps versioned, sealed credential rows so several
// hosts can share one login. Only the newest active row is ever read.
type CredentialBackend struct {
	db     *bun.DB
	repo   repository.Repository[*credentialRecord]
	sealer security.Sealer
	codec  core.CredentialCodec
	now    func() time.Time
}

func NewCredentialBackend(db *bun.DB, sealer security.Sealer) (*CredentialBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sqlstore: sealer is required")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	return &CredentialBackend{
		db:     db,
		repo:   repo,
		sealer: sealer,
		codec:  core.TokenJSONCodec{},
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *CredentialBackend) Name() string {
	return "sql"
}

func (s *CredentialBackend) Get(ctx context.Context, providerID string) (core.Credential, error) {
	if s == nil || s.repo == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential backend is not configured")
	}
	providerID = normalizeProviderID(providerID)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider_id", "=", providerID),
		repository.SelectBy("status", "=", credentialStatusActive),
		repository.OrderBy("version DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "sql_get", err)
	}
	if len(records) == 0 {
		return core.Credential{}, core.ErrCredentialNotFound
	}
	payload, err := s.sealer.Open(ctx, records[0].SealedPayload)
	if err != nil {
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "open", err)
	}
	credential, err := s.codec.Decode(payload)
	if err != nil {
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "decode", err)
	}
	credential.ProviderID = providerID
	if credential.Kind == "" {
		credential.Kind = core.CredentialKind(records[0].CredentialKind)
	}
	return credential, nil
}

// Put revokes the active row and inserts the next version in one transaction.
func (s *CredentialBackend) Put(ctx context.Context, providerID string, credential core.Credential) error {
	if s == nil || s.repo == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential backend is not configured")
	}
	providerID = normalizeProviderID(providerID)
	if providerID == "" {
		return core.NewBadInputError("sqlstore: provider id is required")
	}
	credential.ProviderID = providerID
	payload, err := s.codec.Encode(credential)
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "encode", err)
	}
	sealed, err := s.sealer.Seal(ctx, payload)
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "seal", err)
	}
	keyID, keyVersion := sealerMetadata(s.sealer)
	now := s.now()

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		nextVersion, versionErr := s.nextVersion(ctx, tx, providerID)
		if versionErr != nil {
			return versionErr
		}
		if revokeErr := revokeActive(ctx, tx, providerID, "rotated", now); revokeErr != nil {
			return revokeErr
		}
		record := &credentialRecord{
			ID:                uuid.NewString(),
			ProviderID:        providerID,
			Version:           nextVersion,
			SealedPayload:     sealed,
			PayloadFormat:     s.codec.Format(),
			PayloadVersion:    s.codec.Version(),
			CredentialKind:    string(credential.Kind),
			Refreshable:       credential.HasRefreshSecret(),
			Status:            credentialStatusActive,
			EncryptionKeyID:   keyID,
			EncryptionVersion: keyVersion,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if credential.ExpiresAt != nil {
			expiresAt := credential.ExpiresAt.UTC()
			record.ExpiresAt = &expiresAt
		}
		_, createErr := s.repo.CreateTx(ctx, tx, record)
		return createErr
	})
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "sql_put", err)
	}
	return nil
}

// Delete revokes the active row; history is kept.
func (s *CredentialBackend) Delete(ctx context.Context, providerID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential backend is not configured")
	}
	providerID = normalizeProviderID(providerID)
	if err := revokeActive(ctx, s.db, providerID, "logout", s.now()); err != nil {
		return core.NewStorageUnavailableError(providerID, "sql_delete", err)
	}
	return nil
}

// Versions lists every stored row for a provider, newest first.
func (s *CredentialBackend) Versions(ctx context.Context, providerID string) ([]CredentialVersion, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential backend is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider_id", "=", normalizeProviderID(providerID)),
		repository.OrderBy("version DESC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]CredentialVersion, 0, len(records))
	for _, record := range records {
		out = append(out, record.toVersion())
	}
	return out, nil
}

func (s *CredentialBackend) nextVersion(ctx context.Context, tx bun.Tx, providerID string) (int, error) {
	var maxVersion int
	if err := tx.NewSelect().
		Model((*credentialRecord)(nil)).
		ColumnExpr("COALESCE(MAX(version), 0)").
		Where("?TableAlias.provider_id = ?", providerID).
		Scan(ctx, &maxVersion); err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

func revokeActive(ctx context.Context, db bun.IDB, providerID string, reason string, now time.Time) error {
	_, err := db.NewUpdate().
		Model((*credentialRecord)(nil)).
		Set("status = ?", credentialStatusRevoked).
		Set("revocation_reason = ?", reason).
		Set("updated_at = ?", now).
		Where("provider_id = ?", providerID).
		Where("status = ?", credentialStatusActive).
		Exec(ctx)
	return err
}

func (r *credentialRecord) toVersion() CredentialVersion {
	version := CredentialVersion{
		ID:               r.ID,
		ProviderID:       r.ProviderID,
		Version:          r.Version,
		CredentialKind:   core.CredentialKind(r.CredentialKind),
		Status:           r.Status,
		EncryptionKeyID:  r.EncryptionKeyID,
		RevocationReason: r.RevocationReason,
		CreatedAt:        r.CreatedAt,
	}
	if r.ExpiresAt != nil {
		expiresAt := *r.ExpiresAt
		version.ExpiresAt = &expiresAt
	}
	return version
}

func sealerMetadata(sealer security.Sealer) (string, int) {
	if described, ok := sealer.(interface{ Metadata() (string, int) }); ok {
		return described.Metadata()
	}
	return "", 0
}

func normalizeProviderID(providerID string) string {
	return strings.TrimSpace(strings.ToLower(providerID))
}
