package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-gateway/security"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db                *bun.DB
	credentialBackend *CredentialBackend
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, sealer security.Sealer) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.Build(client, sealer); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, sealer security.Sealer) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.Build(db, sealer); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build resolves a bun db from a *bun.DB or anything exposing DB() *bun.DB.
func (f *RepositoryFactory) Build(persistenceClient any, sealer security.Sealer) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.credentialBackend != nil {
		return nil
	}
	backend, err := NewCredentialBackend(f.db, sealer)
	if err != nil {
		return err
	}
	f.credentialBackend = backend
	return nil
}

func (f *RepositoryFactory) CredentialBackend() *CredentialBackend {
	if f == nil {
		return nil
	}
	return f.credentialBackend
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
