package core

import (
	"context"
	"sync"
)

type MemoryCredentialStore struct {
	mu    sync.RWMutex
	items map[string]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{items: map[string]Credential{}}
}

func (s *MemoryCredentialStore) Get(_ context.Context, providerID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.items[normalizeProviderID(providerID)]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return credential.Clone(), nil
}

func (s *MemoryCredentialStore) Put(_ context.Context, providerID string, credential Credential) error {
	providerID = normalizeProviderID(providerID)
	credential = credential.Clone()
	credential.ProviderID = providerID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = map[string]Credential{}
	}
	s.items[providerID] = credential
	return nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, normalizeProviderID(providerID))
	return nil
}

func (s *MemoryCredentialStore) Name() string {
	return "memory"
}
