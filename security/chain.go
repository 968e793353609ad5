package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-gateway/core"
)

// StoreDiagnostic describes one backend failure the chain recovered from
// or gave up on.
type StoreDiagnostic struct {
	OccurredAt time.Time
	Operation  string
	Backend    string
	Outcome    string
	Error      string
}

type StoreDiagnosticHook func(event StoreDiagnostic)

type ChainOption func(*ChainStore)

func WithStoreDiagnostics(hook StoreDiagnosticHook) ChainOption {
	return func(c *ChainStore) {
		c.diagnosticHook = hook
	}
}

func WithChainClock(now func() time.Time) ChainOption {
	return func(c *ChainStore) {
		if now != nil {
			c.now = now
		}
	}
}

// ChainStore reads from the first backend holding a credential and writes
// to the first backend that accepts it.
type ChainStore struct {
	backends       []core.CredentialBackend
	diagnosticHook StoreDiagnosticHook
	now            func() time.Time
}

func NewChainStore(backends []core.CredentialBackend, opts ...ChainOption) (*ChainStore, error) {
	filtered := make([]core.CredentialBackend, 0, len(backends))
	for _, backend := range backends {
		if backend != nil {
			filtered = append(filtered, backend)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("security: at least one credential backend is required")
	}
	chain := &ChainStore{
		backends: filtered,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(chain)
	}
	return chain, nil
}

func (c *ChainStore) Backends() []string {
	names := make([]string, 0, len(c.backends))
	for _, backend := range c.backends {
		names = append(names, backend.Name())
	}
	return names
}

// Get returns the first hit. A miss on any backend wins over errors from the
// others; storage unavailable is returned only when every backend failed.
func (c *ChainStore) Get(ctx context.Context, providerID string) (core.Credential, error) {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return core.Credential{}, err
	}
	var (
		sawNotFound bool
		failures    []error
	)
	for _, backend := range c.backends {
		if err := ctx.Err(); err != nil {
			return core.Credential{}, err
		}
		credential, err := backend.Get(ctx, providerID)
		if err == nil {
			return credential, nil
		}
		if errors.Is(err, core.ErrCredentialNotFound) {
			sawNotFound = true
			continue
		}
		c.emit("get", backend, "failed", err)
		failures = append(failures, fmt.Errorf("%s: %w", backend.Name(), err))
	}
	if sawNotFound {
		return core.Credential{}, core.ErrCredentialNotFound
	}
	return core.Credential{}, core.NewStorageUnavailableError(providerID, "get", errors.Join(failures...))
}

// Put writes to the first backend that succeeds and then clears the
// backends ahead of it so an older copy cannot shadow the new one.
func (c *ChainStore) Put(ctx context.Context, providerID string, credential core.Credential) error {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return err
	}
	var failures []error
	for index, backend := range c.backends {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := backend.Put(ctx, providerID, credential); err != nil {
			c.emit("put", backend, "failed", err)
			failures = append(failures, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		if index > 0 {
			c.emit("put", backend, "fallback_succeeded", errors.Join(failures...))
		}
		for _, ahead := range c.backends[:index] {
			if err := ahead.Delete(ctx, providerID); err != nil && !errors.Is(err, core.ErrCredentialNotFound) {
				c.emit("delete", ahead, "stale_copy_kept", err)
			}
		}
		return nil
	}
	return core.NewStorageUnavailableError(providerID, "put", errors.Join(failures...))
}

func (c *ChainStore) Delete(ctx context.Context, providerID string) error {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return err
	}
	var failures []error
	for _, backend := range c.backends {
		if err := backend.Delete(ctx, providerID); err != nil && !errors.Is(err, core.ErrCredentialNotFound) {
			c.emit("delete", backend, "failed", err)
			failures = append(failures, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	if len(failures) > 0 {
		return core.NewStorageUnavailableError(providerID, "delete", errors.Join(failures...))
	}
	return nil
}

func (c *ChainStore) emit(operation string, backend core.CredentialBackend, outcome string, err error) {
	if c.diagnosticHook == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.diagnosticHook(StoreDiagnostic{
		OccurredAt: c.now().UTC(),
		Operation:  operation,
		Backend:    backend.Name(),
		Outcome:    outcome,
		Error:      msg,
	})
}
