package security

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/goliatone/go-gateway/core"
)

const (
	credentialFileExt     = ".cred"
	defaultKeyFileName    = ".key"
	defaultLockRetryDelay = 20 * time.Millisecond
	defaultLockTimeout    = 5 * time.Second
)

type FileBackendOption func(*EncryptedFileBackend)

// EncryptedFileBackend keeps one sealed blob per provider under dir. Every
// blob operation holds an advisory lock on that provider's lock file.
type EncryptedFileBackend struct {
	dir         string
	keyPath     string
	codec       core.CredentialCodec
	lockTimeout time.Duration

	mu     sync.Mutex
	sealer Sealer
}

func WithFileSealer(sealer Sealer) FileBackendOption {
	return func(b *EncryptedFileBackend) {
		b.sealer = sealer
	}
}

func WithKeyPath(path string) FileBackendOption {
	return func(b *EncryptedFileBackend) {
		if strings.TrimSpace(path) != "" {
			b.keyPath = path
		}
	}
}

func WithLockTimeout(timeout time.Duration) FileBackendOption {
	return func(b *EncryptedFileBackend) {
		if timeout > 0 {
			b.lockTimeout = timeout
		}
	}
}

func WithFileCodec(codec core.CredentialCodec) FileBackendOption {
	return func(b *EncryptedFileBackend) {
		if codec != nil {
			b.codec = codec
		}
	}
}

func NewEncryptedFileBackend(dir string, opts ...FileBackendOption) (*EncryptedFileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("security: credential dir is required")
	}
	backend := &EncryptedFileBackend{
		dir:         dir,
		keyPath:     filepath.Join(dir, defaultKeyFileName),
		codec:       core.TokenJSONCodec{},
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(backend)
	}
	return backend, nil
}

func (b *EncryptedFileBackend) Name() string {
	return "file"
}

func (b *EncryptedFileBackend) Get(ctx context.Context, providerID string) (core.Credential, error) {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return core.Credential{}, err
	}
	unlock, err := b.lock(ctx, providerID, false)
	if err != nil {
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "lock", err)
	}
	defer unlock()

	sealed, err := os.ReadFile(b.blobPath(providerID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.Credential{}, core.ErrCredentialNotFound
		}
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "read", err)
	}
	sealer, err := b.resolveSealer()
	if err != nil {
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "key", err)
	}
	payload, err := sealer.Open(ctx, sealed)
	if err != nil {
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "open", err)
	}
	credential, err := b.codec.Decode(payload)
	if err != nil {
		return core.Credential{}, core.NewStorageUnavailableError(providerID, "decode", err)
	}
	credential.ProviderID = providerID
	return credential, nil
}

func (b *EncryptedFileBackend) Put(ctx context.Context, providerID string, credential core.Credential) error {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return err
	}
	credential.ProviderID = providerID
	payload, err := b.codec.Encode(credential)
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "encode", err)
	}
	sealer, err := b.resolveSealer()
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "key", err)
	}
	sealed, err := sealer.Seal(ctx, payload)
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "seal", err)
	}

	unlock, err := b.lock(ctx, providerID, true)
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "lock", err)
	}
	defer unlock()
	if err := writeFileAtomic(b.blobPath(providerID), sealed); err != nil {
		return core.NewStorageUnavailableError(providerID, "write", err)
	}
	return nil
}

func (b *EncryptedFileBackend) Delete(ctx context.Context, providerID string) error {
	providerID, err := cleanProviderID(providerID)
	if err != nil {
		return err
	}
	unlock, err := b.lock(ctx, providerID, true)
	if err != nil {
		return core.NewStorageUnavailableError(providerID, "lock", err)
	}
	defer unlock()
	if err := os.Remove(b.blobPath(providerID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return core.NewStorageUnavailableError(providerID, "delete", err)
	}
	return nil
}

func (b *EncryptedFileBackend) blobPath(providerID string) string {
	return filepath.Join(b.dir, providerID+credentialFileExt)
}

// lock takes the provider's advisory lock, shared for reads and exclusive
// for writes, waiting at most lockTimeout.
func (b *EncryptedFileBackend) lock(ctx context.Context, providerID string, exclusive bool) (func(), error) {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return nil, fmt.Errorf("security: create credential dir: %w", err)
	}
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()

	fileLock := flock.New(b.blobPath(providerID) + ".lock")
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fileLock.TryLockContext(lockCtx, defaultLockRetryDelay)
	} else {
		locked, err = fileLock.TryRLockContext(lockCtx, defaultLockRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("security: acquire lock for %s: %w", providerID, err)
	}
	if !locked {
		return nil, fmt.Errorf("security: lock for %s not acquired", providerID)
	}
	return func() { _ = fileLock.Unlock() }, nil
}

func (b *EncryptedFileBackend) resolveSealer() (Sealer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealer != nil {
		return b.sealer, nil
	}
	key, err := LoadOrCreateKey(b.keyPath)
	if err != nil {
		return nil, err
	}
	sealer, err := NewAESGCMSealer(key)
	if err != nil {
		return nil, err
	}
	b.sealer = sealer
	return sealer, nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers see either the old or the new blob.
func writeFileAtomic(path string, data []byte) error {
	tmpName, err := writeTempFile(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// writeTempFile writes data with mode 0600 to a synced temp file next to path
// and returns its name.
func writeTempFile(path string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}

	if err := tmp.Chmod(keyFileMode); err != nil {
		return fail(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

func cleanProviderID(providerID string) (string, error) {
	providerID = strings.TrimSpace(strings.ToLower(providerID))
	if providerID == "" {
		return "", core.NewBadInputError("security: provider id is required")
	}
	if strings.ContainsAny(providerID, `/\`) || providerID == "." || providerID == ".." {
		return "", core.NewBadInputError(fmt.Sprintf("security: invalid provider id %q", providerID))
	}
	return providerID, nil
}
