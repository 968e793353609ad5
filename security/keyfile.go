package security

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const keyFileMode fs.FileMode = 0o600

// LoadOrCreateKey returns the key stored at path, creating a random 256-bit
// key with mode 0600 when the file does not exist yet.
func LoadOrCreateKey(path string) ([]byte, error) {
	if key, err := readKeyFile(path); err == nil {
		return key, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("security: create key dir: %w", err)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("security: generate key: %w", err)
	}
	encoded := []byte(hex.EncodeToString(raw))

	tmpName, err := writeTempFile(path, encoded)
	if err != nil {
		return nil, fmt.Errorf("security: write key file: %w", err)
	}
	defer os.Remove(tmpName)

	// Link never overwrites; the first complete key wins.
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return readKeyFile(path)
		}
		return nil, fmt.Errorf("security: install key file: %w", err)
	}
	return raw, nil
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("security: key file %s is empty", path)
	}
	decoded := make([]byte, hex.DecodedLen(len(trimmed)))
	n, err := hex.Decode(decoded, trimmed)
	if err != nil {
		return nil, fmt.Errorf("security: key file %s is not hex encoded: %w", path, err)
	}
	return decoded[:n], nil
}
