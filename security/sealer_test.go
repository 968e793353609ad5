package security

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAESGCMSealer_SealOpenRoundTrip(t *testing.T) {
	sealer, err := NewAESGCMSealer([]byte("super-secret-test-key"), WithKeyID("gateway-v1"), WithKeyVersion(3))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	plaintext := []byte(`{"access_token":"tok-123"}`)
	sealed, err := sealer.Seal(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("tok-123")) {
		t.Fatalf("expected sealed payload to hide the token")
	}
	if !bytes.HasPrefix(sealed, []byte(envelopePrefix)) {
		t.Fatalf("expected envelope prefix")
	}

	meta, err := ParseEnvelopeMetadata(sealed)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.KeyID != "gateway-v1" || meta.Version != 3 || meta.Algorithm != envelopeAlgorithm {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	opened, err := sealer.Open(context.Background(), sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("expected roundtrip plaintext; got %q", string(opened))
	}
}

func TestAESGCMSealer_RejectsMetadataMismatch(t *testing.T) {
	issuer, err := NewAESGCMSealer([]byte("super-secret-test-key"), WithKeyID("gateway-v1"))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	receiver, err := NewAESGCMSealer([]byte("super-secret-test-key"), WithKeyID("gateway-v2"))
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	sealed, err := issuer.Seal(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := receiver.Open(context.Background(), sealed); err == nil {
		t.Fatalf("expected key id mismatch error")
	}
}

func TestAESGCMSealer_RejectsWrongKey(t *testing.T) {
	issuer, _ := NewAESGCMSealer([]byte("key-one"))
	receiver, _ := NewAESGCMSealer([]byte("key-two"))
	sealed, err := issuer.Seal(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := receiver.Open(context.Background(), sealed); err == nil {
		t.Fatalf("expected authentication failure with a different key")
	}
}

func TestAESGCMSealer_RejectsUnprefixedPayload(t *testing.T) {
	sealer, _ := NewAESGCMSealer([]byte("key"))
	if _, err := sealer.Open(context.Background(), []byte(`{"kid":"local-key"}`)); err == nil {
		t.Fatalf("expected missing prefix error")
	}
}

func TestLoadOrCreateKey_CreatesOnceWithOwnerOnlyMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".key")

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(first))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}

	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected the stored key to be reused")
	}
}

func TestLoadOrCreateKey_ConcurrentCreatorsShareOneKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".key")

	const creators = 16
	keys := make([][]byte, creators)
	errs := make([]error, creators)
	var wg sync.WaitGroup
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = LoadOrCreateKey(path)
		}(i)
	}
	wg.Wait()

	for i := 0; i < creators; i++ {
		if errs[i] != nil {
			t.Fatalf("creator %d: %v", i, errs[i])
		}
		if !bytes.Equal(keys[i], keys[0]) {
			t.Fatalf("creator %d saw a different key", i)
		}
	}
	stored, err := LoadOrCreateKey(path)
	if err != nil || !bytes.Equal(stored, keys[0]) {
		t.Fatalf("expected stored key to match, got %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Fatalf("expected only the key file, got %v", names)
	}
}

func TestLoadOrCreateKey_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".key")
	if err := os.WriteFile(path, []byte("not hex at all"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := LoadOrCreateKey(path); err == nil || !strings.Contains(err.Error(), "hex") {
		t.Fatalf("expected hex decode error, got %v", err)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		"short":               "*****",
		"exactly12chr":        "************",
		"sk-ant-0123456789xy": "sk-a...89xy",
	}
	for input, want := range cases {
		if got := MaskSecret(input); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", input, got, want)
		}
	}
}
