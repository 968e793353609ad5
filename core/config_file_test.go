package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, name string, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFileConfigLoader_Formats(t *testing.T) {
	cases := map[string]string{
		"routing.json": `{"retry":{"max_attempts":3},"providers":{"alpha":{"tiers":[{"name":"fast","model":"alpha-fast"}]}}}`,
		"routing.yaml": "retry:\n  max_attempts: 3\nproviders:\n  alpha:\n    tiers:\n      - name: fast\n        model: alpha-fast\n",
		"routing.toml": "[retry]\nmax_attempts = 3\n\n[[providers.alpha.tiers]]\nname = \"fast\"\nmodel = \"alpha-fast\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			loader := NewFileConfigLoader(writeConfigFile(t, name, body))
			cfg, err := NewCfgxConfigProvider(loader).Load(context.Background(), DefaultConfig())
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.Retry.MaxAttempts != 3 {
				t.Fatalf("expected max_attempts=3, got %d", cfg.Retry.MaxAttempts)
			}
			provider, ok := cfg.Provider("alpha")
			if !ok || len(provider.Tiers) != 1 || provider.Tiers[0].Model != "alpha-fast" {
				t.Fatalf("expected alpha tier from file, got %+v", provider)
			}
		})
	}
}

func TestFileConfigLoader_MissingFileIsEmpty(t *testing.T) {
	raw, err := NewFileConfigLoader(filepath.Join(t.TempDir(), "absent.json")).LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("expected missing file to load empty, got %v", err)
	}
	if len(raw) != 0 {
		t.Fatalf("expected empty map, got %v", raw)
	}
}

func TestFileConfigLoader_Errors(t *testing.T) {
	if _, err := NewFileConfigLoader(writeConfigFile(t, "routing.ini", "x=1")).LoadRaw(context.Background()); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := NewFileConfigLoader(writeConfigFile(t, "routing.json", "{broken")).LoadRaw(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
}
