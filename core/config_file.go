package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = ".gateway/routing.json"

// FileConfigLoader reads raw config from a JSON, YAML or TOML file, picked by
// extension. A missing file loads as an empty layer.
type FileConfigLoader struct {
	Path string
}

func NewFileConfigLoader(path string) FileConfigLoader {
	return FileConfigLoader{Path: path}
}

func (l FileConfigLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(l.Path)
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".json", "":
		err = json.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("core: unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("core: parse config %s: %w", path, err)
	}
	return raw, nil
}
