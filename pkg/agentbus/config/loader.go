package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// decoders maps file extensions to their unmarshal functions. YAML and
// JSON cover every config file agentbus deployments have needed so far.
var decoders = map[string]func([]byte, any) error{
	".yaml": yamlDecode,
	".yml":  yamlDecode,
	".json": json.Unmarshal,
}

func yamlDecode(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// FromFile loads a Config from a YAML or JSON file, picking the decoder
// by extension.
func FromFile(path string) (Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return Config{}, fmt.Errorf("config %s: unsupported extension %q (want .yaml, .yml, or .json)", path, ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return decodeConfig(decode, strings.TrimPrefix(ext, "."), data)
}

// FromYAML builds a Config from YAML bytes.
func FromYAML(data []byte) (Config, error) {
	return decodeConfig(yamlDecode, "yaml", data)
}

// FromJSON builds a Config from JSON bytes.
func FromJSON(data []byte) (Config, error) {
	return decodeConfig(json.Unmarshal, "json", data)
}

func decodeConfig(decode func([]byte, any) error, format string, data []byte) (Config, error) {
	var m map[string]any
	if err := decode(data, &m); err != nil {
		return Config{}, fmt.Errorf("decode %s config: %w", format, err)
	}
	return New(m), nil
}
