package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	yaml "go.yaml.in/yaml/v3"
)

// readers convert a non-JSON format into a generic tree.
var readers = map[string]func([]byte, any) error{
	".yaml": yaml.Unmarshal,
	".yml":  yaml.Unmarshal,
	".toml": toml.Unmarshal,
}

// Decode parses data in the format implied by path's extension (JSON when
// unknown) and validates it. Every format goes through the strict JSON
// decoder, so unknown fields and trailing data are errors everywhere.
func Decode(path string, data []byte) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if read, ok := readers[ext]; ok {
		var tree any
		if err := read(data, &tree); err != nil {
			return nil, errors.Wrapf(err, "parse %s config", strings.TrimPrefix(ext, "."))
		}
		b, err := json.Marshal(stringKeys(tree))
		if err != nil {
			return nil, errors.Wrap(err, "convert config to json")
		}
		data = b
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// stringKeys rewrites map[any]any nodes, which encoding/json rejects.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	}
	return node
}

// canonical is the stable encoding used to tell whether a reload changed
// anything.
func canonical(cfg *Config) []byte {
	if cfg == nil {
		return nil
	}
	b, _ := json.Marshal(cfg)
	return b
}
