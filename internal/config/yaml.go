package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes turns a YAML config into JSON so both formats go through
// the same strict decoder. Files without a .yaml/.yml extension pass through.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "yaml unmarshal")
	}
	if v == nil {
		// Empty document.
		return []byte("{}"), nil
	}

	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, errors.Wrap(err, "yaml->json marshal")
	}
	return j, nil
}

// stringKeys rewrites map keys to strings so the value is JSON-marshalable.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
