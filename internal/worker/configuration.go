package worker

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// GetConfiguration returns the worker's effective settings as dotted keys, e.g.
// "tiered_store.levels.0.alias". Credentials are masked.
func (w *BlockWorker) GetConfiguration() (map[string]string, error) {
	raw, err := yaml.Marshal(w.settings)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	out := make(map[string]string)
	flatten("", tree, out)
	return out, nil
}

var maskedKeys = map[string]bool{
	"secret_access_key": true,
	"access_key_id":     true,
}

func flatten(prefix string, v any, out map[string]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if maskedKeys[k] {
				if s, _ := t[k].(string); s != "" {
					out[join(k)] = "******"
					continue
				}
			}
			flatten(join(k), t[k], out)
		}
	case []any:
		if len(t) == 0 {
			out[prefix] = ""
		}
		for i, item := range t {
			flatten(join(fmt.Sprint(i)), item, out)
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(t)
	}
}
