package config

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// secretKeys lists the dot-separated keys whose values are masked on output.
var secretKeys = map[string]bool{
	"room.token":     true,
	"telegram.token": true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten converts the nested JSON form of a config into dot-separated keys.
// Lists of objects (polls) are addressed by index, so {"polls": [{"name":
// "state"}]} becomes {"polls.0.name": "state"}. Lists of scalars such as
// kafka.brokers stay whole.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, v any) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			flattenInto(out, join(prefix, k), child)
		}
	case []any:
		if len(node) == 0 || !allObjects(node) {
			out[prefix] = v
			return
		}
		for i, child := range node {
			flattenInto(out, join(prefix, strconv.Itoa(i)), child)
		}
	default:
		out[prefix] = v
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func allObjects(items []any) bool {
	for _, item := range items {
		if _, ok := item.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// Unflatten rebuilds the nested form. A level whose keys are exactly 0..n-1
// becomes a list again.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	for k, child := range root {
		root[k] = restoreLists(child)
	}
	return root
}

func restoreLists(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = restoreLists(child)
	}
	if len(m) == 0 {
		return m
	}
	keys := slices.Collect(maps.Keys(m))
	list := make([]any, len(keys))
	for _, k := range keys {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(keys) || strconv.Itoa(i) != k {
			return m
		}
		list[i] = m[k]
	}
	return list
}

// MaskSecrets returns a copy of flat with secret values reduced to "***" and
// their last four characters. Empty and non-string values are kept.
func MaskSecrets(flat map[string]any) map[string]any {
	out := maps.Clone(flat)
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			out[k] = "***" + s[max(0, len(s)-4):]
		}
	}
	return out
}
