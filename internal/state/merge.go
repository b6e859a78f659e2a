package state

import "strings"

// DeepMerge merges patch into dst, mutating dst in place. Keys with dotted
// paths ("profile.email") descend into nested maps, creating intermediate
// maps as needed. Nested map values merge recursively; everything else
// replaces the existing value. Keys absent from patch are untouched.
func DeepMerge(dst map[string]any, patch map[string]any) {
	for key, value := range patch {
		if strings.Contains(key, ".") {
			setPath(dst, strings.Split(key, "."), value)
			continue
		}
		mergeKey(dst, key, value)
	}
}

func mergeKey(dst map[string]any, key string, value any) {
	if next, ok := value.(map[string]any); ok {
		if existing, ok := dst[key].(map[string]any); ok {
			DeepMerge(existing, next)
			return
		}
	}
	dst[key] = value
}

// setPath writes value at the given path, creating intermediate maps.
// A non-map intermediate value is replaced by a map.
func setPath(dst map[string]any, path []string, value any) {
	for _, segment := range path[:len(path)-1] {
		next, ok := dst[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			dst[segment] = next
		}
		dst = next
	}
	mergeKey(dst, path[len(path)-1], value)
}

// GetPath reads the value at a dot-separated path from a nested map tree.
// The second return reports whether every segment resolved.
func GetPath(src map[string]any, path string) (any, bool) {
	if path == "" {
		return src, true
	}
	segments := strings.Split(path, ".")
	var current any = src
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// DeepCopy returns a structurally independent copy of a JSON-like value tree.
func DeepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = DeepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = DeepCopy(item)
		}
		return out
	default:
		return v
	}
}

// DeepCopyMap is DeepCopy specialized for the common map root; a nil input
// yields an empty map so callers can write into the result unconditionally.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return DeepCopy(m).(map[string]any)
}
