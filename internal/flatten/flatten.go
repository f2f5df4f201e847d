// Package flatten converts nested documents to dot-path flat maps and back.
// Arrays of primitives are kept intact; arrays of objects are flattened
// element-wise using numeric path segments.
package flatten

import (
	"sort"
	"strconv"
	"strings"
)

// Flatten converts obj into its canonical dot-path form. Nested objects become
// "a.b.c" keys; arrays of objects become "a.0.b" keys; arrays of primitives
// and empty objects are stored as-is under their path.
func Flatten(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		flattenInto(out, k, v)
	}
	return out
}

func flattenInto(out map[string]any, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			out[prefix] = t
			return
		}
		for k, cv := range t {
			flattenInto(out, prefix+"."+k, cv)
		}
	case []any:
		if isObjectArray(t) {
			for i, el := range t {
				flattenInto(out, prefix+"."+strconv.Itoa(i), el)
			}
			return
		}
		out[prefix] = t
	default:
		out[prefix] = t
	}
}

// Unflatten rebuilds a nested document from obj. Input keys may mix dot paths
// and nested objects; both forms merge into one tree. Path segments that form
// a contiguous 0..n-1 integer run rebuild an array of objects.
func Unflatten(obj map[string]any) map[string]any {
	flat := Flatten(obj)
	root := map[string]any{}
	// Sort keys so shorter paths are placed before their descendants and the
	// merge result does not depend on map iteration order.
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		insert(root, strings.Split(k, "."), flat[k])
	}
	return materialize(root).(map[string]any)
}

func insert(node map[string]any, segments []string, v any) {
	if len(segments) == 1 {
		node[segments[0]] = v
		return
	}
	child, ok := node[segments[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		node[segments[0]] = child
	}
	insert(child, segments[1:], v)
}

// materialize converts intermediate nodes whose keys are exactly 0..n-1 into
// arrays, recursing through the whole tree.
func materialize(v any) any {
	node, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if arr, ok := toArray(node); ok {
		return arr
	}
	for k, cv := range node {
		node[k] = materialize(cv)
	}
	return node
}

func toArray(node map[string]any) ([]any, bool) {
	if len(node) == 0 {
		return nil, false
	}
	arr := make([]any, len(node))
	for k, cv := range node {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(node) {
			return nil, false
		}
		arr[i] = materialize(cv)
	}
	return arr, true
}

func isObjectArray(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	for _, el := range arr {
		if _, ok := el.(map[string]any); !ok {
			return false
		}
	}
	return true
}
