package jobs

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Declaration is a job as written in a job file, before it is resolved to a
// kind.
type Declaration map[string]any

// Keys returns the declaration's keys in sorted order.
func (d Declaration) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d Declaration) String() string {
	parts := make([]string, 0, len(d))
	for _, k := range d.Keys() {
		parts = append(parts, fmt.Sprintf("%s: %v", k, d[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Clone returns a deep copy of the nested maps and lists of d.
func (d Declaration) Clone() Declaration {
	if d == nil {
		return nil
	}
	out := make(Declaration, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case Declaration:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// truthy follows the usual scripting rules: nil, false, zero numbers and
// empty strings, lists and maps are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Normalize rewrites deprecated directives and returns the rewritten copy
// together with a notice per rewrite. decl itself is not modified.
//
// navigate without use_browser becomes url (unless one is given) plus
// use_browser: true. kind is dropped since the kind is always inferred.
func Normalize(decl Declaration) (Declaration, []string) {
	out := decl.Clone()
	if out == nil {
		out = Declaration{}
	}
	var notices []string

	if truthy(out["navigate"]) && !truthy(out["use_browser"]) {
		notices = append(notices, fmt.Sprintf(
			"job directive 'navigate' is deprecated: replace with 'url' and add 'use_browser: true' (%s)", decl))
		if _, ok := out["url"]; !ok {
			out["url"] = out["navigate"]
		}
		out["use_browser"] = true
	}

	if _, ok := out["kind"]; ok {
		notices = append(notices, fmt.Sprintf(
			"job directive 'kind' is deprecated and ignored: delete from job (%s)", decl))
		delete(out, "kind")
	}
	return out, notices
}

func indexOf(d Declaration) int {
	switch n := d["index_number"].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
