// Package filters implements the content transformation chain applied to
// retrieved data before it is compared against the cached snapshot.
package filters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownFilter = errors.New("unknown filter kind")
	ErrBadSubfilter  = errors.New("invalid subfilter")
)

// Step is one normalized element of a filter chain.
type Step struct {
	Kind    string
	Options map[string]any
}

func (s Step) String() string {
	if len(s.Options) == 0 {
		return s.Kind
	}
	return fmt.Sprintf("%s %v", s.Kind, s.Options)
}

// Env describes the job a chain runs for. Some filters expose it to child processes.
type Env struct {
	Name     string
	Location string
}

type applyFunc func(ctx context.Context, env Env, data []byte, opts map[string]any) ([]byte, error)

type kind struct {
	name       string
	doc        string
	subfilters map[string]string
	defaultSub string
	noSub      bool
	usesBytes  bool
	deprecated string
	apply      applyFunc
}

var registry = map[string]*kind{}

func register(k *kind) {
	registry[k.name] = k
}

// Kinds returns the registered filter kinds in alphabetical order.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Documentation renders every filter kind with its subfilters.
func Documentation() string {
	var b strings.Builder
	b.WriteString("Supported filters and subfilters:\n")
	for _, name := range Kinds() {
		k := registry[name]
		fmt.Fprintf(&b, "\n  * %s - %s\n", k.name, k.doc)
		subs := make([]string, 0, len(k.subfilters))
		for sub := range k.subfilters {
			subs = append(subs, sub)
		}
		sort.Strings(subs)
		for _, sub := range subs {
			def := ""
			if sub == k.defaultSub {
				def = " (default)"
			}
			fmt.Fprintf(&b, "      %s ... %s%s\n", sub, k.subfilters[sub], def)
		}
	}
	return b.String()
}

// Normalize turns a filter specification into an ordered list of steps.
// Accepted forms are a list of names or single-key mappings, and the legacy
// comma-separated string ("kind:arg,kind"), which yields a deprecation notice.
func Normalize(spec any) ([]Step, []string, error) {
	var notices []string
	items, err := specItems(spec)
	if err != nil {
		return nil, nil, err
	}
	if s, ok := spec.(string); ok && s != "" {
		notices = append(notices, fmt.Sprintf("string-based filter definitions (%s) are deprecated, use a list", s))
	}

	steps := make([]Step, 0, len(items))
	for _, item := range items {
		step, err := normalizeItem(item)
		if err != nil {
			return nil, notices, err
		}
		k := registry[step.Kind]
		if k.deprecated != "" {
			notices = append(notices, k.deprecated)
		}
		steps = append(steps, step)
	}
	return steps, notices, nil
}

func specItems(spec any) ([]any, error) {
	switch v := spec.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		var items []any
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if name, arg, ok := strings.Cut(part, ":"); ok {
				items = append(items, map[string]any{name: arg})
			} else {
				items = append(items, part)
			}
		}
		return items, nil
	case []any:
		return v, nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items, nil
	case []map[string]any:
		items := make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%w: filter must be a string or a list, not %T", ErrBadSubfilter, spec)
	}
}

func normalizeItem(item any) (Step, error) {
	var name string
	var sub any
	switch v := item.(type) {
	case string:
		name = v
	case map[string]any:
		if len(v) != 1 {
			return Step{}, fmt.Errorf("%w: each filter mapping needs exactly one key, got %d", ErrBadSubfilter, len(v))
		}
		for key, val := range v {
			name, sub = key, val
		}
	default:
		return Step{}, fmt.Errorf("%w: subfilter(s) must be a string or a mapping, not %T", ErrBadSubfilter, item)
	}

	k, ok := registry[name]
	if !ok {
		return Step{}, fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}

	opts := map[string]any{}
	switch sv := sub.(type) {
	case nil:
	case map[string]any:
		for key, val := range sv {
			opts[key] = val
		}
	default:
		if k.defaultSub == "" {
			return Step{}, fmt.Errorf("%w: filter %s does not take a value", ErrBadSubfilter, name)
		}
		opts[k.defaultSub] = sv
	}

	if k.noSub && len(opts) > 0 {
		return Step{}, fmt.Errorf("%w: no subfilters supported for %s", ErrBadSubfilter, name)
	}
	for key := range opts {
		if _, ok := k.subfilters[key]; !ok {
			return Step{}, fmt.Errorf("%w: filter %s does not support subfilter %q", ErrBadSubfilter, name, key)
		}
	}
	return Step{Kind: name, Options: opts}, nil
}

// IsBytesKind reports whether the filter kind consumes raw bytes.
func IsBytesKind(name string) bool {
	k, ok := registry[name]
	return ok && k.usesBytes
}

// NeedsBytes reports whether the first filter of the chain consumes raw bytes
// rather than decoded text. Invalid specifications report false; they fail
// later when the chain is processed.
func NeedsBytes(spec any) bool {
	steps, _, err := Normalize(spec)
	if err != nil || len(steps) == 0 {
		return false
	}
	return IsBytesKind(steps[0].Kind)
}

// Process applies a single step.
func Process(ctx context.Context, step Step, env Env, data []byte) ([]byte, error) {
	k, ok := registry[step.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, step.Kind)
	}
	out, err := k.apply(ctx, env, data, step.Options)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", step.Kind, err)
	}
	return out, nil
}

// Apply normalizes spec and runs every step in order.
func Apply(ctx context.Context, spec any, env Env, data []byte) ([]byte, error) {
	steps, _, err := Normalize(spec)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if data, err = Process(ctx, step, env, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func optString(opts map[string]any, key string) (string, bool) {
	v, ok := opts[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}
