package jobs

import (
	"bytes"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"
)

// Resolve turns a declaration into a typed job. The kind is inferred from
// the required directives; when several kinds match, the one with the most
// non-nil required directives wins and ties go to the first registered
// kind. Notices report deprecated directives that were rewritten.
func Resolve(decl Declaration) (Job, []string, error) {
	d, notices := Normalize(decl)
	index := indexOf(d)

	var candidates []*kindSpec
	for _, k := range registry {
		if k.satisfiedBy(d) {
			candidates = append(candidates, k)
		}
	}

	var selected *kindSpec
	switch len(candidates) {
	case 0:
		reason := "job directives (with values) don't match a job type"
		if len(d) == 1 {
			reason = "job directive has no value or doesn't match a job type"
		}
		return nil, notices, &ValidationError{Index: index, Reason: reason, Declaration: decl}
	case 1:
		selected = candidates[0]
	default:
		best := -1
		for _, k := range candidates {
			if n := k.presentCount(d); n > best {
				best, selected = n, k
			}
		}
	}

	// leftovers from another kind, e.g. a job edited from url to command
	for _, other := range registry {
		if other == selected {
			continue
		}
		for _, key := range other.required {
			if !selected.isRequired(key) {
				delete(d, key)
			}
		}
	}

	for _, key := range d.Keys() {
		if !selected.allows(key) {
			return nil, notices, &ValidationError{
				Index:       index,
				Key:         key,
				Reason:      fmt.Sprintf("job directive '%s' is unrecognized", key),
				Declaration: decl,
			}
		}
	}

	job := selected.newJob()
	if err := decode(d, job); err != nil {
		return nil, notices, &ValidationError{
			Index:       index,
			Reason:      fmt.Sprintf("invalid %s job directive value", selected.name),
			Declaration: decl,
			Err:         err,
		}
	}
	return job, notices, nil
}

func decode(d Declaration, job Job) error {
	raw, err := yaml.Marshal(map[string]any(d))
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(job)
}

// Serialize returns the job's set directives as a declaration.
func Serialize(job Job) (Declaration, error) {
	raw, err := yaml.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", job.IndexedLocation(), err)
	}
	d := Declaration{}
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", job.IndexedLocation(), err)
	}
	return d, nil
}

// WithDefaults returns an independent copy of job with unset directives
// filled from defaults[kind] and then defaults["all"]. Directives the kind
// does not accept are skipped. Mappings are merged per key; declared values
// win at every level.
func WithDefaults(job Job, defaults map[string]Declaration) (Job, error) {
	d, err := Serialize(job)
	if err != nil {
		return nil, err
	}
	spec := lookupKind(job.Kind())
	if spec == nil {
		return nil, fmt.Errorf("unknown job kind %q", job.Kind())
	}

	for _, scope := range []string{job.Kind(), "all"} {
		for _, key := range defaults[scope].Keys() {
			if !spec.isOptional(key) {
				continue
			}
			value := defaults[scope][key]
			current, ok := d[key]
			if !ok || current == nil {
				d[key] = cloneValue(value)
				continue
			}
			dm, ok1 := asMap(value)
			cm, ok2 := asMap(current)
			if ok1 && ok2 {
				d[key] = mergeMissing(cm, dm, key == "headers")
			}
		}
	}

	fresh, _, err := Resolve(d)
	if err != nil {
		return nil, fmt.Errorf("apply job_defaults to %s: %w", job.IndexedLocation(), err)
	}
	return fresh, nil
}

// asMap accepts both plain mappings and nested declarations, which is how
// yaml.v3 decodes mappings inside a Declaration.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Declaration:
		return map[string]any(m), true
	}
	return nil, false
}

func mergeMissing(dst, src map[string]any, foldCase bool) map[string]any {
	norm := func(k string) string { return k }
	if foldCase {
		norm = http.CanonicalHeaderKey
	}
	have := make(map[string]bool, len(dst))
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
		have[norm(k)] = true
	}
	for k, v := range src {
		if !have[norm(k)] {
			out[k] = cloneValue(v)
		}
	}
	return out
}
