package jobs

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StatusCodes holds ignore_http_error_codes. It decodes from an integer, a
// comma-separated string or a list; entries are trimmed and lower-cased.
type StatusCodes []string

func (s *StatusCodes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*s = nil
			return nil
		}
		*s = newStatusCodes(strings.Split(node.Value, ","))
	case yaml.SequenceNode:
		parts := make([]string, 0, len(node.Content))
		for _, n := range node.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: status codes must be numbers or strings", n.Line)
			}
			parts = append(parts, n.Value)
		}
		*s = newStatusCodes(parts)
	default:
		return fmt.Errorf("line %d: ignore_http_error_codes must be a number, a string or a list", node.Line)
	}
	return nil
}

func newStatusCodes(parts []string) StatusCodes {
	out := make(StatusCodes, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Match reports whether code is listed exactly or through its class, as in
// "4xx".
func (s StatusCodes) Match(code int) bool {
	c := strconv.Itoa(code)
	class := c[:1] + "xx"
	for _, e := range s {
		if e == c || e == class {
			return true
		}
	}
	return false
}

// Headers decodes a mapping of header names to values. Names are
// canonicalized so lookups and default merging are case-insensitive.
type Headers map[string]string

func (h *Headers) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = stringify(v)
	}
	*h = out
	return nil
}

// HTTP returns a fresh http.Header holding h.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// Cookies decodes a mapping of cookie names to values; values are
// stringified since job files often hold numbers.
type Cookies map[string]string

func (c *Cookies) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	out := make(Cookies, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[k] = stringify(v)
	}
	*c = out
	return nil
}

// Header renders the cookies as a Cookie header value in name order.
func (c Cookies) Header() string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + c[k]
	}
	return strings.Join(parts, "; ")
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// WaitFor is the browser wait_for directive: a number of seconds to pause or
// a CSS selector to wait for.
type WaitFor struct {
	Delay    time.Duration
	Selector string
}

func (w *WaitFor) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: wait_for must be a number or a selector", node.Line)
	}
	switch node.Tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: wait_for: %w", node.Line, err)
		}
		*w = WaitFor{Delay: time.Duration(secs * float64(time.Second))}
	case "!!str":
		*w = WaitFor{Selector: node.Value}
	default:
		return fmt.Errorf("line %d: wait_for must be a number or a selector, not %s", node.Line, node.Tag)
	}
	return nil
}

func (w WaitFor) MarshalYAML() (any, error) {
	if w.Selector != "" {
		return w.Selector, nil
	}
	return w.Delay.Seconds(), nil
}

// stringList accepts a comma-separated string or a list of strings.
func stringList(v any) ([]string, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case string:
		var out []string
		for _, p := range strings.Split(x, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	case []string:
		return x, true
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func flag(p *bool) bool { return p != nil && *p }
