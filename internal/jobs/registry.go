package jobs

import (
	"fmt"
	"sort"
	"strings"
)

const (
	KindURL     = "url"
	KindBrowser = "browser"
	KindShell   = "shell"
)

// baseOptional are the directives every kind accepts.
var baseOptional = []string{
	"index_number",
	"name",
	"note",
	"additions_only",
	"compared_versions",
	"contextlines",
	"deletions_only",
	"diff_filter",
	"diff_tool",
	"filter",
	"markdown_padded_tables",
	"max_tries",
	"is_markdown",
	"ignore_connection_errors",
	"ignore_http_error_codes",
	"ignore_timeout_errors",
	"ignore_too_many_redirects",
}

type kindSpec struct {
	name     string
	doc      string
	required []string
	optional []string
	newJob   func() Job
}

// registry is searched in order during resolution; the order breaks ties.
var registry = []*kindSpec{
	{
		name:     KindURL,
		doc:      "Retrieve a URL from a web server.",
		required: []string{"url"},
		optional: withBase(
			"cookies", "data", "encoding", "headers", "http_proxy", "https_proxy", "ignore_cached",
			"method", "no_redirects", "ssl_no_verify", "timeout", "user_visible_url",
		),
		newJob: func() Job { return &URLJob{} },
	},
	{
		name:     KindBrowser,
		doc:      "Retrieve a URL, emulating a real web browser (use_browser: true).",
		required: []string{"url", "use_browser"},
		optional: withBase(
			"block_elements", "chromium_revision", "cookies", "headers", "http_proxy", "https_proxy",
			"ignore_https_errors", "navigate", "switches", "timeout", "user_visible_url", "user_data_dir",
			"wait_for", "wait_for_navigation", "wait_until",
		),
		newJob: func() Job { return &BrowserJob{} },
	},
	{
		name:     KindShell,
		doc:      "Run a shell command and get its standard output.",
		required: []string{"command"},
		optional: withBase(),
		newJob:   func() Job { return &ShellJob{} },
	},
}

func withBase(own ...string) []string {
	return append(own, baseOptional...)
}

func lookupKind(name string) *kindSpec {
	for _, k := range registry {
		if k.name == name {
			return k
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func (k *kindSpec) isRequired(key string) bool { return contains(k.required, key) }
func (k *kindSpec) isOptional(key string) bool { return contains(k.optional, key) }
func (k *kindSpec) allows(key string) bool     { return k.isRequired(key) || k.isOptional(key) }

// satisfiedBy reports whether every required directive has a truthy value.
func (k *kindSpec) satisfiedBy(d Declaration) bool {
	for _, key := range k.required {
		if !truthy(d[key]) {
			return false
		}
	}
	return true
}

// presentCount is the number of required directives with a non-nil value.
func (k *kindSpec) presentCount(d Declaration) int {
	n := 0
	for _, key := range k.required {
		if d[key] != nil {
			n++
		}
	}
	return n
}

// Kinds returns the registered kinds in resolution order.
func Kinds() []string {
	out := make([]string, len(registry))
	for i, k := range registry {
		out[i] = k.name
	}
	return out
}

// Documentation renders every kind with its required and optional directives.
func Documentation() string {
	specs := append([]*kindSpec(nil), registry...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].name < specs[j].name })

	var lines []string
	for _, k := range specs {
		lines = append(lines, fmt.Sprintf("  * %s - %s", k.name, k.doc))
		for _, row := range []struct {
			label  string
			values []string
		}{{"    Required: ", k.required}, {"    Optional: ", k.optional}} {
			if len(row.values) == 0 {
				continue
			}
			wrapped := wrap(strings.Join(row.values, ", "), 79-len(row.label))
			lines = append(lines, row.label+strings.Join(wrapped, "\n"+strings.Repeat(" ", len(row.label))))
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func wrap(text string, width int) []string {
	var out []string
	line := ""
	for _, word := range strings.Fields(text) {
		switch {
		case line == "":
			line = word
		case len(line)+1+len(word) > width:
			out = append(out, line)
			line = word
		default:
			line += " " + word
		}
	}
	if line != "" {
		out = append(out, line)
	}
	return out
}
