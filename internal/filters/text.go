package filters

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

func init() {
	register(&kind{
		name: "keep_lines_containing",
		doc:  "Keep only lines containing a text or matching an expression",
		subfilters: map[string]string{
			"text": "Lines containing this text are kept",
			"re":   "Lines matching this expression are kept",
		},
		defaultSub: "text",
		apply:      keepLines(true),
	})
	register(&kind{
		name:       "grep",
		doc:        "Deprecated; use keep_lines_containing",
		subfilters: map[string]string{"re": "Lines matching this expression are kept"},
		defaultSub: "re",
		deprecated: "'grep' filter is deprecated; replace with 'keep_lines_containing' (+ 're' subfilter)",
		apply:      keepLines(true),
	})
	register(&kind{
		name: "delete_lines_containing",
		doc:  "Delete lines containing a text or matching an expression",
		subfilters: map[string]string{
			"text": "Lines containing this text are deleted",
			"re":   "Lines matching this expression are deleted",
		},
		defaultSub: "text",
		apply:      keepLines(false),
	})
	register(&kind{
		name:       "grepi",
		doc:        "Deprecated; use delete_lines_containing",
		subfilters: map[string]string{"re": "Lines matching this expression are deleted"},
		defaultSub: "re",
		deprecated: "'grepi' filter is deprecated; replace with 'delete_lines_containing' (+ 're' subfilter)",
		apply:      keepLines(false),
	})
	register(&kind{
		name: "strip",
		doc:  "Strip leading and trailing characters",
		subfilters: map[string]string{
			"splitlines": "Apply the filter on each line",
			"chars":      "Characters to remove, whitespace when omitted",
			"side":       "Only 'left' or 'right'",
		},
		defaultSub: "chars",
		apply:      strip,
	})
	register(&kind{
		name:       "strip_each_line",
		doc:        "Deprecated; use strip with splitlines: true",
		noSub:      true,
		deprecated: "'strip_each_line' filter is deprecated; replace with 'strip' and 'splitlines: true'",
		apply: func(ctx context.Context, env Env, data []byte, _ map[string]any) ([]byte, error) {
			return strip(ctx, env, data, map[string]any{"splitlines": true})
		},
	})
	register(&kind{
		name: "re.sub",
		doc:  "Replace text matching a regular expression",
		subfilters: map[string]string{
			"pattern": "Regular expression to search for (required)",
			"repl":    "Replacement string (default: empty string)",
		},
		defaultSub: "pattern",
		apply:      reSub,
	})
	register(&kind{
		name: "sort",
		doc:  "Sort input items",
		subfilters: map[string]string{
			"reverse":   "Set to true to reverse sorting order",
			"separator": "Item separator (default: newline)",
		},
		defaultSub: "separator",
		apply:      sortItems,
	})
	register(&kind{
		name:       "reverse",
		doc:        "Reverse input items",
		subfilters: map[string]string{"separator": "Item separator (default: newline)"},
		defaultSub: "separator",
		apply:      reverseItems,
	})
	register(&kind{
		name:  "sha1sum",
		doc:   "Calculate the SHA-1 checksum of the content",
		noSub: true,
		apply: func(_ context.Context, _ Env, data []byte, _ map[string]any) ([]byte, error) {
			sum := sha1.Sum(data)
			return []byte(hex.EncodeToString(sum[:])), nil
		},
	})
	register(&kind{
		name:  "hexdump",
		doc:   "Convert content to a hex dump",
		noSub: true,
		apply: hexdump,
	})
	register(&kind{
		name:       "format-json",
		doc:        "Reformat (pretty-print) JSON",
		subfilters: map[string]string{"indentation": "Indentation level for pretty-printing (default: 4)"},
		defaultSub: "indentation",
		apply:      formatJSON,
	})
}

func lines(data []byte) []string {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func keepLines(keep bool) applyFunc {
	return func(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
		var match func(string) bool
		if text, ok := optString(opts, "text"); ok {
			match = func(line string) bool { return strings.Contains(line, text) }
		} else if expr, ok := optString(opts, "re"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("compile %q: %w", expr, err)
			}
			match = re.MatchString
		} else {
			return nil, errors.New("needs a text or re expression")
		}

		out := make([]string, 0)
		for _, line := range lines(data) {
			if match(line) == keep {
				out = append(out, line)
			}
		}
		return []byte(strings.Join(out, "\n")), nil
	}
}

func strip(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	chars, hasChars := optString(opts, "chars")
	side, hasSide := optString(opts, "side")
	if hasSide && side != "left" && side != "right" {
		return nil, fmt.Errorf("'side' can only be 'right' or 'left', got %q", side)
	}

	trim := func(s string) string {
		switch {
		case side == "left" && hasChars:
			return strings.TrimLeft(s, chars)
		case side == "left":
			return strings.TrimLeftFunc(s, isSpace)
		case side == "right" && hasChars:
			return strings.TrimRight(s, chars)
		case side == "right":
			return strings.TrimRightFunc(s, isSpace)
		case hasChars:
			return strings.Trim(s, chars)
		default:
			return strings.TrimSpace(s)
		}
	}

	if optBool(opts, "splitlines") {
		ls := lines(data)
		for i, l := range ls {
			ls[i] = trim(l)
		}
		return []byte(strings.Join(ls, "\n")), nil
	}
	return []byte(trim(string(data))), nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

var backrefRe = regexp.MustCompile(`\\(\d+)`)

func reSub(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	pattern, ok := optString(opts, "pattern")
	if !ok {
		return nil, errors.New("needs a pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	repl, _ := optString(opts, "repl")
	repl = backrefRe.ReplaceAllString(repl, "$${$1}")
	return re.ReplaceAll(data, []byte(repl)), nil
}

func separator(opts map[string]any) string {
	if sep, ok := optString(opts, "separator"); ok && sep != "" {
		return sep
	}
	return "\n"
}

func sortItems(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	sep := separator(opts)
	items := strings.Split(string(data), sep)
	reverse := optBool(opts, "reverse")
	sort.SliceStable(items, func(i, j int) bool {
		a, b := strings.ToLower(items[i]), strings.ToLower(items[j])
		if reverse {
			return a > b
		}
		return a < b
	})
	return []byte(strings.Join(items, sep)), nil
}

func reverseItems(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	sep := separator(opts)
	items := strings.Split(string(data), sep)
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return []byte(strings.Join(items, sep)), nil
}

func hexdump(_ context.Context, _ Env, data []byte, _ map[string]any) ([]byte, error) {
	var b strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		block := data[off:end]

		hexParts := make([]string, len(block))
		for i, c := range block {
			hexParts[i] = fmt.Sprintf("%02x", c)
		}
		fmt.Fprintf(&b, "%-49s", strings.Join(hexParts, " "))
		for _, c := range block {
			if c > 31 && c < 127 {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		if end < len(data) {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String()), nil
}

func formatJSON(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	indent := 4
	if v, ok := opts["indentation"]; ok {
		switch n := v.(type) {
		case int:
			indent = n
		case float64:
			indent = int(n)
		default:
			return nil, fmt.Errorf("indentation must be a number, not %T", v)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	// map keys come out sorted
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", strings.Repeat(" ", indent))
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("format json: %w", err)
	}
	return bytes.TrimSuffix(out.Bytes(), []byte("\n")), nil
}
