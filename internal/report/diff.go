package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const defaultContextLines = 3

type DiffOptions struct {
	ContextLines  int
	AdditionsOnly bool
	DeletionsOnly bool
	OldTime       time.Time
	NewTime       time.Time
}

type lineOp struct {
	op   diffmatchpatch.Operation
	text string
	// 1-based line numbers in the old and new text
	oldNo, newNo int
}

// Diff renders a line-based unified diff of old and new. It returns "" when
// nothing is left to show, which happens with additions_only when lines were
// only deleted and with deletions_only when lines were only added.
func Diff(old, new []byte, opts DiffOptions) string {
	ops := lineOps(string(old), string(new))

	kept := ops[:0:0]
	changed := false
	for _, o := range ops {
		switch {
		case o.op == diffmatchpatch.DiffDelete && opts.AdditionsOnly:
			continue
		case o.op == diffmatchpatch.DiffInsert && opts.DeletionsOnly:
			continue
		case o.op != diffmatchpatch.DiffEqual:
			changed = true
		}
		kept = append(kept, o)
	}
	if !changed {
		return ""
	}

	ctx := max(opts.ContextLines, 0)
	var b strings.Builder
	fmt.Fprintf(&b, "--- @ %s\n+++ @ %s\n", stamp(opts.OldTime), stamp(opts.NewTime))
	for _, h := range hunks(kept, ctx) {
		writeHunk(&b, kept[h[0]:h[1]])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC1123Z)
}

func lineOps(old, new string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(terminate(old), terminate(new))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	oldNo, newNo := 1, 1
	for _, d := range diffs {
		for _, l := range strings.SplitAfter(d.Text, "\n") {
			if l == "" {
				continue
			}
			ops = append(ops, lineOp{op: d.Type, text: strings.TrimSuffix(l, "\n"), oldNo: oldNo, newNo: newNo})
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldNo++
				newNo++
			case diffmatchpatch.DiffDelete:
				oldNo++
			case diffmatchpatch.DiffInsert:
				newNo++
			}
		}
	}
	return ops
}

// terminate makes the last line end with a newline so that appending to a
// file does not show its former last line as changed.
func terminate(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// hunks returns [start, end) ranges of ops around changes, merged when
// their context overlaps.
func hunks(ops []lineOp, ctx int) [][2]int {
	var out [][2]int
	for i, o := range ops {
		if o.op == diffmatchpatch.DiffEqual {
			continue
		}
		start, end := max(i-ctx, 0), min(i+ctx+1, len(ops))
		if n := len(out); n > 0 && start <= out[n-1][1] {
			out[n-1][1] = end
			continue
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func writeHunk(b *strings.Builder, ops []lineOp) {
	oldStart, newStart := ops[0].oldNo, ops[0].newNo
	var oldCount, newCount int
	for _, o := range ops {
		if o.op != diffmatchpatch.DiffInsert {
			oldCount++
		}
		if o.op != diffmatchpatch.DiffDelete {
			newCount++
		}
	}
	if oldCount == 0 {
		oldStart--
	}
	if newCount == 0 {
		newStart--
	}
	fmt.Fprintf(b, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
	for _, o := range ops {
		switch o.op {
		case diffmatchpatch.DiffInsert:
			b.WriteByte('+')
		case diffmatchpatch.DiffDelete:
			b.WriteByte('-')
		default:
			b.WriteByte(' ')
		}
		b.WriteString(o.text)
		b.WriteByte('\n')
	}
}
