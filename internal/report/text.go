package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/raysh454/kansoku/internal/runner"
)

// TextReporter writes reports as plain text.
type TextReporter struct {
	w   io.Writer
	cfg TextConfig
}

var _ Reporter = (*TextReporter)(nil)

func NewTextReporter(w io.Writer, cfg TextConfig) *TextReporter {
	return &TextReporter{w: w, cfg: cfg}
}

func (t *TextReporter) Submit(_ context.Context, r *Report) error {
	var b strings.Builder
	if t.cfg.Summary {
		b.WriteString(Summary(r))
		b.WriteString("\n\n")
	}
	b.WriteString(Render(r))
	if t.cfg.Footer != "" {
		b.WriteString("\n\n-- \n")
		b.WriteString(t.cfg.Footer)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(t.w, b.String())
	return err
}

// Summary renders one table row per entry.
func Summary(r *Report) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Verb", "Job", "Detail"})
	for i, e := range r.Entries {
		tw.AppendRow(table.Row{i + 1, strings.ToUpper(string(e.Verb)), e.Job.PrettyName(), detail(e)})
	}
	tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d checked", r.Checked), r.Finished.Sub(r.Started).Round(time.Millisecond).String()})
	return tw.Render()
}

func detail(e Entry) string {
	switch e.Verb {
	case runner.VerbError:
		return firstLine(e.ErrorMessage)
	case runner.VerbChanged:
		add, del := diffStat(e.Diff)
		return fmt.Sprintf("+%d -%d", add, del)
	}
	return ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func diffStat(diff string) (add, del int) {
	for _, l := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
		case strings.HasPrefix(l, "+"):
			add++
		case strings.HasPrefix(l, "-"):
			del++
		}
	}
	return add, del
}

// Render writes the details of every entry: the diff of changes, the
// content of new jobs and the message of errors.
func Render(r *Report) string {
	parts := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		var b strings.Builder
		fmt.Fprintf(&b, "%s: %s", strings.ToUpper(string(e.Verb)), e.Job.PrettyName())
		if e.Job.PrettyName() != e.Job.Location() {
			fmt.Fprintf(&b, " (%s)", e.Job.Location())
		}
		if note := e.Job.Common().Note; note != "" {
			fmt.Fprintf(&b, "\n%s", note)
		}
		switch e.Verb {
		case runner.VerbChanged:
			fmt.Fprintf(&b, "\n%s", e.Diff)
		case runner.VerbError:
			fmt.Fprintf(&b, "\n%s", e.ErrorMessage)
		}
		parts = append(parts, b.String())
	}
	sep := "\n" + strings.Repeat("-", 72) + "\n"
	return strings.Join(parts, sep)
}
