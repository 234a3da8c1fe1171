// Package report turns runner results into reports and delivers them.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/runner"
)

// Entry is one reported job result with its rendered diff.
type Entry struct {
	runner.Result
	Diff string
}

// Report is the reportable part of a run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	// Checked is the number of jobs in the run, reported or not.
	Checked int
	Entries []Entry
}

// Empty reports whether nothing worth sending was collected.
func (r *Report) Empty() bool { return len(r.Entries) == 0 }

// Count returns the number of entries with verb v.
func (r *Report) Count(v runner.Verb) int {
	n := 0
	for _, e := range r.Entries {
		if e.Verb == v {
			n++
		}
	}
	return n
}

// Collect builds the report of a run. An error is included only once the
// stored failure count reaches the job's max_tries, falling back to
// defaultMaxTries when the job sets none. Changes whose diff is empty after
// additions_only or deletions_only are dropped.
func Collect(run *runner.Run, display Display, defaultMaxTries int) *Report {
	rep := &Report{RunID: run.ID, Started: run.Started, Finished: run.Finished, Checked: len(run.Results)}
	for _, res := range run.Results {
		switch res.Verb {
		case runner.VerbNew:
			if display.New {
				rep.Entries = append(rep.Entries, Entry{Result: res})
			}
		case runner.VerbChanged:
			if !display.Changed {
				continue
			}
			diff := Diff(res.OldData, res.NewData, diffOptions(res))
			if diff == "" {
				continue
			}
			rep.Entries = append(rep.Entries, Entry{Result: res, Diff: diff})
		case runner.VerbUnchanged:
			if display.Unchanged {
				rep.Entries = append(rep.Entries, Entry{Result: res})
			}
		case runner.VerbError:
			if display.Error && !res.ErrorIgnored && res.Tries >= maxTries(res, defaultMaxTries) {
				rep.Entries = append(rep.Entries, Entry{Result: res})
			}
		}
	}
	return rep
}

func maxTries(res runner.Result, fallback int) int {
	if res.Job != nil {
		if n := res.Job.Common().MaxTries; n != nil {
			return *n
		}
	}
	return fallback
}

func diffOptions(res runner.Result) DiffOptions {
	opts := DiffOptions{ContextLines: defaultContextLines, OldTime: res.OldTimestamp, NewTime: res.NewTimestamp}
	if res.Job == nil {
		return opts
	}
	b := res.Job.Common()
	if b.ContextLines != nil {
		opts.ContextLines = *b.ContextLines
	}
	opts.AdditionsOnly = b.AdditionsOnly != nil && *b.AdditionsOnly
	opts.DeletionsOnly = b.DeletionsOnly != nil && *b.DeletionsOnly
	return opts
}

// Reporter delivers a report.
type Reporter interface {
	Submit(ctx context.Context, r *Report) error
}

// Dispatcher fans a report out to every enabled backend.
type Dispatcher struct {
	reporters map[string]Reporter
	order     []string
	logger    logging.Logger
}

var _ Reporter = (*Dispatcher)(nil)

func NewDispatcher(logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Dispatcher{
		reporters: map[string]Reporter{},
		logger:    logger.With(logging.Field{Key: "component", Value: "report"}),
	}
}

// Add registers a backend under name, replacing any earlier one.
func (d *Dispatcher) Add(name string, r Reporter) {
	if _, ok := d.reporters[name]; !ok {
		d.order = append(d.order, name)
	}
	d.reporters[name] = r
}

func (d *Dispatcher) Names() []string { return append([]string(nil), d.order...) }

// Submit sends r to every backend. Empty reports are not sent. One failing
// backend does not stop the others.
func (d *Dispatcher) Submit(ctx context.Context, r *Report) error {
	if r.Empty() {
		d.logger.Debug("nothing to report", logging.Field{Key: "run", Value: r.RunID})
		return nil
	}
	var errs []error
	for _, name := range d.order {
		if err := d.reporters[name].Submit(ctx, r); err != nil {
			d.logger.Error("report failed", logging.Field{Key: "backend", Value: name}, logging.Field{Key: "error", Value: err})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		d.logger.Info("report sent", logging.Field{Key: "backend", Value: name}, logging.Field{Key: "entries", Value: len(r.Entries)})
	}
	return errors.Join(errs...)
}

// FromConfig builds a dispatcher holding every enabled backend. The text
// backend writes to stdout.
func FromConfig(cfg Config, stdout io.Writer, logger logging.Logger) (*Dispatcher, error) {
	d := NewDispatcher(logger)
	if cfg.Text.Enabled {
		d.Add("text", NewTextReporter(stdout, cfg.Text))
	}
	if cfg.Email.Enabled {
		r, err := NewEmailReporter(cfg.Email)
		if err != nil {
			return nil, err
		}
		d.Add("email", r)
	}
	if cfg.Webhook.Enabled {
		r, err := NewWebhookReporter(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		d.Add("webhook", r)
	}
	return d, nil
}
