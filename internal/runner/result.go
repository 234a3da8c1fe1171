package runner

import (
	"time"

	"github.com/raysh454/kansoku/internal/jobs"
)

// Verb is the outcome class of one job run.
type Verb string

const (
	VerbNew       Verb = "new"
	VerbChanged   Verb = "changed"
	VerbUnchanged Verb = "unchanged"
	VerbError     Verb = "error"
)

// Result is what running a single job produced.
type Result struct {
	Job  jobs.Job
	GUID string
	Verb Verb

	OldData      []byte
	NewData      []byte
	OldTimestamp time.Time
	NewTimestamp time.Time
	ETag         string
	// Tries is the failure count stored after this run.
	Tries int

	Err          error
	ErrorMessage string
	ErrorIgnored bool
	IgnoreReason string

	Notices  []string
	Duration time.Duration
}

// Reportable reports whether the result carries news: new or changed
// content, or an error that was not suppressed.
func (r Result) Reportable() bool {
	switch r.Verb {
	case VerbNew, VerbChanged:
		return true
	case VerbError:
		return !r.ErrorIgnored
	}
	return false
}

// Run is one pass over a job list.
type Run struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Results  []Result
}

// Counts tallies the results by verb.
func (r *Run) Counts() map[Verb]int {
	out := map[Verb]int{}
	for _, res := range r.Results {
		out[res.Verb]++
	}
	return out
}
