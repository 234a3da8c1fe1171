package jobs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ValidationError reports a declaration that cannot become a job.
type ValidationError struct {
	// Index is the 1-based position in the job list, 0 when unknown.
	Index       int
	Key         string
	Reason      string
	Declaration Declaration
	Err         error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Index > 0 {
		fmt.Fprintf(&b, "job %d: ", e.Index)
	}
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	fmt.Fprintf(&b, "; check for errors/typos/escaping: %s", e.Declaration)
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ContractError is a job authoring mistake found at retrieval time. It is
// never ignorable and retrying does not help.
type ContractError struct {
	Location  string
	Directive string
	Msg       string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("'%s' %s (%s)", e.Directive, e.Msg, e.Location)
}

// HTTPError is a response with a status of 400 or above.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s for url: %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// BrowserResponseError is a rendered page whose main document came back
// with a 4xx or 5xx status.
type BrowserResponseError struct {
	StatusCode int
	URL        string
	Err        error
}

func (e *BrowserResponseError) Error() string {
	msg := fmt.Sprintf("received response HTTP %d %s from %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BrowserResponseError) Unwrap() error { return e.Err }

// ShellError is a command that exited with a non-zero status.
type ShellError struct {
	ExitCode int
	Stderr   string
}

func (e *ShellError) Error() string {
	msg := fmt.Sprintf("command exited with status %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Diagnostic renders err with the dynamic type of every wrapped error. It is
// the fallback when a job has no concise rendering for an error.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%T: %v", err, err)
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "\n  caused by %T: %v", e, e)
	}
	return b.String()
}
