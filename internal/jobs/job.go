// Package jobs models what kansoku watches: declarations resolved into URL,
// browser or shell jobs, their identity and their retrieval strategies.
package jobs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/webclient"
)

// Job is a resolved declaration bound to one retrieval strategy.
type Job interface {
	Kind() string
	// Location is the URL or command identifying the job.
	Location() string
	IndexedLocation() string
	PrettyName() string
	Common() *Base

	// Retrieve fetches the content. A NotModified outcome confirms that the
	// cached data is still current.
	Retrieve(ctx context.Context, st *State) (Outcome, error)
	// IgnoreError reports whether the job is configured to suppress err,
	// with the directive responsible.
	IgnoreError(err error) (bool, string)
	FormatError(err error) string
}

// Base holds the directives common to every kind.
type Base struct {
	IndexNumber            int         `yaml:"index_number,omitempty"`
	Name                   string      `yaml:"name,omitempty"`
	Note                   string      `yaml:"note,omitempty"`
	AdditionsOnly          *bool       `yaml:"additions_only,omitempty"`
	ComparedVersions       *int        `yaml:"compared_versions,omitempty"`
	ContextLines           *int        `yaml:"contextlines,omitempty"`
	DeletionsOnly          *bool       `yaml:"deletions_only,omitempty"`
	DiffFilter             any         `yaml:"diff_filter,omitempty"`
	DiffTool               string      `yaml:"diff_tool,omitempty"`
	Filter                 any         `yaml:"filter,omitempty"`
	MarkdownPaddedTables   *bool       `yaml:"markdown_padded_tables,omitempty"`
	MaxTries               *int        `yaml:"max_tries,omitempty"`
	IsMarkdown             *bool       `yaml:"is_markdown,omitempty"`
	IgnoreConnectionErrors *bool       `yaml:"ignore_connection_errors,omitempty"`
	IgnoreHTTPErrorCodes   StatusCodes `yaml:"ignore_http_error_codes,omitempty"`
	IgnoreTimeoutErrors    *bool       `yaml:"ignore_timeout_errors,omitempty"`
	IgnoreTooManyRedirects *bool       `yaml:"ignore_too_many_redirects,omitempty"`
}

func (b *Base) Common() *Base { return b }

func (b *Base) indexed(location string) string {
	return fmt.Sprintf("Job %d: %s", b.IndexNumber, location)
}

func (b *Base) pretty(location string) string {
	if b.Name != "" {
		return b.Name
	}
	return location
}

func (b *Base) ignoreTransport(kind webclient.ErrorKind) (bool, string) {
	switch {
	case kind == webclient.KindConnection && flag(b.IgnoreConnectionErrors):
		return true, "ignore_connection_errors"
	case kind == webclient.KindTimeout && flag(b.IgnoreTimeoutErrors):
		return true, "ignore_timeout_errors"
	case kind == webclient.KindTooManyRedirects && flag(b.IgnoreTooManyRedirects):
		return true, "ignore_too_many_redirects"
	}
	return false, ""
}

func (b *Base) ignoreStatus(code int) (bool, string) {
	if b.IgnoreHTTPErrorCodes.Match(code) {
		return true, fmt.Sprintf("ignore_http_error_codes matches %d", code)
	}
	return false, ""
}

// Transports are the clients retrievals run on. Nil members make the
// corresponding retrievals fail.
type Transports struct {
	HTTP    webclient.WebClient
	Browser webclient.Browser
	FTP     webclient.FTPFetcher
}

// State is the prior cache entry of a job plus what retrieval needs.
type State struct {
	OldData      []byte
	OldTimestamp time.Time
	OldETag      string
	Tries        int

	Transports Transports
	Logger     logging.Logger
}

func (st *State) logger() logging.Logger {
	if st.Logger == nil {
		return logging.NewNopLogger()
	}
	return st.Logger
}

// Outcome is a successful retrieval: either fresh data or confirmation that
// the cached data is current.
type Outcome struct {
	NotModified bool
	Data        []byte
	ETag        string
}

func NotModified() Outcome { return Outcome{NotModified: true} }

func Changed(data []byte, etag string) Outcome { return Outcome{Data: data, ETag: etag} }

// GUID is the hex SHA-1 of the job location, the job's cache key.
func GUID(job Job) string {
	sum := sha1.Sum([]byte(job.Location()))
	return hex.EncodeToString(sum[:])
}
