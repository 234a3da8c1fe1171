package webclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	KindConnection       ErrorKind = "connection error"
	KindTimeout          ErrorKind = "timeout"
	KindTooManyRedirects ErrorKind = "too many redirects"
)

var ErrTooManyRedirects = errors.New("stopped after too many redirects")

// TransportError is returned when a request never produced a response.
type TransportError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func classify(rawURL string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := KindConnection
	var netErr net.Error
	switch {
	case errors.Is(err, ErrTooManyRedirects):
		kind = KindTooManyRedirects
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return &TransportError{Kind: kind, URL: rawURL, Err: err}
}

// NavigationError is a browser navigation failure carrying the Chromium
// network error code, such as net::ERR_NAME_NOT_RESOLVED.
type NavigationError struct {
	Code string
	URL  string
	Err  error
}

func (e *NavigationError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("%s at %s", e.Code, e.URL)
}

func (e *NavigationError) Unwrap() error { return e.Err }

var netErrRe = regexp.MustCompile(`net::ERR_[A-Z0-9_]+`)

func navigationError(rawURL string, err error) *NavigationError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &NavigationError{Code: "net::ERR_TIMED_OUT", URL: rawURL, Err: err}
	}
	return &NavigationError{Code: netErrRe.FindString(err.Error()), URL: rawURL, Err: err}
}
