// Package webclient provides the transports jobs retrieve content with: a
// net/http client, a headless Chromium driver and an FTP fetcher.
package webclient

import (
	"context"
	"net/url"
	"time"
)

// WebClient executes plain HTTP requests.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	Close() error
}

// Browser renders a page in a real browser and returns the resulting DOM.
// On navigation failure Browse returns the partial result alongside the error
// so callers can inspect the main document status.
type Browser interface {
	Browse(ctx context.Context, req *BrowseRequest) (*BrowseResult, error)
}

// FTPFetcher retrieves a single file over FTP. In text mode line endings are
// normalized to "\n".
type FTPFetcher interface {
	Fetch(ctx context.Context, u *url.URL, timeout time.Duration, binary bool) ([]byte, error)
}
