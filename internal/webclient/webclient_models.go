package webclient

import (
	"net/http"
	"time"
)

type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	Cookies map[string]string

	// Timeout bounds the whole exchange. Zero disables it.
	Timeout            time.Duration
	HTTPProxy          string
	HTTPSProxy         string
	NoRedirects        bool
	InsecureSkipVerify bool
}

type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
	FinalURL   string
	Redirects  int
}

// BrowseRequest describes one page load in a fresh browser instance.
type BrowseRequest struct {
	URL     string
	Headers http.Header

	ProxyServer   string
	ProxyUsername string
	ProxyPassword string

	UserDataDir       string
	Switches          []string
	IgnoreHTTPSErrors bool

	// Timeout bounds navigation and waiting. Zero disables it.
	Timeout time.Duration
	// WaitUntil is one of load, domcontentloaded, networkidle0 or networkidle2.
	WaitUntil string
	// BlockResourceTypes lists webRequest resource types to abort.
	BlockResourceTypes []string

	WaitForNavigation string
	WaitForDelay      time.Duration
	WaitForSelector   string
}

type BrowseResult struct {
	HTML     string
	FinalURL string
	// StatusCode and ETag belong to the response for the requested URL
	// (fragment removed); StatusCode is zero when it was never seen.
	StatusCode int
	ETag       string
	FetchedAt  time.Time
}
