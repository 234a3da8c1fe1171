package webclient

import "time"

type Client string

const (
	ClientNetHTTP  Client = "nethttp"
	ClientChromedp Client = "chromedp"
)

// Config carries the transport settings shared by every job.
type Config struct {
	Client Client

	// UserAgent is sent when a request carries none.
	UserAgent string
	// CloudflareBypass wraps the HTTP transport with browser-like TLS and headers.
	CloudflareBypass bool

	BrowserExecPath string
	Headful         bool
	// IdleAfter is the quiet period the networkidle wait conditions require.
	IdleAfter time.Duration
}
