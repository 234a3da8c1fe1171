package webclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"

	"github.com/raysh454/kansoku/internal/logging"
)

const maxRedirects = 30

// NetHTTPClient is the net/http backed implementation of WebClient.
type NetHTTPClient struct {
	client    *http.Client
	base      *http.Transport
	rt        http.RoundTripper
	bypass    bool
	userAgent string
	logger    logging.Logger
}

var _ WebClient = (*NetHTTPClient)(nil)

// NewNetHTTPClient wraps httpClient, or a client with a cloned default
// transport when httpClient is nil. Per-request proxies and TLS settings need
// the client's transport to be an *http.Transport; other round trippers are
// used as they are.
func NewNetHTTPClient(cfg Config, logger logging.Logger, httpClient *http.Client) (*NetHTTPClient, error) {
	componentLogger := logger.With(logging.Field{Key: "backend", Value: "nethttp"})

	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var base *http.Transport
	var rt http.RoundTripper
	switch t := httpClient.Transport.(type) {
	case nil:
		base = http.DefaultTransport.(*http.Transport).Clone()
		rt = base
	case *http.Transport:
		base = t
		rt = t
	default:
		rt = t
	}
	if cfg.CloudflareBypass && base != nil {
		base = base.Clone()
		rt = cloudflarebp.AddCloudFlareByPass(base)
	}

	componentLogger.Debug("created nethttp webclient",
		logging.Field{Key: "cloudflare_bypass", Value: cfg.CloudflareBypass})

	return &NetHTTPClient{
		client:    httpClient,
		base:      base,
		rt:        rt,
		bypass:    cfg.CloudflareBypass,
		userAgent: cfg.UserAgent,
		logger:    componentLogger,
	}, nil
}

// roundTripper returns the transport for req and whether it is private to
// this request and must be released afterwards.
func (nhc *NetHTTPClient) roundTripper(req *Request) (http.RoundTripper, *http.Transport) {
	custom := req.HTTPProxy != "" || req.HTTPSProxy != "" || req.InsecureSkipVerify
	if !custom || nhc.base == nil {
		return nhc.rt, nil
	}

	t := nhc.base.Clone()
	if req.HTTPProxy != "" || req.HTTPSProxy != "" {
		t.Proxy = proxyFunc(req.HTTPProxy, req.HTTPSProxy, t.Proxy)
	}
	if req.InsecureSkipVerify {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true
	}
	if nhc.bypass {
		return cloudflarebp.AddCloudFlareByPass(t), t
	}
	return t, t
}

func proxyFunc(httpProxy, httpsProxy string, fallback func(*http.Request) (*url.URL, error)) func(*http.Request) (*url.URL, error) {
	return func(r *http.Request) (*url.URL, error) {
		var p string
		switch r.URL.Scheme {
		case "http":
			p = httpProxy
		case "https":
			p = httpsProxy
		}
		if p != "" {
			return url.Parse(p)
		}
		if fallback != nil {
			return fallback(r)
		}
		return nil, nil
	}
}

// Do implements the generic request execution using net/http. Responses with
// any status code are returned; only failures to obtain a response are errors,
// reported as *TransportError.
func (nhc *NetHTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, nhc.ErrInvalidRequest()
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	nhc.logger.Debug("sending http request",
		logging.Field{Key: "method", Value: method},
		logging.Field{Key: "url", Value: req.URL})

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && nhc.userAgent != "" {
		httpReq.Header.Set("User-Agent", nhc.userAgent)
	}

	names := make([]string, 0, len(req.Cookies))
	for name := range req.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: req.Cookies[name]})
	}

	rt, private := nhc.roundTripper(req)
	if private != nil {
		defer private.CloseIdleConnections()
	}

	redirects := 0
	client := &http.Client{
		Transport: rt,
		Jar:       nhc.client.Jar,
		Timeout:   req.Timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if req.NoRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			redirects = len(via)
			return nil
		},
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		nhc.logger.Warn("http request failed",
			logging.Field{Key: "method", Value: method},
			logging.Field{Key: "url", Value: req.URL},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, classify(req.URL, err)
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		nhc.logger.Warn("failed to read response body",
			logging.Field{Key: "method", Value: method},
			logging.Field{Key: "url", Value: req.URL},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, classify(req.URL, err)
	}

	return &Response{
		Request:    req,
		Body:       body,
		Headers:    resp.Header,
		StatusCode: resp.StatusCode,
		FetchedAt:  time.Now(),
		FinalURL:   resp.Request.URL.String(),
		Redirects:  redirects,
	}, nil
}

// Get is a convenience method for simple GET requests
func (nhc *NetHTTPClient) Get(ctx context.Context, url string) (*Response, error) {
	req := &Request{
		Method: http.MethodGet,
		URL:    url,
	}
	return nhc.Do(ctx, req)
}

func (nhc *NetHTTPClient) Close() error {
	nhc.logger.Debug("closing nethttp webclient")
	if nhc.base != nil {
		nhc.base.CloseIdleConnections()
	}
	return nil
}

// HTTPClient returns the underlying *http.Client
func (nhc *NetHTTPClient) HTTPClient() *http.Client {
	return nhc.client
}

// ErrInvalidRequest returns an error for invalid request scenarios
func (nhc *NetHTTPClient) ErrInvalidRequest() error {
	return fmt.Errorf("request cannot be nil")
}
