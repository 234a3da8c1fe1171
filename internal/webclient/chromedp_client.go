package webclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/raysh454/kansoku/internal/logging"
)

var ErrNoBrowser = errors.New("no chromium executable found")

var browserCandidates = []string{
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

const defaultLocationWait = 30 * time.Second

// resourceTypes maps webRequest resource type names onto devtools types.
// main_frame and sub_frame are told apart by frame id.
var resourceTypes = map[string][]network.ResourceType{
	"main_frame":     {network.ResourceTypeDocument},
	"sub_frame":      {network.ResourceTypeDocument},
	"stylesheet":     {network.ResourceTypeStylesheet},
	"script":         {network.ResourceTypeScript},
	"image":          {network.ResourceTypeImage},
	"font":           {network.ResourceTypeFont},
	"object":         {network.ResourceTypeOther},
	"xmlhttprequest": {network.ResourceTypeXHR, network.ResourceTypeFetch},
	"ping":           {network.ResourceTypePing},
	"csp_report":     {network.ResourceTypeCSPViolationReport},
	"media":          {network.ResourceTypeMedia},
	"websocket":      {network.ResourceTypeWebSocket},
	"other":          {network.ResourceTypeOther},
}

// BlockableResourceTypes lists the names BrowseRequest.BlockResourceTypes accepts.
func BlockableResourceTypes() []string {
	out := make([]string, 0, len(resourceTypes))
	for name := range resourceTypes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ChromedpClient launches a fresh headless Chromium for every page load.
type ChromedpClient struct {
	execPath  string
	headful   bool
	idleAfter time.Duration
	logger    logging.Logger
}

var (
	_ WebClient = (*ChromedpClient)(nil)
	_ Browser   = (*ChromedpClient)(nil)
)

func NewChromedpClient(cfg Config, logger logging.Logger) (*ChromedpClient, error) {
	path := cfg.BrowserExecPath
	if path != "" {
		p, err := exec.LookPath(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoBrowser, err)
		}
		path = p
	} else {
		for _, name := range browserCandidates {
			if p, err := exec.LookPath(name); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil, ErrNoBrowser
	}

	idle := cfg.IdleAfter
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}

	componentLogger := logger.With(logging.Field{Key: "backend", Value: "chromedp"})
	componentLogger.Debug("created chromedp webclient",
		logging.Field{Key: "exec_path", Value: path},
		logging.Field{Key: "idle_after", Value: idle.String()})

	return &ChromedpClient{
		execPath:  path,
		headful:   cfg.Headful,
		idleAfter: idle,
		logger:    componentLogger,
	}, nil
}

// Do renders a GET request and reports the DOM as the response body.
func (c *ChromedpClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if m := strings.ToUpper(req.Method); m != "" && m != http.MethodGet {
		return nil, fmt.Errorf("chromedp backend only supports GET, got %s", m)
	}

	res, err := c.Browse(ctx, &BrowseRequest{
		URL:               req.URL,
		Headers:           req.Headers,
		Timeout:           req.Timeout,
		WaitUntil:         "networkidle0",
		IgnoreHTTPSErrors: req.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if res.ETag != "" {
		headers.Set("ETag", res.ETag)
	}
	return &Response{
		Request:    req,
		Headers:    headers,
		Body:       []byte(res.HTML),
		StatusCode: res.StatusCode,
		FetchedAt:  res.FetchedAt,
		FinalURL:   res.FinalURL,
	}, nil
}

func (c *ChromedpClient) Close() error {
	return nil
}

func (c *ChromedpClient) allocatorOptions(req *BrowseRequest) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.ExecPath(c.execPath))
	if c.headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if req.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(req.ProxyServer))
	}
	if req.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(req.UserDataDir))
	}
	if req.IgnoreHTTPSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	for _, sw := range req.Switches {
		name, value, ok := strings.Cut(strings.TrimLeft(sw, "-"), "=")
		if ok {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// Browse loads req.URL in a new browser process which is torn down before
// Browse returns, whatever the outcome.
func (c *ChromedpClient) Browse(ctx context.Context, req *BrowseRequest) (*BrowseResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	blocked := map[network.ResourceType][]string{}
	for _, name := range req.BlockResourceTypes {
		types, ok := resourceTypes[name]
		if !ok {
			return nil, fmt.Errorf("unsupported resource type %q", name)
		}
		for _, t := range types {
			blocked[t] = append(blocked[t], name)
		}
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions(req)...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	if err := chromedp.Run(browserCtx); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	c.logger.Debug("browser started", logging.Field{Key: "url", Value: req.URL})

	target := normalizeURL(req.URL)
	mainFrame := cdp.FrameID(chromedp.FromContext(browserCtx).Target.TargetID)
	var mu sync.Mutex
	status, etag := 0, ""

	chromedp.ListenTarget(browserCtx, func(ev any) {
		switch ev := ev.(type) {
		case *network.EventResponseReceived:
			if ev.Type != network.ResourceTypeDocument || normalizeURL(ev.Response.URL) != target {
				return
			}
			mu.Lock()
			status = int(ev.Response.Status)
			if status == http.StatusOK {
				etag = headerValue(ev.Response.Headers, "etag")
			}
			mu.Unlock()
		case *fetch.EventRequestPaused:
			abort := false
			if names, ok := blocked[ev.ResourceType]; ok {
				abort = blocksFrame(names, ev.ResourceType, ev.FrameID == mainFrame)
			}
			go c.resolvePaused(browserCtx, ev.RequestID, abort)
		case *fetch.EventAuthRequired:
			go c.answerAuth(browserCtx, ev.RequestID, req.ProxyUsername, req.ProxyPassword)
		}
	})

	snapshot := func() *BrowseResult {
		mu.Lock()
		defer mu.Unlock()
		return &BrowseResult{StatusCode: status, ETag: etag, FetchedAt: time.Now()}
	}

	runCtx := browserCtx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(browserCtx, req.Timeout)
		defer cancel()
	}

	actions := []chromedp.Action{network.Enable()}
	if len(req.Headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(networkHeaders(req.Headers)))
	}
	if len(blocked) > 0 || req.ProxyUsername != "" {
		actions = append(actions, fetch.Enable().
			WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
			WithHandleAuthRequests(req.ProxyUsername != ""))
	}

	var idle <-chan struct{}
	var kick func()
	switch req.WaitUntil {
	case "networkidle0":
		idle, kick = waitNetworkIdle(browserCtx, c.idleAfter, 0)
	case "networkidle2":
		idle, kick = waitNetworkIdle(browserCtx, c.idleAfter, 2)
	}

	actions = append(actions, chromedp.Navigate(req.URL))
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return snapshot(), navigationError(req.URL, err)
	}

	if idle != nil {
		kick()
		select {
		case <-idle:
		case <-runCtx.Done():
			return snapshot(), navigationError(req.URL, runCtx.Err())
		}
	}

	if req.WaitForNavigation != "" {
		if err := waitForLocation(runCtx, req.WaitForNavigation, req.Timeout == 0); err != nil {
			return snapshot(), navigationError(req.URL, err)
		}
	}

	var waits []chromedp.Action
	if req.WaitForDelay > 0 {
		waits = append(waits, chromedp.Sleep(req.WaitForDelay))
	}
	if req.WaitForSelector != "" {
		waits = append(waits, chromedp.WaitVisible(req.WaitForSelector, chromedp.ByQuery))
	}
	if len(waits) > 0 {
		if err := chromedp.Run(runCtx, waits...); err != nil {
			return snapshot(), fmt.Errorf("wait on %s: %w", req.URL, err)
		}
	}

	var html, final string
	if err := chromedp.Run(runCtx,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&final),
	); err != nil {
		return snapshot(), fmt.Errorf("read content of %s: %w", req.URL, err)
	}

	res := snapshot()
	res.HTML = html
	res.FinalURL = final
	c.logger.Debug("page rendered",
		logging.Field{Key: "url", Value: req.URL},
		logging.Field{Key: "status", Value: res.StatusCode})
	return res, nil
}

func blocksFrame(names []string, t network.ResourceType, isMain bool) bool {
	if t != network.ResourceTypeDocument {
		return true
	}
	for _, n := range names {
		if (n == "main_frame" && isMain) || (n == "sub_frame" && !isMain) {
			return true
		}
	}
	return false
}

func (c *ChromedpClient) resolvePaused(ctx context.Context, id fetch.RequestID, abort bool) {
	execCtx := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Target)
	var err error
	if abort {
		err = fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(execCtx)
	} else {
		err = fetch.ContinueRequest(id).Do(execCtx)
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Debug("resolve paused request failed", logging.Field{Key: "error", Value: err})
	}
}

func (c *ChromedpClient) answerAuth(ctx context.Context, id fetch.RequestID, username, password string) {
	execCtx := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Target)
	resp := &fetch.AuthChallengeResponse{
		Response: fetch.AuthChallengeResponseResponseProvideCredentials,
		Username: username,
		Password: password,
	}
	if err := fetch.ContinueWithAuth(id, resp).Do(execCtx); err != nil && ctx.Err() == nil {
		c.logger.Debug("answer auth challenge failed", logging.Field{Key: "error", Value: err})
	}
}

// waitNetworkIdle returns a channel closed once at most maxInflight requests
// have been pending for idleAfter. kick arms the timer when no request
// finished after it was installed.
func waitNetworkIdle(ctx context.Context, idleAfter time.Duration, maxInflight int) (<-chan struct{}, func()) {
	idleChan := make(chan struct{})
	inflight := map[network.RequestID]struct{}{}
	var mu sync.Mutex
	var timer *time.Timer
	var once sync.Once

	startTimer := func() {
		mu.Lock()
		defer mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(idleAfter, func() {
			mu.Lock()
			n := len(inflight)
			mu.Unlock()
			if n <= maxInflight {
				once.Do(func() { close(idleChan) })
			}
		})
	}

	finished := func(id network.RequestID) {
		mu.Lock()
		delete(inflight, id)
		n := len(inflight)
		mu.Unlock()
		if n <= maxInflight {
			startTimer()
		}
	}

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			mu.Lock()
			inflight[ev.RequestID] = struct{}{}
			mu.Unlock()
		case *network.EventLoadingFinished:
			finished(ev.RequestID)
		case *network.EventLoadingFailed:
			finished(ev.RequestID)
		}
	})

	return idleChan, startTimer
}

func waitForLocation(ctx context.Context, prefix string, bounded bool) error {
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultLocationWait)
		defer cancel()
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var loc string
		if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
			return err
		}
		if strings.HasPrefix(loc, prefix) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func headerValue(h network.Headers, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// normalizeURL drops the fragment and gives an empty path the root path,
// matching how the browser reports document URLs.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
