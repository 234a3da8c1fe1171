package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/raysh454/kansoku/internal/filters"
	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/utils"
	"github.com/raysh454/kansoku/internal/webclient"
)

const defaultBrowserTimeout = 30 * time.Second

var waitUntilValues = []string{"load", "domcontentloaded", "networkidle0", "networkidle2"}

// chromiumConnectionErrors are the connection-related entries (range
// 100-199) of Chromium's net error list.
var chromiumConnectionErrors = map[string]bool{}

func init() {
	for _, name := range []string{
		"CONNECTION_CLOSED", "CONNECTION_RESET", "CONNECTION_REFUSED", "CONNECTION_ABORTED",
		"CONNECTION_FAILED", "NAME_NOT_RESOLVED", "INTERNET_DISCONNECTED", "SSL_PROTOCOL_ERROR",
		"ADDRESS_INVALID", "ADDRESS_UNREACHABLE", "SSL_CLIENT_AUTH_CERT_NEEDED", "TUNNEL_CONNECTION_FAILED",
		"NO_SSL_VERSIONS_ENABLED", "SSL_VERSION_OR_CIPHER_MISMATCH", "SSL_RENEGOTIATION_REQUESTED",
		"PROXY_AUTH_UNSUPPORTED", "CERT_ERROR_IN_SSL_RENEGOTIATION", "BAD_SSL_CLIENT_AUTH_CERT",
		"CONNECTION_TIMED_OUT", "HOST_RESOLVER_QUEUE_TOO_LARGE", "SOCKS_CONNECTION_FAILED",
		"SOCKS_CONNECTION_HOST_UNREACHABLE", "ALPN_NEGOTIATION_FAILED", "SSL_NO_RENEGOTIATION",
		"WINSOCK_UNEXPECTED_WRITTEN_BYTES", "SSL_DECOMPRESSION_FAILURE_ALERT", "SSL_BAD_RECORD_MAC_ALERT",
		"PROXY_AUTH_REQUESTED", "PROXY_CONNECTION_FAILED", "MANDATORY_PROXY_CONFIGURATION_FAILED",
		"PRECONNECT_MAX_SOCKET_LIMIT", "SSL_CLIENT_AUTH_PRIVATE_KEY_ACCESS_DENIED",
		"SSL_CLIENT_AUTH_CERT_NO_PRIVATE_KEY", "PROXY_CERTIFICATE_INVALID", "NAME_RESOLUTION_FAILED",
		"NETWORK_ACCESS_DENIED", "TEMPORARILY_THROTTLED", "HTTPS_PROXY_TUNNEL_RESPONSE_REDIRECT",
		"SSL_CLIENT_AUTH_SIGNATURE_FAILED", "MSG_TOO_BIG", "WS_PROTOCOL_ERROR", "ADDRESS_IN_USE",
		"SSL_HANDSHAKE_NOT_COMPLETED", "SSL_BAD_PEER_PUBLIC_KEY", "SSL_PINNED_KEY_NOT_IN_CERT_CHAIN",
		"CLIENT_AUTH_CERT_TYPE_UNSUPPORTED", "SSL_DECRYPT_ERROR_ALERT", "WS_THROTTLE_QUEUE_TOO_LARGE",
		"SSL_SERVER_CERT_CHANGED", "SSL_UNRECOGNIZED_NAME_ALERT", "SOCKET_SET_RECEIVE_BUFFER_SIZE_ERROR",
		"SOCKET_SET_SEND_BUFFER_SIZE_ERROR", "SOCKET_RECEIVE_BUFFER_SIZE_UNCHANGEABLE",
		"SOCKET_SEND_BUFFER_SIZE_UNCHANGEABLE", "SSL_CLIENT_AUTH_CERT_BAD_FORMAT", "ICANN_NAME_COLLISION",
		"SSL_SERVER_CERT_BAD_FORMAT", "CT_STH_PARSING_FAILED", "CT_STH_INCOMPLETE",
		"UNABLE_TO_REUSE_CONNECTION_FOR_PROXY_AUTH", "CT_CONSISTENCY_PROOF_PARSING_FAILED",
		"SSL_OBSOLETE_CIPHER", "WS_UPGRADE", "READ_IF_READY_NOT_IMPLEMENTED", "NO_BUFFER_SPACE",
		"SSL_CLIENT_AUTH_NO_COMMON_ALGORITHMS", "EARLY_DATA_REJECTED", "WRONG_VERSION_ON_EARLY_DATA",
		"TLS13_DOWNGRADE_DETECTED", "SSL_KEY_USAGE_INCOMPATIBLE",
	} {
		chromiumConnectionErrors["net::ERR_"+name] = true
	}
}

// BrowserJob renders a URL in headless Chromium. Conditional requests are
// not used for rendered pages.
type BrowserJob struct {
	Base `yaml:",inline"`

	URL               string   `yaml:"url"`
	UseBrowser        bool     `yaml:"use_browser"`
	BlockElements     any      `yaml:"block_elements,omitempty"`
	ChromiumRevision  any      `yaml:"chromium_revision,omitempty"`
	Cookies           Cookies  `yaml:"cookies,omitempty"`
	Headers           Headers  `yaml:"headers,omitempty"`
	HTTPProxy         string   `yaml:"http_proxy,omitempty"`
	HTTPSProxy        string   `yaml:"https_proxy,omitempty"`
	IgnoreHTTPSErrors *bool    `yaml:"ignore_https_errors,omitempty"`
	Navigate          string   `yaml:"navigate,omitempty"`
	Switches          any      `yaml:"switches,omitempty"`
	Timeout           *float64 `yaml:"timeout,omitempty"`
	UserVisibleURL    string   `yaml:"user_visible_url,omitempty"`
	UserDataDir       string   `yaml:"user_data_dir,omitempty"`
	WaitFor           *WaitFor `yaml:"wait_for,omitempty"`
	WaitForNavigation string   `yaml:"wait_for_navigation,omitempty"`
	WaitUntil         string   `yaml:"wait_until,omitempty"`
}

var _ Job = (*BrowserJob)(nil)

func (j *BrowserJob) Kind() string { return KindBrowser }

func (j *BrowserJob) Location() string {
	if j.UserVisibleURL != "" {
		return j.UserVisibleURL
	}
	return j.URL
}

func (j *BrowserJob) IndexedLocation() string { return j.indexed(j.Location()) }
func (j *BrowserJob) PrettyName() string      { return j.pretty(j.Location()) }

func (j *BrowserJob) contractError(directive, msg string) *ContractError {
	return &ContractError{Location: j.IndexedLocation(), Directive: directive, Msg: msg}
}

// browseRequest validates the directives and builds the page load.
func (j *BrowserJob) browseRequest() (*webclient.BrowseRequest, error) {
	req := &webclient.BrowseRequest{
		URL:               j.URL,
		Headers:           j.Headers.HTTP(),
		UserDataDir:       j.UserDataDir,
		IgnoreHTTPSErrors: flag(j.IgnoreHTTPSErrors),
		Timeout:           defaultBrowserTimeout,
		WaitUntil:         j.WaitUntil,
		WaitForNavigation: j.WaitForNavigation,
	}
	if j.Timeout != nil && *j.Timeout > 0 {
		req.Timeout = time.Duration(*j.Timeout * float64(time.Second))
	}

	switches, ok := stringList(j.Switches)
	if !ok {
		return nil, j.contractError("switches", fmt.Sprintf("needs to be a string or list, not %T", j.Switches))
	}
	for _, sw := range switches {
		req.Switches = append(req.Switches, "--"+strings.TrimLeft(sw, "-"))
	}

	blocks, ok := stringList(j.BlockElements)
	if !ok {
		return nil, j.contractError("block_elements", fmt.Sprintf("needs to be a string or list, not %T", j.BlockElements))
	}
	allowed := webclient.BlockableResourceTypes()
	for _, b := range blocks {
		if !contains(allowed, b) {
			return nil, j.contractError("block_elements",
				fmt.Sprintf("has unknown resource type %q; supported: %s", b, strings.Join(allowed, ", ")))
		}
	}
	req.BlockResourceTypes = blocks

	if j.WaitUntil != "" && !contains(waitUntilValues, j.WaitUntil) {
		return nil, j.contractError("wait_until",
			fmt.Sprintf("must be one of %s, not %q", strings.Join(waitUntilValues, ", "), j.WaitUntil))
	}

	if len(j.Cookies) > 0 {
		req.Headers.Set("Cookie", j.Cookies.Header())
	}

	if j.WaitFor != nil {
		req.WaitForDelay = j.WaitFor.Delay
		req.WaitForSelector = j.WaitFor.Selector
	}

	u, err := url.Parse(j.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", j.URL, err)
	}
	proxy := ""
	switch u.Scheme {
	case "http":
		proxy = j.HTTPProxy
	case "https":
		proxy = j.HTTPSProxy
	}
	if proxy != "" {
		p, err := utils.SplitProxy(proxy)
		if err != nil {
			return nil, j.contractError(u.Scheme+"_proxy", err.Error())
		}
		req.ProxyServer = p.Server
		req.ProxyUsername = p.Username
		req.ProxyPassword = p.Password
	}
	return req, nil
}

func (j *BrowserJob) Retrieve(ctx context.Context, st *State) (Outcome, error) {
	req, err := j.browseRequest()
	if err != nil {
		return Outcome{}, err
	}
	if st.Transports.Browser == nil {
		return Outcome{}, errors.New("no browser transport configured")
	}
	if j.ChromiumRevision != nil {
		st.logger().Debug("chromium_revision is not used; rendering with the installed browser",
			logging.Field{Key: "job", Value: j.IndexNumber})
	}

	res, err := st.Transports.Browser.Browse(ctx, req)
	if err != nil {
		if res != nil && isErrorStatus(res.StatusCode) {
			return Outcome{}, &BrowserResponseError{StatusCode: res.StatusCode, URL: j.URL, Err: err}
		}
		return Outcome{}, err
	}
	if isErrorStatus(res.StatusCode) {
		return Outcome{}, &BrowserResponseError{StatusCode: res.StatusCode, URL: j.URL}
	}
	if res.StatusCode != 0 && res.StatusCode != 200 {
		st.logger().Info("received non-200 response",
			logging.Field{Key: "job", Value: j.IndexNumber},
			logging.Field{Key: "status", Value: res.StatusCode})
	}

	data := []byte(res.HTML)
	if j.Name == "" {
		j.Name = filters.Title(data, titleMaxLen)
	}
	return Changed(data, res.ETag), nil
}

func isErrorStatus(code int) bool { return code >= 400 && code < 600 }

func (j *BrowserJob) IgnoreError(err error) (bool, string) {
	var ne *webclient.NavigationError
	if errors.As(err, &ne) {
		switch {
		case chromiumConnectionErrors[ne.Code]:
			return j.ignoreTransport(webclient.KindConnection)
		case ne.Code == "net::ERR_TIMED_OUT":
			return j.ignoreTransport(webclient.KindTimeout)
		case ne.Code == "net::ERR_TOO_MANY_REDIRECTS":
			return j.ignoreTransport(webclient.KindTooManyRedirects)
		}
		return false, ""
	}
	var be *BrowserResponseError
	if errors.As(err, &be) {
		return j.ignoreStatus(be.StatusCode)
	}
	return false, ""
}

func (j *BrowserJob) FormatError(err error) string {
	var ne *webclient.NavigationError
	var be *BrowserResponseError
	if errors.As(err, &ne) || errors.As(err, &be) {
		return err.Error()
	}
	return Diagnostic(err)
}
