package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/raysh454/kansoku/internal/filters"
	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/webclient"
)

const (
	defaultURLTimeout = 60 * time.Second
	titleMaxLen       = 60
)

// URLJob retrieves a URL from a web server, the local file system or FTP.
type URLJob struct {
	Base `yaml:",inline"`

	URL            string   `yaml:"url"`
	Cookies        Cookies  `yaml:"cookies,omitempty"`
	Data           any      `yaml:"data,omitempty"`
	Encoding       string   `yaml:"encoding,omitempty"`
	Headers        Headers  `yaml:"headers,omitempty"`
	HTTPProxy      string   `yaml:"http_proxy,omitempty"`
	HTTPSProxy     string   `yaml:"https_proxy,omitempty"`
	IgnoreCached   *bool    `yaml:"ignore_cached,omitempty"`
	Method         string   `yaml:"method,omitempty"`
	NoRedirects    *bool    `yaml:"no_redirects,omitempty"`
	SSLNoVerify    *bool    `yaml:"ssl_no_verify,omitempty"`
	Timeout        *float64 `yaml:"timeout,omitempty"`
	UserVisibleURL string   `yaml:"user_visible_url,omitempty"`
}

var _ Job = (*URLJob)(nil)

func (j *URLJob) Kind() string { return KindURL }

func (j *URLJob) Location() string {
	if j.UserVisibleURL != "" {
		return j.UserVisibleURL
	}
	return j.URL
}

func (j *URLJob) IndexedLocation() string { return j.indexed(j.Location()) }
func (j *URLJob) PrettyName() string      { return j.pretty(j.Location()) }

// timeout maps the directive onto a duration: unset is the default, zero or
// less disables the timeout.
func (j *URLJob) timeout() time.Duration {
	if j.Timeout == nil {
		return defaultURLTimeout
	}
	if *j.Timeout <= 0 {
		return 0
	}
	return time.Duration(*j.Timeout * float64(time.Second))
}

func (j *URLJob) Retrieve(ctx context.Context, st *State) (Outcome, error) {
	u, err := url.Parse(j.URL)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse url %q: %w", j.URL, err)
	}
	needsBytes := filters.NeedsBytes(j.Filter)

	switch u.Scheme {
	case "file":
		st.logger().Info("using local filesystem", logging.Field{Key: "job", Value: j.IndexNumber})
		path := u.Path
		if runtime.GOOS == "windows" {
			path = strings.TrimPrefix(path, "/")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Outcome{}, fmt.Errorf("read %s: %w", path, err)
		}
		return Changed(data, ""), nil
	case "ftp":
		if st.Transports.FTP == nil {
			return Outcome{}, errors.New("no ftp transport configured")
		}
		data, err := st.Transports.FTP.Fetch(ctx, u, j.timeout(), needsBytes)
		if err != nil {
			return Outcome{}, err
		}
		return Changed(data, ""), nil
	}
	return j.retrieveHTTP(ctx, st, needsBytes)
}

func (j *URLJob) conditionalHeaders(st *State) http.Header {
	headers := j.Headers.HTTP()
	if st.OldETag != "" {
		headers.Set("If-None-Match", st.OldETag)
	}
	if !st.OldTimestamp.IsZero() {
		headers.Set("If-Modified-Since", st.OldTimestamp.UTC().Format(http.TimeFormat))
	}
	if flag(j.IgnoreCached) || st.Tries > 0 {
		headers.Del("If-None-Match")
		headers.Set("If-Modified-Since", time.Unix(0, 0).UTC().Format(http.TimeFormat))
		headers.Set("Cache-Control", "max-age=172800")
		headers.Set("Expires", time.Now().UTC().Format(http.TimeFormat))
	}
	return headers
}

func (j *URLJob) retrieveHTTP(ctx context.Context, st *State, needsBytes bool) (Outcome, error) {
	if st.Transports.HTTP == nil {
		return Outcome{}, errors.New("no http transport configured")
	}

	headers := j.conditionalHeaders(st)
	method := strings.ToUpper(j.Method)
	var body []byte
	if j.Data != nil {
		if method == "" {
			method = http.MethodPost
		}
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		body = encodeData(j.Data)
		st.logger().Info("sending request with data",
			logging.Field{Key: "job", Value: j.IndexNumber},
			logging.Field{Key: "method", Value: method})
	}
	if method == "" {
		method = http.MethodGet
	}

	resp, err := st.Transports.HTTP.Do(ctx, &webclient.Request{
		Method:             method,
		URL:                j.URL,
		Headers:            headers,
		Body:               body,
		Cookies:            j.Cookies,
		Timeout:            j.timeout(),
		HTTPProxy:          j.HTTPProxy,
		HTTPSProxy:         j.HTTPSProxy,
		NoRedirects:        flag(j.NoRedirects),
		InsecureSkipVerify: flag(j.SSLNoVerify),
	})
	if err != nil {
		return Outcome{}, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Outcome{}, &HTTPError{StatusCode: resp.StatusCode, URL: j.URL}
	}
	if resp.StatusCode == http.StatusNotModified {
		return NotModified(), nil
	}

	etag := ""
	if resp.Redirects == 0 {
		etag = resp.Headers.Get("ETag")
	}
	if needsBytes {
		return Changed(resp.Body, etag), nil
	}

	text, err := decodeText(resp.Body, j.Encoding, resp.Headers.Get("Content-Type"))
	if err != nil {
		return Outcome{}, err
	}
	if j.Name == "" {
		j.Name = filters.Title(text, titleMaxLen)
	}
	return Changed(text, etag), nil
}

// decodeText converts body to UTF-8 using the forced encoding, the
// Content-Type charset or, failing both, sniffing.
func decodeText(body []byte, forced, contentType string) ([]byte, error) {
	if forced != "" {
		enc, name := charset.Lookup(forced)
		if enc == nil {
			return nil, fmt.Errorf("unknown encoding %q", forced)
		}
		if name == "utf-8" {
			return body, nil
		}
		return enc.NewDecoder().Bytes(body)
	}
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" {
		return body, nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}

func encodeData(v any) []byte {
	if m, ok := asMap(v); ok {
		v = m
	}
	switch d := v.(type) {
	case string:
		return []byte(d)
	case map[string]any:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vals := url.Values{}
		for _, k := range keys {
			if d[k] == nil {
				continue
			}
			vals.Add(k, stringify(d[k]))
		}
		return []byte(vals.Encode())
	}
	return []byte(fmt.Sprint(v))
}

func (j *URLJob) IgnoreError(err error) (bool, string) {
	var te *webclient.TransportError
	if errors.As(err, &te) {
		return j.ignoreTransport(te.Kind)
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return j.ignoreStatus(he.StatusCode)
	}
	return false, ""
}

func (j *URLJob) FormatError(err error) string {
	var te *webclient.TransportError
	var he *HTTPError
	if errors.As(err, &te) || errors.As(err, &he) {
		return err.Error()
	}
	return Diagnostic(err)
}
