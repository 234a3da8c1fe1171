package jobs_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/webclient"
)

func httpState(t *testing.T) *jobs.State {
	t.Helper()
	client, err := webclient.NewNetHTTPClient(webclient.Config{UserAgent: "kansoku/test"}, logging.NewNopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return &jobs.State{Transports: jobs.Transports{HTTP: client}}
}

type recorder struct {
	mu      sync.Mutex
	headers http.Header
	method  string
	body    string
}

func (r *recorder) record(req *http.Request) {
	b, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = req.Header.Clone()
	r.method = req.Method
	r.body = string(b)
}

func (r *recorder) get() (http.Header, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers, r.method, r.body
}

// ─── Conditional requests ───────────────────────────────────────────────

func TestURLJob_ConditionalHeadersAndNotModified(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer ts.Close()

	st := httpState(t)
	st.OldETag = `"v1"`
	st.OldTimestamp = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	job := mustResolve(t, jobs.Declaration{"url": ts.URL})
	out, err := job.Retrieve(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, out.NotModified)

	h, method, _ := rec.get()
	assert.Equal(t, http.MethodGet, method)
	assert.Equal(t, `"v1"`, h.Get("If-None-Match"))
	assert.Equal(t, "Fri, 01 Mar 2024 12:00:00 GMT", h.Get("If-Modified-Since"))
	assert.Equal(t, "kansoku/test", h.Get("User-Agent"))
}

func TestURLJob_RetryForcesUnconditionalFetch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		_, _ = w.Write([]byte("fresh"))
	}))
	defer ts.Close()

	for name, setup := range map[string]func(st *jobs.State) jobs.Declaration{
		"tries": func(st *jobs.State) jobs.Declaration {
			st.Tries = 1
			return jobs.Declaration{"url": ts.URL}
		},
		"ignore_cached": func(*jobs.State) jobs.Declaration {
			return jobs.Declaration{"url": ts.URL, "ignore_cached": true}
		},
	} {
		st := httpState(t)
		st.OldETag = `"v1"`
		st.OldTimestamp = time.Now()
		job := mustResolve(t, setup(st))

		out, err := job.Retrieve(context.Background(), st)
		require.NoError(t, err, name)
		assert.Equal(t, "fresh", string(out.Data), name)

		h, _, _ := rec.get()
		assert.Empty(t, h.Get("If-None-Match"), name)
		assert.Equal(t, "Thu, 01 Jan 1970 00:00:00 GMT", h.Get("If-Modified-Since"), name)
		assert.Equal(t, "max-age=172800", h.Get("Cache-Control"), name)
		assert.NotEmpty(t, h.Get("Expires"), name)
	}
}

// ─── Responses ──────────────────────────────────────────────────────────

func TestURLJob_ETagAndTitle(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head><title> Front page </title></head><body>hi</body></html>"))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/page", http.StatusFound)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	job := mustResolve(t, jobs.Declaration{"url": ts.URL + "/page"})
	out, err := job.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, out.ETag)
	assert.Equal(t, "Front page", job.PrettyName())

	named := mustResolve(t, jobs.Declaration{"url": ts.URL + "/moved", "name": "mine"})
	out, err = named.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)
	assert.Empty(t, out.ETag, "etag is dropped after a redirect")
	assert.Equal(t, "mine", named.PrettyName())
}

func TestURLJob_DataDefaultsToFormPost(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	job := mustResolve(t, jobs.Declaration{"url": ts.URL, "data": map[string]any{"b": "x y", "a": 1}})
	_, err := job.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)

	h, method, body := rec.get()
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/x-www-form-urlencoded", h.Get("Content-Type"))
	assert.Equal(t, "a=1&b=x+y", body)

	put := mustResolve(t, jobs.Declaration{
		"url": ts.URL, "method": "put", "data": `{"k":1}`,
		"headers": map[string]any{"content-type": "application/json"},
	})
	_, err = put.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)
	h, method, body = rec.get()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, `{"k":1}`, body)
}

func TestURLJob_CookiesAndHeaders(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer ts.Close()

	job := mustResolve(t, jobs.Declaration{
		"url":     ts.URL,
		"cookies": map[string]any{"session": 42},
		"headers": map[string]any{"user-agent": "custom", "x-token": "t"},
	})
	_, err := job.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)

	h, _, _ := rec.get()
	assert.Equal(t, "session=42", h.Get("Cookie"))
	assert.Equal(t, "custom", h.Get("User-Agent"))
	assert.Equal(t, "t", h.Get("X-Token"))
}

func TestURLJob_NullHeaderAndCookieValuesAreSkipped(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer ts.Close()

	job := mustResolve(t, jobs.Declaration{
		"url":     ts.URL,
		"cookies": map[string]any{"a": nil, "b": "2"},
		"headers": map[string]any{"x-foo": nil, "x-bar": "1"},
	})
	uj := job.(*jobs.URLJob)
	assert.Equal(t, jobs.Headers{"X-Bar": "1"}, uj.Headers)
	assert.Equal(t, jobs.Cookies{"b": "2"}, uj.Cookies)

	_, err := job.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)
	h, _, _ := rec.get()
	assert.Empty(t, h.Values("X-Foo"))
	assert.Equal(t, "b=2", h.Get("Cookie"))
}

func TestURLJob_CancellationIsNeverIgnored(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer ts.Close()

	job := mustResolve(t, jobs.Declaration{"url": ts.URL, "ignore_connection_errors": true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := job.Retrieve(ctx, httpState(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	ignored, _ := job.IgnoreError(err)
	assert.False(t, ignored)
}

func TestURLJob_Encoding(t *testing.T) {
	t.Parallel()
	latin1 := []byte{'c', 'a', 'f', 0xe9}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
		_, _ = w.Write(latin1)
	}))
	defer ts.Close()

	job := mustResolve(t, jobs.Declaration{"url": ts.URL})
	out, err := job.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)
	assert.Equal(t, "café", string(out.Data))

	forced := mustResolve(t, jobs.Declaration{"url": ts.URL, "encoding": "utf-8"})
	out, err = forced.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)
	assert.Equal(t, latin1, out.Data)

	raw := mustResolve(t, jobs.Declaration{"url": ts.URL, "filter": []any{"pdf2text"}})
	out, err = raw.Retrieve(context.Background(), httpState(t))
	require.NoError(t, err)
	assert.Equal(t, latin1, out.Data, "byte filters get the body untouched")

	bad := mustResolve(t, jobs.Declaration{"url": ts.URL, "encoding": "no-such-charset"})
	_, err = bad.Retrieve(context.Background(), httpState(t))
	assert.Error(t, err)
}

// ─── Errors ─────────────────────────────────────────────────────────────

func TestURLJob_HTTPErrorIgnoredByStatusCodes(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	job := mustResolve(t, jobs.Declaration{"url": ts.URL})
	_, err := job.Retrieve(context.Background(), httpState(t))
	var he *jobs.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
	ignored, _ := job.IgnoreError(err)
	assert.False(t, ignored)
	assert.Equal(t, "404 Not Found for url: "+ts.URL, job.FormatError(err))

	lenient := mustResolve(t, jobs.Declaration{"url": ts.URL, "ignore_http_error_codes": "4xx"})
	ignored, reason := lenient.IgnoreError(err)
	assert.True(t, ignored)
	assert.Contains(t, reason, "ignore_http_error_codes")
}

func TestURLJob_ConnectionErrorIgnoredByFlag(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := ts.URL
	ts.Close()

	job := mustResolve(t, jobs.Declaration{"url": addr, "ignore_connection_errors": true})
	_, err := job.Retrieve(context.Background(), httpState(t))
	var te *webclient.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, webclient.KindConnection, te.Kind)

	ignored, reason := job.IgnoreError(err)
	assert.True(t, ignored)
	assert.Equal(t, "ignore_connection_errors", reason)

	strict := mustResolve(t, jobs.Declaration{"url": addr, "ignore_timeout_errors": true})
	ignored, _ = strict.IgnoreError(err)
	assert.False(t, ignored)
}

func TestURLJob_TimeoutIgnoredByFlag(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-release }))
	defer ts.Close()
	defer close(release)

	job := mustResolve(t, jobs.Declaration{"url": ts.URL, "timeout": 0.2, "ignore_timeout_errors": true})
	_, err := job.Retrieve(context.Background(), httpState(t))
	var te *webclient.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, webclient.KindTimeout, te.Kind)
	ignored, reason := job.IgnoreError(err)
	assert.True(t, ignored)
	assert.Equal(t, "ignore_timeout_errors", reason)
}

func TestURLJob_OtherErrorsUseDiagnostic(t *testing.T) {
	t.Parallel()
	job := mustResolve(t, jobs.Declaration{"url": "https://example.com"})
	err := errors.New("boom")
	assert.Equal(t, "*errors.errorString: boom", job.FormatError(err))
	ignored, _ := job.IgnoreError(err)
	assert.False(t, ignored)
}

func TestURLJob_MissingTransport(t *testing.T) {
	t.Parallel()
	job := mustResolve(t, jobs.Declaration{"url": "https://example.com"})
	_, err := job.Retrieve(context.Background(), &jobs.State{})
	assert.Error(t, err)
}

// ─── Local files ────────────────────────────────────────────────────────

func TestURLJob_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("local content"), 0o600))

	job := mustResolve(t, jobs.Declaration{"url": "file://" + filepath.ToSlash(path)})
	out, err := job.Retrieve(context.Background(), &jobs.State{})
	require.NoError(t, err)
	assert.Equal(t, "local content", string(out.Data))
	assert.Empty(t, out.ETag)

	missing := mustResolve(t, jobs.Declaration{"url": "file:///does/not/exist"})
	_, err = missing.Retrieve(context.Background(), &jobs.State{})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
