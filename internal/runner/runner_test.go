package runner_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/kansoku/internal/cache"
	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/runner"
	"github.com/raysh454/kansoku/internal/webclient"
)

// scriptedJob returns the queued outcomes in order, repeating the last one.
type scriptedJob struct {
	jobs.Base
	kind     string
	location string

	mu     sync.Mutex
	steps  []step
	states []jobs.State
	calls  atomic.Int32
}

type step struct {
	out jobs.Outcome
	err error
}

func newJob(location string, steps ...step) *scriptedJob {
	return &scriptedJob{kind: jobs.KindURL, location: location, steps: steps}
}

func (j *scriptedJob) Kind() string            { return j.kind }
func (j *scriptedJob) Location() string        { return j.location }
func (j *scriptedJob) IndexedLocation() string { return j.location }
func (j *scriptedJob) PrettyName() string      { return j.location }

func (j *scriptedJob) Retrieve(ctx context.Context, st *jobs.State) (jobs.Outcome, error) {
	j.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return jobs.Outcome{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states = append(j.states, *st)
	s := j.steps[0]
	if len(j.steps) > 1 {
		j.steps = j.steps[1:]
	}
	return s.out, s.err
}

func (j *scriptedJob) IgnoreError(err error) (bool, string) {
	var te *webclient.TransportError
	if errors.As(err, &te) && te.Kind == webclient.KindTimeout && j.IgnoreTimeoutErrors != nil && *j.IgnoreTimeoutErrors {
		return true, "ignore_timeout_errors"
	}
	var ce *jobs.ContractError
	if errors.As(err, &ce) {
		// a careless job would suppress everything
		return true, "everything"
	}
	return false, ""
}

func (j *scriptedJob) FormatError(err error) string { return err.Error() }

func (j *scriptedJob) lastState(t *testing.T) jobs.State {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	require.NotEmpty(t, j.states)
	return j.states[len(j.states)-1]
}

func data(s string) step           { return step{out: jobs.Changed([]byte(s), "")} }
func fail(err error) step          { return step{err: err} }
func notModified() step            { return step{out: jobs.NotModified()} }
func dataETag(s, etag string) step { return step{out: jobs.Changed([]byte(s), etag)} }
func ptr[T any](v T) *T            { return &v }
func newStore(t *testing.T) cache.Store {
	t.Helper()
	s, err := cache.Open(context.Background(), cache.Config{Backend: cache.BackendMemory, History: 5}, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRunner(t *testing.T, store cache.Store, cfg runner.Config) *runner.Runner {
	t.Helper()
	r, err := runner.New(cfg, store, jobs.Transports{}, logging.NewTestLogger(false))
	require.NoError(t, err)
	return r
}

func runOne(t *testing.T, r *runner.Runner, job jobs.Job) runner.Result {
	t.Helper()
	run := r.Run(context.Background(), []jobs.Job{job})
	require.Len(t, run.Results, 1)
	return run.Results[0]
}

// ─── New ────────────────────────────────────────────────────────────────

func TestNew_RequiresStore(t *testing.T) {
	t.Parallel()
	_, err := runner.New(runner.Config{}, nil, jobs.Transports{}, nil)
	assert.Error(t, err)
}

// ─── Verbs ──────────────────────────────────────────────────────────────

func TestRun_NewChangedUnchanged(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	job := newJob("https://example.com/a", data("one"), data("one"), data("two"))

	res := runOne(t, r, job)
	assert.Equal(t, runner.VerbNew, res.Verb)
	assert.Equal(t, "one", string(res.NewData))
	assert.True(t, res.Reportable())

	res = runOne(t, r, job)
	assert.Equal(t, runner.VerbUnchanged, res.Verb)
	assert.False(t, res.Reportable())

	res = runOne(t, r, job)
	assert.Equal(t, runner.VerbChanged, res.Verb)
	assert.Equal(t, "one", string(res.OldData))
	assert.Equal(t, "two", string(res.NewData))

	entry, err := store.Load(context.Background(), jobs.GUID(job))
	require.NoError(t, err)
	assert.Equal(t, "two", string(entry.Data))
	assert.Equal(t, 0, entry.Tries)
}

func TestRun_PassesCachedStateToRetrieve(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	job := newJob("https://example.com/etag", dataETag("v1", `"abc"`), notModified())

	runOne(t, r, job)
	res := runOne(t, r, job)

	st := job.lastState(t)
	assert.Equal(t, "v1", string(st.OldData))
	assert.Equal(t, `"abc"`, st.OldETag)
	assert.False(t, st.OldTimestamp.IsZero())
	assert.NotNil(t, st.Logger)

	assert.Equal(t, runner.VerbUnchanged, res.Verb)
	assert.Equal(t, "v1", string(res.NewData))
}

func TestRun_NotModifiedKeepsDataAndRefreshesTimestamp(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	job := newJob("https://example.com/nm", dataETag("body", "e1"), notModified())
	ctx := context.Background()

	runOne(t, r, job)
	before, err := store.Load(ctx, jobs.GUID(job))
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	runOne(t, r, job)
	after, err := store.Load(ctx, jobs.GUID(job))
	require.NoError(t, err)

	assert.Equal(t, "body", string(after.Data))
	assert.Equal(t, "e1", after.ETag)
	assert.True(t, after.Timestamp.After(before.Timestamp))
}

func TestRun_ComparedVersionsMatchesHistory(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	job := newJob("https://example.com/flap", data("a"), data("b"), data("a"))
	job.ComparedVersions = ptr(3)

	assert.Equal(t, runner.VerbNew, runOne(t, r, job).Verb)
	assert.Equal(t, runner.VerbChanged, runOne(t, r, job).Verb)
	assert.Equal(t, runner.VerbUnchanged, runOne(t, r, job).Verb, "a is still in the recent history")
}

func TestRun_FiltersApplyBeforeComparison(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	job := newJob("https://example.com/f", data("keep 1\ndrop"), data("keep 1\ndrop again"))
	job.Filter = []any{map[string]any{"keep_lines_containing": "keep"}}

	res := runOne(t, r, job)
	assert.Equal(t, "keep 1", string(res.NewData))
	assert.Equal(t, runner.VerbUnchanged, runOne(t, r, job).Verb)
}

func TestRun_FilterNoticesAndFailures(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})

	legacy := newJob("https://example.com/legacy", data("x\ny"))
	legacy.Filter = "grep:x"
	res := runOne(t, r, legacy)
	assert.Equal(t, runner.VerbNew, res.Verb)
	assert.Len(t, res.Notices, 2)

	broken := newJob("https://example.com/broken", data("x"))
	broken.Filter = []any{"nope"}
	res = runOne(t, r, broken)
	assert.Equal(t, runner.VerbError, res.Verb)
	assert.Equal(t, 1, res.Tries)
}

// ─── Errors and tries ───────────────────────────────────────────────────

func TestRun_TriesCountFailuresAndReset(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	boom := errors.New("boom")
	job := newJob("https://example.com/t", data("ok"), fail(boom), fail(boom), data("ok"))
	ctx := context.Background()
	guid := jobs.GUID(job)

	runOne(t, r, job)

	res := runOne(t, r, job)
	assert.Equal(t, runner.VerbError, res.Verb)
	assert.Equal(t, 1, res.Tries)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, "boom", res.ErrorMessage)

	res = runOne(t, r, job)
	assert.Equal(t, 2, res.Tries)
	entry, err := store.Load(ctx, guid)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Tries)
	assert.Equal(t, "ok", string(entry.Data), "failures keep the cached data")

	assert.Equal(t, 2, job.lastState(t).Tries)

	res = runOne(t, r, job)
	assert.Equal(t, runner.VerbUnchanged, res.Verb)
	entry, err = store.Load(ctx, guid)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Tries)
}

func TestRun_FirstSuccessAfterFailuresIsNew(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	job := newJob("https://example.com/late", fail(errors.New("down")), data("up"))

	res := runOne(t, r, job)
	assert.Equal(t, runner.VerbError, res.Verb)
	assert.Equal(t, 1, res.Tries)

	res = runOne(t, r, job)
	assert.Equal(t, runner.VerbNew, res.Verb)

	history, err := store.History(context.Background(), jobs.GUID(job), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRun_IgnoredErrors(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	timeout := &webclient.TransportError{Kind: webclient.KindTimeout, Err: context.DeadlineExceeded}
	job := newJob("https://example.com/slow", fail(timeout))
	job.IgnoreTimeoutErrors = ptr(true)

	res := runOne(t, r, job)
	assert.Equal(t, runner.VerbError, res.Verb)
	assert.True(t, res.ErrorIgnored)
	assert.Equal(t, "ignore_timeout_errors", res.IgnoreReason)
	assert.False(t, res.Reportable())
	assert.Equal(t, 1, res.Tries, "ignored errors still count as tries")
}

func TestRun_ContractErrorsAreNeverIgnored(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	job := newJob("https://example.com/c", fail(&jobs.ContractError{Directive: "switches", Msg: "must be a list"}))

	res := runOne(t, r, job)
	assert.Equal(t, runner.VerbError, res.Verb)
	assert.False(t, res.ErrorIgnored)
	assert.True(t, res.Reportable())
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	job := newJob("https://example.com/cancel", data("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run := r.Run(ctx, []jobs.Job{job})

	require.Len(t, run.Results, 1)
	assert.Equal(t, runner.VerbError, run.Results[0].Verb)
	assert.ErrorIs(t, run.Results[0].Err, context.Canceled)

	_, err := store.Load(context.Background(), jobs.GUID(job))
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

// ─── Scheduling ─────────────────────────────────────────────────────────

func TestRun_KeepsJobOrder(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{Workers: 3})

	list := make([]jobs.Job, 10)
	for i := range list {
		list[i] = newJob("cmd "+string(rune('a'+i)), data(string(rune('a'+i))))
	}
	run := r.Run(context.Background(), list)

	require.Len(t, run.Results, len(list))
	for i, res := range run.Results {
		assert.Equal(t, list[i].Location(), res.Job.Location())
		assert.Equal(t, runner.VerbNew, res.Verb)
	}
	assert.Equal(t, 10, run.Counts()[runner.VerbNew])
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.Finished.Before(run.Started))
}

// gatedJob records how many retrievals overlap.
type gatedJob struct {
	*scriptedJob
	active, peak *atomic.Int32
}

func (g gatedJob) Retrieve(ctx context.Context, st *jobs.State) (jobs.Outcome, error) {
	n := g.active.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	g.active.Add(-1)
	return g.scriptedJob.Retrieve(ctx, st)
}

func TestRun_BrowserConcurrencyIsBounded(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{Workers: 8, BrowserConcurrency: 1})

	var active, peak atomic.Int32
	list := make([]jobs.Job, 4)
	for i := range list {
		j := newJob("https://example.com/b"+string(rune('0'+i)), data("x"))
		j.kind = jobs.KindBrowser
		list[i] = gatedJob{scriptedJob: j, active: &active, peak: &peak}
	}
	run := r.Run(context.Background(), list)

	assert.Equal(t, 4, run.Counts()[runner.VerbNew])
	assert.Equal(t, int32(1), peak.Load())
}

func TestStream_SendsEveryResult(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newRunner(t, store, runner.Config{})
	list := []jobs.Job{
		newJob("a", data("1")),
		newJob("b", fail(errors.New("x"))),
	}

	events := make(chan runner.Result, len(list))
	run := r.Stream(context.Background(), list, events)
	close(events)

	seen := map[string]runner.Verb{}
	for res := range events {
		seen[res.Job.Location()] = res.Verb
	}
	assert.Equal(t, map[string]runner.Verb{"a": runner.VerbNew, "b": runner.VerbError}, seen)
	assert.Len(t, run.Results, 2)
}

// ─── Resolved URL jobs over HTTP ────────────────────────────────────────

func newHTTPRunner(t *testing.T, store cache.Store) *runner.Runner {
	t.Helper()
	client, err := webclient.NewNetHTTPClient(webclient.Config{UserAgent: "kansoku/test"}, logging.NewNopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	r, err := runner.New(runner.Config{Workers: 2}, store, jobs.Transports{HTTP: client}, logging.NewTestLogger(false))
	require.NoError(t, err)
	return r
}

func resolveURL(t *testing.T, decl jobs.Declaration) jobs.Job {
	t.Helper()
	job, _, err := jobs.Resolve(decl)
	require.NoError(t, err)
	return job
}

func TestRun_URLJobNotModifiedIsUnchanged(t *testing.T) {
	t.Parallel()
	const etag = `"v1"`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		_, _ = io.WriteString(w, "<html><head><title>Hello</title></head><body>hi</body></html>")
	}))
	defer ts.Close()

	store := newStore(t)
	r := newHTTPRunner(t, store)
	job := resolveURL(t, jobs.Declaration{"url": ts.URL, "method": "GET"})

	res := runOne(t, r, job)
	require.NoError(t, res.Err)
	assert.Equal(t, runner.VerbNew, res.Verb)
	assert.Equal(t, etag, res.ETag)

	for range 2 {
		res = runOne(t, r, job)
		require.NoError(t, res.Err)
		assert.Equal(t, runner.VerbUnchanged, res.Verb)
		assert.Equal(t, 0, res.Tries)
	}

	entry, err := store.Load(context.Background(), jobs.GUID(job))
	require.NoError(t, err)
	assert.Contains(t, string(entry.Data), "Hello")
	assert.Equal(t, 0, entry.Tries)
}

func TestRun_URLJobUnresolvableHostCountsTries(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r := newHTTPRunner(t, store)
	job := resolveURL(t, jobs.Declaration{"url": "http://kansoku-nowhere.invalid/"})

	res := runOne(t, r, job)
	assert.Equal(t, runner.VerbError, res.Verb)
	assert.Equal(t, 1, res.Tries)

	res = runOne(t, r, job)
	assert.Equal(t, runner.VerbError, res.Verb)
	assert.Equal(t, 2, res.Tries)
	assert.False(t, res.ErrorIgnored)
	assert.NotEmpty(t, res.ErrorMessage)
	assert.True(t, res.Reportable())

	entry, err := store.Load(context.Background(), jobs.GUID(job))
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Tries)
}
