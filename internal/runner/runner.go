// Package runner drives jobs through retrieval, filtering, comparison and
// cache bookkeeping.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/raysh454/kansoku/internal/cache"
	"github.com/raysh454/kansoku/internal/filters"
	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/logging"
)

const instrumentation = "github.com/raysh454/kansoku/internal/runner"

// Runner runs job lists against a cache. It does not enforce max_tries;
// that is a reporting decision.
type Runner struct {
	cfg        Config
	store      cache.Store
	transports jobs.Transports
	logger     logging.Logger
	now        func() time.Time

	tracer   trace.Tracer
	results  metric.Int64Counter
	duration metric.Float64Histogram
}

func New(cfg Config, store cache.Store, transports jobs.Transports, logger logging.Logger) (*Runner, error) {
	if store == nil {
		return nil, errors.New("runner: nil cache store")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	meter := otel.Meter(instrumentation)
	results, err := meter.Int64Counter("kansoku.job.results",
		metric.WithDescription("Job runs by verb"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	duration, err := meter.Float64Histogram("kansoku.job.duration",
		metric.WithDescription("Job run duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}

	return &Runner{
		cfg:        cfg.withDefaults(),
		store:      store,
		transports: transports,
		logger:     logger.With(logging.Field{Key: "component", Value: "runner"}),
		now:        time.Now,
		tracer:     otel.Tracer(instrumentation),
		results:    results,
		duration:   duration,
	}, nil
}

// Run runs every job and returns the results in job order.
func (r *Runner) Run(ctx context.Context, list []jobs.Job) *Run {
	return r.Stream(ctx, list, nil)
}

// Stream is Run that also sends each result to events as soon as it is
// known. events is not closed.
func (r *Runner) Stream(ctx context.Context, list []jobs.Job, events chan<- Result) *Run {
	run := &Run{ID: uuid.NewString(), Started: r.now(), Results: make([]Result, len(list))}
	logger := r.logger.With(logging.Field{Key: "run", Value: run.ID})

	ctx, span := r.tracer.Start(ctx, "Run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("run.jobs", len(list)),
	))
	defer span.End()

	logger.Info("run started", logging.Field{Key: "jobs", Value: len(list)})

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.cfg.Workers)
	browserSem := make(chan struct{}, r.cfg.BrowserConcurrency)

	for i, job := range list {
		wg.Add(1)
		go func(i int, job jobs.Job) {
			defer wg.Done()

			var res Result
			if err := acquire(ctx, sem); err != nil {
				res = cancelled(job, err)
			} else {
				defer func() { <-sem }()
				if job.Kind() == jobs.KindBrowser {
					if err := acquire(ctx, browserSem); err != nil {
						res = cancelled(job, err)
					} else {
						defer func() { <-browserSem }()
						res = r.runJob(ctx, job, logger)
					}
				} else {
					res = r.runJob(ctx, job, logger)
				}
			}

			run.Results[i] = res
			if events != nil {
				select {
				case events <- res:
				case <-ctx.Done():
				}
			}
		}(i, job)
	}
	wg.Wait()

	run.Finished = r.now()
	counts := run.Counts()
	for _, v := range []Verb{VerbNew, VerbChanged, VerbUnchanged, VerbError} {
		span.SetAttributes(attribute.Int("run."+string(v), counts[v]))
	}
	logger.Info("run finished",
		logging.Field{Key: "new", Value: counts[VerbNew]},
		logging.Field{Key: "changed", Value: counts[VerbChanged]},
		logging.Field{Key: "unchanged", Value: counts[VerbUnchanged]},
		logging.Field{Key: "error", Value: counts[VerbError]},
		logging.Field{Key: "duration", Value: run.Finished.Sub(run.Started).String()})
	return run
}

func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cancelled(job jobs.Job, err error) Result {
	return Result{
		Job:          job,
		GUID:         jobs.GUID(job),
		Verb:         VerbError,
		Err:          err,
		ErrorMessage: err.Error(),
	}
}

func (r *Runner) runJob(ctx context.Context, job jobs.Job, logger logging.Logger) Result {
	guid := jobs.GUID(job)
	logger = logger.With(
		logging.Field{Key: "job", Value: job.Common().IndexNumber},
		logging.Field{Key: "guid", Value: guid})

	ctx, span := r.tracer.Start(ctx, "Job", trace.WithAttributes(
		attribute.String("job.guid", guid),
		attribute.String("job.kind", job.Kind()),
		attribute.String("job.location", job.Location()),
	))
	defer span.End()

	start := r.now()
	res := r.process(ctx, job, guid, logger)
	res.Duration = r.now().Sub(start)

	span.SetAttributes(attribute.String("job.verb", string(res.Verb)), attribute.Int("job.tries", res.Tries))
	if res.Err != nil && !res.ErrorIgnored {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	attrs := metric.WithAttributes(attribute.String("verb", string(res.Verb)), attribute.String("kind", job.Kind()))
	r.results.Add(ctx, 1, attrs)
	r.duration.Record(ctx, res.Duration.Seconds(), attrs)

	switch {
	case res.Verb == VerbError && res.ErrorIgnored:
		logger.Info("error ignored",
			logging.Field{Key: "reason", Value: res.IgnoreReason},
			logging.Field{Key: "error", Value: res.ErrorMessage})
	case res.Verb == VerbError:
		logger.Warn("job failed",
			logging.Field{Key: "tries", Value: res.Tries},
			logging.Field{Key: "error", Value: res.ErrorMessage})
	default:
		logger.Debug("job finished", logging.Field{Key: "verb", Value: string(res.Verb)})
	}
	return res
}

// process is the per-job state machine.
func (r *Runner) process(ctx context.Context, job jobs.Job, guid string, logger logging.Logger) Result {
	res := Result{Job: job, GUID: guid}
	if err := ctx.Err(); err != nil {
		return cancelled(job, err)
	}

	entry, err := r.store.Load(ctx, guid)
	found := err == nil
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return r.fail(res, job, fmt.Errorf("load cache: %w", err))
	}
	if !found {
		entry = cache.Entry{GUID: guid}
	}
	res.OldData = entry.Data
	res.OldTimestamp = entry.Timestamp
	res.ETag = entry.ETag

	st := &jobs.State{
		OldData:      entry.Data,
		OldTimestamp: entry.Timestamp,
		OldETag:      entry.ETag,
		Tries:        entry.Tries,
		Transports:   r.transports,
		Logger:       logger,
	}

	out, err := job.Retrieve(ctx, st)
	if err == nil && !out.NotModified {
		out.Data, res.Notices, err = r.filter(ctx, job, out.Data)
		for _, n := range res.Notices {
			logger.Warn(n)
		}
	}
	if err != nil {
		return r.retrievalFailed(ctx, res, job, entry, err)
	}

	now := r.now()
	if out.NotModified {
		res.Verb = VerbUnchanged
		res.NewData = entry.Data
		res.NewTimestamp = now
		entry.Timestamp, entry.Tries = now, 0
		return r.save(ctx, res, job, entry)
	}

	res.NewData = out.Data
	res.NewTimestamp = now
	res.ETag = out.ETag
	res.Verb, err = r.compare(ctx, job, guid, entry, found, out.Data)
	if err != nil {
		return r.fail(res, job, err)
	}
	entry.Data, entry.ETag, entry.Timestamp, entry.Tries = out.Data, out.ETag, now, 0
	return r.save(ctx, res, job, entry)
}

func (r *Runner) filter(ctx context.Context, job jobs.Job, data []byte) ([]byte, []string, error) {
	steps, notices, err := filters.Normalize(job.Common().Filter)
	if err != nil {
		return nil, notices, fmt.Errorf("filter: %w", err)
	}
	env := filters.Env{Name: job.PrettyName(), Location: job.Location()}
	for _, step := range steps {
		if data, err = filters.Process(ctx, step, env, data); err != nil {
			return nil, notices, err
		}
	}
	return data, notices, nil
}

// compare classifies fresh data against the cached entry. A job whose
// earlier attempts all failed has a zero timestamp and counts as new.
func (r *Runner) compare(ctx context.Context, job jobs.Job, guid string, entry cache.Entry, found bool, data []byte) (Verb, error) {
	if !found || entry.Timestamp.IsZero() {
		return VerbNew, nil
	}
	if bytes.Equal(entry.Data, data) {
		return VerbUnchanged, nil
	}
	if n := job.Common().ComparedVersions; n != nil && *n > 1 {
		history, err := r.store.History(ctx, guid, *n)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}
		for _, old := range history {
			if bytes.Equal(old, data) {
				return VerbUnchanged, nil
			}
		}
	}
	return VerbChanged, nil
}

// retrievalFailed bumps the failure count and keeps the cached data.
func (r *Runner) retrievalFailed(ctx context.Context, res Result, job jobs.Job, entry cache.Entry, err error) Result {
	entry.Tries++
	res = r.fail(res, job, err)
	res.Tries = entry.Tries

	var ce *jobs.ContractError
	if !errors.As(err, &ce) {
		res.ErrorIgnored, res.IgnoreReason = job.IgnoreError(err)
	}

	if serr := r.store.Save(ctx, entry); serr != nil {
		r.logger.Error("cache write failed", logging.Field{Key: "guid", Value: res.GUID}, logging.Field{Key: "error", Value: serr})
		res.Err = errors.Join(err, fmt.Errorf("save cache: %w", serr))
		res.ErrorMessage += "; " + serr.Error()
		res.ErrorIgnored = false
	}
	return res
}

func (r *Runner) fail(res Result, job jobs.Job, err error) Result {
	res.Verb = VerbError
	res.Err = err
	res.ErrorMessage = job.FormatError(err)
	return res
}

func (r *Runner) save(ctx context.Context, res Result, job jobs.Job, entry cache.Entry) Result {
	if err := r.store.Save(ctx, entry); err != nil {
		r.logger.Error("cache write failed", logging.Field{Key: "guid", Value: res.GUID}, logging.Field{Key: "error", Value: err})
		res.NewData = nil
		return r.fail(res, job, fmt.Errorf("save cache: %w", err))
	}
	res.Tries = entry.Tries
	return res
}
