package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/kansoku/internal/cache"
	"github.com/raysh454/kansoku/internal/joblist"
	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/report"
	"github.com/raysh454/kansoku/internal/runner"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrRunNotFound = errors.New("run not found")
)

type RunEventType string

const (
	RunEventStatus RunEventType = "status"
	RunEventResult RunEventType = "result"
)

type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

// RunEvent is streamed to API clients while a run progresses. Result
// events carry one finished job.
type RunEvent struct {
	RunID  string       `json:"run_id"`
	Type   RunEventType `json:"type"`
	Status RunStatus    `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
	Result *JobResult   `json:"result,omitempty"`
}

// JobResult is the JSON view of a runner result.
type JobResult struct {
	GUID         string `json:"guid"`
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Location     string `json:"location"`
	Verb         string `json:"verb"`
	Tries        int    `json:"tries"`
	Error        string `json:"error,omitempty"`
	ErrorIgnored bool   `json:"error_ignored,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

func newJobResult(r runner.Result) JobResult {
	return JobResult{
		GUID:         r.GUID,
		Index:        r.Job.Common().IndexNumber,
		Name:         r.Job.PrettyName(),
		Location:     r.Job.Location(),
		Verb:         string(r.Verb),
		Tries:        r.Tries,
		Error:        r.ErrorMessage,
		ErrorIgnored: r.ErrorIgnored,
		DurationMS:   r.Duration.Milliseconds(),
	}
}

// RunRecord tracks a run started through the orchestrator.
type RunRecord struct {
	ID        string         `json:"id"`
	Status    RunStatus      `json:"status"`
	Error     string         `json:"error,omitempty"`
	Jobs      int            `json:"jobs"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Counts    map[string]int `json:"counts,omitempty"`
	Results   []JobResult    `json:"results,omitempty"`
	Reported  int            `json:"reported"`
	Events    chan RunEvent  `json:"-"`
}

// Orchestrator loads job lists, runs them and keeps track of runs started
// in the background.
type Orchestrator struct {
	cfg      *Config
	store    cache.Store
	runner   *runner.Runner
	reporter report.Reporter
	logger   logging.Logger

	// fileMu serializes edits of the job file.
	fileMu sync.Mutex

	runsMu     sync.Mutex
	runs       map[string]*RunRecord
	runOrder   []string
	runCancels map[string]context.CancelFunc
	wg         sync.WaitGroup
}

func NewOrchestrator(cfg *Config, store cache.Store, r *runner.Runner, reporter report.Reporter, logger logging.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		runner:     r,
		reporter:   reporter,
		logger:     logger.With(logging.Field{Key: "component", Value: "orchestrator"}),
		runs:       map[string]*RunRecord{},
		runCancels: map[string]context.CancelFunc{},
	}
}

// ─── Job list ───

// LoadJobs reads and resolves the configured job file.
func (o *Orchestrator) LoadJobs() ([]jobs.Job, error) {
	list, err := joblist.Open(o.cfg.Jobs, o.cfg.JobDefaults)
	if err != nil {
		return nil, err
	}
	for _, n := range list.Notices {
		o.logger.Warn(n)
	}
	return list.Jobs, nil
}

// SelectJobs picks jobs by index number, GUID or location. No refs
// selects every job.
func SelectJobs(all []jobs.Job, refs []string) ([]jobs.Job, error) {
	if len(refs) == 0 {
		return all, nil
	}
	out := make([]jobs.Job, 0, len(refs))
	for _, ref := range refs {
		job := findJob(all, ref)
		if job == nil {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, ref)
		}
		out = append(out, job)
	}
	return out, nil
}

func findJob(all []jobs.Job, ref string) jobs.Job {
	if n, err := strconv.Atoi(ref); err == nil {
		for _, j := range all {
			if j.Common().IndexNumber == n {
				return j
			}
		}
		return nil
	}
	for _, j := range all {
		if jobs.GUID(j) == ref || j.Location() == ref {
			return j
		}
	}
	return nil
}

// AddJob validates decl and appends it to the job file.
func (o *Orchestrator) AddJob(decl jobs.Declaration) (jobs.Job, error) {
	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	decls, err := o.loadDeclarations()
	if err != nil {
		return nil, err
	}
	decl = decl.Clone()
	decl["index_number"] = len(decls) + 1
	decls = append(decls, decl)

	list, err := joblist.Resolve(decls, o.cfg.JobDefaults)
	if err != nil {
		return nil, err
	}
	if err := joblist.Save(o.cfg.Jobs, decls); err != nil {
		return nil, err
	}
	job := list.Jobs[len(list.Jobs)-1]
	o.logger.Info("job added", logging.Field{Key: "job", Value: job.IndexedLocation()})
	return job, nil
}

// DeleteJob removes a job from the job file and forgets its cache entry.
func (o *Orchestrator) DeleteJob(ctx context.Context, ref string) error {
	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	decls, err := o.loadDeclarations()
	if err != nil {
		return err
	}
	list, err := joblist.Resolve(decls, o.cfg.JobDefaults)
	if err != nil {
		return err
	}
	job := findJob(list.Jobs, ref)
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, ref)
	}
	idx := job.Common().IndexNumber - 1
	decls = append(decls[:idx], decls[idx+1:]...)
	if err := joblist.Save(o.cfg.Jobs, decls); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, jobs.GUID(job)); err != nil {
		return fmt.Errorf("forget %s: %w", job.IndexedLocation(), err)
	}
	o.logger.Info("job deleted", logging.Field{Key: "job", Value: job.IndexedLocation()})
	return nil
}

func (o *Orchestrator) loadDeclarations() ([]jobs.Declaration, error) {
	decls, err := joblist.Load(o.cfg.Jobs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return decls, err
}

// History returns up to n stored versions of a job, newest first.
func (o *Orchestrator) History(ctx context.Context, ref string, n int) (jobs.Job, [][]byte, error) {
	all, err := o.LoadJobs()
	if err != nil {
		return nil, nil, err
	}
	job := findJob(all, ref)
	if job == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, ref)
	}
	h, err := o.store.History(ctx, jobs.GUID(job), n)
	return job, h, err
}

// ─── Runs ───

// RunOnce runs the selected jobs and submits the report.
func (o *Orchestrator) RunOnce(ctx context.Context, refs []string) (*runner.Run, *report.Report, error) {
	all, err := o.LoadJobs()
	if err != nil {
		return nil, nil, err
	}
	selected, err := SelectJobs(all, refs)
	if err != nil {
		return nil, nil, err
	}
	run := o.runner.Run(ctx, selected)
	rep := report.Collect(run, o.cfg.Display, o.cfg.MaxTries)
	if err := o.reporter.Submit(ctx, rep); err != nil {
		return run, rep, fmt.Errorf("report: %w", err)
	}
	return run, rep, nil
}

// StartRun runs the selected jobs in the background. Progress is sent on
// the returned record's Events channel, which is closed when the run ends.
func (o *Orchestrator) StartRun(ctx context.Context, refs []string) (*RunRecord, error) {
	all, err := o.LoadJobs()
	if err != nil {
		return nil, err
	}
	selected, err := SelectJobs(all, refs)
	if err != nil {
		return nil, err
	}

	rec := &RunRecord{
		ID:        uuid.New().String(),
		Status:    RunPending,
		Jobs:      len(selected),
		StartedAt: time.Now().UTC(),
		Events:    make(chan RunEvent, 16),
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.addRun(rec, cancel)
	o.emit(rec, RunEvent{Type: RunEventStatus, Status: RunPending})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.finishRun(rec)

		o.setStatus(rec, RunRunning, "")
		o.emit(rec, RunEvent{Type: RunEventStatus, Status: RunRunning})

		results := make(chan runner.Result, len(selected))
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for res := range results {
				jr := newJobResult(res)
				o.emit(rec, RunEvent{Type: RunEventResult, Result: &jr})
			}
		}()
		run := o.runner.Stream(runCtx, selected, results)
		close(results)
		<-forwarded

		rep := report.Collect(run, o.cfg.Display, o.cfg.MaxTries)
		o.runsMu.Lock()
		rec.Counts = map[string]int{}
		for v, n := range run.Counts() {
			rec.Counts[string(v)] = n
		}
		rec.Results = make([]JobResult, len(run.Results))
		for i, res := range run.Results {
			rec.Results[i] = newJobResult(res)
		}
		rec.Reported = len(rep.Entries)
		o.runsMu.Unlock()

		if err := runCtx.Err(); err != nil {
			o.setStatus(rec, RunCanceled, err.Error())
			o.emit(rec, RunEvent{Type: RunEventStatus, Status: RunCanceled, Error: err.Error()})
			return
		}
		if err := o.reporter.Submit(runCtx, rep); err != nil {
			o.setStatus(rec, RunFailed, err.Error())
			o.emit(rec, RunEvent{Type: RunEventStatus, Status: RunFailed, Error: err.Error()})
			return
		}
		o.setStatus(rec, RunDone, "")
		o.emit(rec, RunEvent{Type: RunEventStatus, Status: RunDone})
	}()
	return rec, nil
}

func (o *Orchestrator) addRun(rec *RunRecord, cancel context.CancelFunc) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	o.runs[rec.ID] = rec
	o.runCancels[rec.ID] = cancel
	o.runOrder = append(o.runOrder, rec.ID)

	// forget the oldest finished runs
	keep := max(o.cfg.Server.RunHistory, 1)
	for len(o.runOrder) > keep {
		oldest := o.runOrder[0]
		if _, running := o.runCancels[oldest]; running {
			break
		}
		delete(o.runs, oldest)
		o.runOrder = o.runOrder[1:]
	}
}

func (o *Orchestrator) setStatus(rec *RunRecord, status RunStatus, msg string) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	rec.Status = status
	rec.Error = msg
}

func (o *Orchestrator) finishRun(rec *RunRecord) {
	o.runsMu.Lock()
	rec.EndedAt = time.Now().UTC()
	if cancel, ok := o.runCancels[rec.ID]; ok {
		cancel()
		delete(o.runCancels, rec.ID)
	}
	o.runsMu.Unlock()
	close(rec.Events)
	o.logger.Info("run ended", logging.Field{Key: "run", Value: rec.ID}, logging.Field{Key: "status", Value: string(rec.Status)})
}

func (o *Orchestrator) emit(rec *RunRecord, ev RunEvent) {
	ev.RunID = rec.ID
	// drop when nobody keeps up
	select {
	case rec.Events <- ev:
	default:
	}
}

func (o *Orchestrator) CancelRun(id string) error {
	o.runsMu.Lock()
	cancel, ok := o.runCancels[id]
	_, known := o.runs[id]
	o.runsMu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if ok {
		cancel()
	}
	return nil
}

// GetRun returns a snapshot of a run, or nil when it is unknown.
func (o *Orchestrator) GetRun(id string) *RunRecord {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	rec, ok := o.runs[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// ListRuns returns snapshots of the known runs, newest first.
func (o *Orchestrator) ListRuns() []RunRecord {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	out := make([]RunRecord, 0, len(o.runOrder))
	for i := len(o.runOrder) - 1; i >= 0; i-- {
		out = append(out, *o.runs[o.runOrder[i]])
	}
	return out
}

// Shutdown cancels the runs in progress and waits for them to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.runsMu.Lock()
	for _, cancel := range o.runCancels {
		cancel()
	}
	o.runsMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
