// Package scheduler triggers runs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/raysh454/kansoku/internal/logging"
)

// Task is invoked on every tick. The context is canceled when the
// scheduler stops.
type Task func(ctx context.Context) error

// Scheduler wraps a cron instance. A tick that fires while the previous
// invocation of the same task is still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a stopped scheduler. Specs accept the standard five fields
// and descriptors such as "@hourly" or "@every 30m".
func New(logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Field{Key: "component", Value: "scheduler"})
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers task under name.
func (s *Scheduler) Add(spec, name string, task Task) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Info("scheduled run starting", logging.Field{Key: "task", Value: name})
		if err := task(s.ctx); err != nil {
			s.logger.Error("scheduled run failed",
				logging.Field{Key: "task", Value: name},
				logging.Field{Key: "error", Value: err})
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	return nil
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	return nil
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new ticks, cancels running tasks and waits for them until
// ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	logger logging.Logger
}

func fields(keysAndValues []any) []logging.Field {
	out := make([]logging.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, logging.Field{Key: fmt.Sprint(keysAndValues[i]), Value: keysAndValues[i+1]})
	}
	return out
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), logging.Field{Key: "error", Value: err})...)
}
