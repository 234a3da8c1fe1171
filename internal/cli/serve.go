package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/raysh454/kansoku/internal/app"
	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/scheduler"
	"github.com/raysh454/kansoku/internal/server"
)

const stopTimeout = 15 * time.Second

func newServeCommand(o *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, and run the configured schedule if any.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := o.application(ctx)
			if err != nil {
				return err
			}
			defer shutdown(a)

			if listen == "" {
				listen = a.Config.Server.ListenAddr
			}
			srv, err := server.NewServer(server.Config{ListenAddr: listen, Logger: a.Logger, Orchestrator: a.Orch})
			if err != nil {
				return err
			}

			sched, err := startSchedule(ctx, a, a.Config.Schedule, false)
			if err != nil {
				return err
			}

			httpSrv := srv.HTTPServer()
			errc := make(chan error, 1)
			go func() {
				a.Logger.Info("listening", logging.Field{Key: "addr", Value: listen})
				errc <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err = <-errc:
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if sched != nil {
				_ = sched.Stop(stopCtx)
			}
			if shutdownErr := httpSrv.Shutdown(stopCtx); shutdownErr != nil {
				a.Logger.Warn("http shutdown", logging.Field{Key: "error", Value: shutdownErr.Error()})
			}
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides server.listen_addr")
	return cmd
}

func newWatchCommand(o *options) *cobra.Command {
	var schedule string
	var now bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the jobs on a schedule until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := o.application(ctx)
			if err != nil {
				return err
			}
			defer shutdown(a)

			if schedule == "" {
				schedule = a.Config.Schedule
			}
			if schedule == "" {
				return errors.New("no schedule: set schedule in the configuration or pass --schedule")
			}
			sched, err := startSchedule(ctx, a, schedule, now)
			if err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return sched.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression, overrides the configured schedule")
	cmd.Flags().BoolVar(&now, "now", false, "also run once immediately")
	return cmd
}

// startSchedule runs every job on spec. An empty spec schedules nothing
// and returns a nil scheduler.
func startSchedule(ctx context.Context, a *app.Application, spec string, now bool) (*scheduler.Scheduler, error) {
	if spec == "" {
		return nil, nil
	}
	run := func(ctx context.Context) error {
		_, _, err := a.Orch.RunOnce(ctx, nil)
		return err
	}
	sched := scheduler.New(a.Logger)
	if err := sched.Add(spec, "all jobs", run); err != nil {
		return nil, err
	}
	if now {
		if err := run(ctx); err != nil {
			a.Logger.Error("run failed", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	sched.Start()
	a.Logger.Info("schedule started", logging.Field{Key: "schedule", Value: spec})
	return sched, nil
}
