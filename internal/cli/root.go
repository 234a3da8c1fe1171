// Package cli is the kansoku command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/raysh454/kansoku/internal/app"
	"github.com/raysh454/kansoku/internal/logging"
)

// options are shared by every command.
type options struct {
	configPath string
	jobsPath   string
	verbose    bool

	stdout io.Writer
	stderr io.Writer
	env    envconfig.Lookuper
}

// NewRootCommand builds the command tree. Reports go to stdout, logs and
// notices to stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	return newRoot(&options{stdout: stdout, stderr: stderr, env: envconfig.OsLookuper()})
}

func newRoot(o *options) *cobra.Command {

	root := &cobra.Command{
		Use:           "kansoku",
		Short:         "kansoku watches web pages, files and commands for changes.",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(o.stdout)
	root.SetErr(o.stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "config.yaml", "configuration file (yaml, toml or json5)")
	flags.StringVarP(&o.jobsPath, "jobs", "j", "", "job file, overrides the configured one")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newRunCommand(o),
		newListCommand(o),
		newCheckCommand(o),
		newHistoryCommand(o),
		newDeleteCommand(o),
		newServeCommand(o),
		newWatchCommand(o),
	)
	return root
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func (o *options) config(ctx context.Context) (*app.Config, error) {
	cfg, err := app.LoadConfig(ctx, o.configPath, o.env)
	if err != nil {
		return nil, err
	}
	if o.jobsPath != "" {
		cfg.Jobs = o.jobsPath
	}
	if cfg.Jobs, err = app.ExpandPath(cfg.Jobs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) logger(cfg *app.Config) logging.Logger {
	level := cfg.Log.Level
	if o.verbose {
		level = "debug"
	}
	return logging.NewLogger("kansoku", logging.Options{
		Level:  level,
		Format: cfg.Log.Format,
		Writer: o.stderr,
	})
}

// application loads the configuration and wires every component. The
// caller shuts it down.
func (o *options) application(ctx context.Context) (*app.Application, error) {
	cfg, err := o.config(ctx)
	if err != nil {
		return nil, err
	}
	return app.NewApplication(ctx, cfg, o.logger(cfg), o.stdout)
}

func shutdown(a *app.Application) {
	if err := a.Shutdown(context.Background()); err != nil {
		a.Logger.Warn("shutdown", logging.Field{Key: "error", Value: err.Error()})
	}
}
