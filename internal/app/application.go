// Package app wires configuration, cache, transports, runner and reporters
// into a running kansoku.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/raysh454/kansoku/internal/cache"
	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/logging"
	"github.com/raysh454/kansoku/internal/report"
	"github.com/raysh454/kansoku/internal/runner"
	"github.com/raysh454/kansoku/internal/telemetry"
	"github.com/raysh454/kansoku/internal/webclient"
)

// Application is the global runtime state container. It owns every
// long-lived component and closes them on Shutdown.
type Application struct {
	Config     *Config
	Logger     logging.Logger
	Store      cache.Store
	Transports jobs.Transports
	Runner     *runner.Runner
	Reporter   *report.Dispatcher
	Orch       *Orchestrator

	telemetry *telemetry.Telemetry
	http      webclient.WebClient
}

// NewApplication builds every component from cfg. Text reports go to
// stdout.
func NewApplication(ctx context.Context, cfg *Config, logger logging.Logger, stdout io.Writer) (*Application, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	a := &Application{Config: cfg, Logger: logger}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tel

	cacheCfg := cfg.Cache
	if cacheCfg.Dir, err = ExpandPath(cacheCfg.Dir); err != nil {
		return nil, fmt.Errorf("expand cache dir: %w", err)
	}
	if a.Store, err = cache.Open(ctx, cacheCfg, logger); err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if err := a.buildTransports(); err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	a.Runner, err = runner.New(runner.Config{
		Workers:            cfg.Workers,
		BrowserConcurrency: cfg.Browser.Concurrency,
	}, a.Store, a.Transports, logger)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	reportCfg := cfg.Report
	if reportCfg.Text.Footer == "" {
		reportCfg.Text.Footer = "kansoku " + Version
	}
	if a.Reporter, err = report.FromConfig(reportCfg, stdout, logger); err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("report: %w", err)
	}

	a.Orch = NewOrchestrator(cfg, a.Store, a.Runner, a.Reporter, logger)
	logger.Debug("application ready",
		logging.Field{Key: "cache", Value: cacheCfg.Backend},
		logging.Field{Key: "reporters", Value: a.Reporter.Names()})
	return a, nil
}

func (a *Application) buildTransports() error {
	webclient.RegisterDefaultBackends()
	wcCfg := a.Config.WebClientConfig()

	http, err := webclient.NewWebClient(wcCfg, a.Logger)
	if err != nil {
		return fmt.Errorf("http client: %w", err)
	}
	a.http = http
	a.Transports.HTTP = http
	a.Transports.FTP = webclient.NewFTPClient(a.Logger)

	if a.Config.Browser.Enabled {
		browser, err := webclient.NewChromedpClient(wcCfg, a.Logger)
		if err != nil {
			return fmt.Errorf("browser: %w", err)
		}
		a.Transports.Browser = browser
	}
	return nil
}

// Shutdown stops background runs and releases every component.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var errs []error
	if a.Orch != nil {
		if err := a.Orch.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("orchestrator shutdown returned error", logging.Field{Key: "error", Value: err.Error()})
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.close(shutdownCtx))
	return errors.Join(errs...)
}

func (a *Application) close(ctx context.Context) error {
	var errs []error
	if a.http != nil {
		errs = append(errs, a.http.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
