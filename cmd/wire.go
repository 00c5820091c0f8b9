package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bnema/sdash/internal/adapters/httpfetch"
	sqlitestore "github.com/bnema/sdash/internal/adapters/store/sqlite"
	"github.com/bnema/sdash/internal/adapters/tui"
	"github.com/bnema/sdash/internal/application"
	"github.com/bnema/sdash/internal/config"
	"github.com/bnema/sdash/internal/domain"
	"github.com/spf13/viper"
)

const logFileName = "sdash.log"

type app struct {
	cfg          config.Config
	viper        *viper.Viper
	logger       *slog.Logger
	bus          *application.Bus
	store        *sqlitestore.Store
	orchestrator *application.Orchestrator
	activity     *tui.Toggle
	closers      []io.Closer
}

type wireOptions struct {
	// logOutput receives structured logs; nil means stderr of the process.
	logOutput io.Writer
	// withoutStore skips opening the snapshot database even when enabled.
	withoutStore bool
	// showActivity makes the activity log applicable from the start.
	showActivity bool
}

func loadConfig(path string) (config.Config, *viper.Viper, error) {
	v := viper.New()
	cfg, err := config.Load(v, path)
	if err != nil {
		return config.Config{}, nil, err
	}

	return cfg, v, nil
}

func wireApp(cfg config.Config, v *viper.Viper, opts wireOptions) (*app, error) {
	logOutput := opts.logOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger, err := newLogger(cfg.Log, logOutput)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		viper:    v,
		logger:   logger,
		bus:      application.NewBus(logger),
		activity: tui.NewToggle(opts.showActivity),
	}

	fetcher, err := httpfetch.New(cfg.API.BaseURL,
		httpfetch.WithMaxRetries(cfg.Polling.MaxRetries),
		httpfetch.WithBaseDelay(cfg.Polling.RetryBaseDelay),
		httpfetch.WithRequestTimeout(cfg.Polling.RequestTimeout),
		httpfetch.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("wire fetcher: %w", err)
	}

	resources, err := cfg.BuildResources(map[domain.ResourceName]func() bool{
		domain.ResourceActivityLog: a.activity.Visible,
	})
	if err != nil {
		return nil, fmt.Errorf("wire resources: %w", err)
	}

	orchestratorOpts := []application.OrchestratorOption{application.WithLogger(logger)}
	if cfg.Store.Enabled && !opts.withoutStore {
		store, err := sqlitestore.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("wire snapshot store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store)
		orchestratorOpts = append(orchestratorOpts, application.WithSnapshotStore(store))
	}

	orchestrator, err := application.NewOrchestrator(fetcher, resources, a.bus, cfg.OrchestratorOptions(), orchestratorOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("wire orchestrator: %w", err)
	}
	a.orchestrator = orchestrator

	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}

// watchConfig applies a changed base interval to the running loop.
func (a *app) watchConfig() {
	config.Watch(a.viper, a.logger, func(cfg config.Config) {
		if cfg.Polling.BaseInterval == a.cfg.Polling.BaseInterval {
			return
		}
		if err := a.orchestrator.SetInterval(cfg.Polling.BaseInterval); err != nil {
			a.logger.Warn("apply polling interval failed", "err", err)
			return
		}
		a.cfg.Polling.BaseInterval = cfg.Polling.BaseInterval
	})
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}

	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

// openLogFile opens the log file used while the terminal belongs to the TUI.
func openLogFile() (*os.File, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return file, nil
}
