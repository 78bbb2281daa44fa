package main

import (
	"fmt"
	"io"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/spf13/afero"

	"github.com/olliecrow/claude_usage_monitor/internal/config"
	"github.com/olliecrow/claude_usage_monitor/internal/history"
	"github.com/olliecrow/claude_usage_monitor/internal/logging"
	"github.com/olliecrow/claude_usage_monitor/internal/monitor"
	"github.com/olliecrow/claude_usage_monitor/internal/remote"
	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

// app wires the engine for one command invocation.
type app struct {
	cfg        config.Config
	logger     slog.Logger
	closeLog   func()
	fs         afero.Fs
	builder    *usage.Builder
	remoteMode remote.Mode
	fetcher    *remote.Fetcher
	history    *history.Store
	scheduler  *monitor.Scheduler
}

// newApp builds the engine from cfg. Log entries also go to logStderr when
// it is non-nil.
func newApp(cfg config.Config, logStderr io.Writer) (*app, error) {
	logger, closeLog, err := logging.Build(logging.Options{
		File:   cfg.Log.File,
		Level:  cfg.Log.Level,
		Stderr: logStderr,
	})
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	mode, err := remote.ParseMode(cfg.Remote.Source)
	if err != nil {
		closeLog()
		return nil, err
	}

	clock := quartz.NewReal()
	fs := afero.NewOsFs()
	builder := usage.NewBuilder(usage.BuilderOptions{
		Fs:               fs,
		ClaudeDir:        cfg.ClaudeDir,
		ExtraProjectDirs: cfg.ExtraProjectDirs,
		WindowCap:        cfg.EstimatedWindowCap,
		Clock:            clock,
		Logger:           logger,
	})
	fetcher := remote.New(remote.Options{
		Mode: mode,
		Web: remote.WebOptions{
			OrganizationID: cfg.Remote.OrganizationID,
			SessionKeyEnv:  cfg.Remote.SessionKeyEnv,
		},
		PayloadFile:   cfg.Remote.PayloadFile,
		PayloadMaxAge: cfg.Remote.PayloadMaxAge,
		Fs:            fs,
		Clock:         clock,
		Timeout:       cfg.FetchTimeout,
		Logger:        logger,
	})
	store := history.NewStore(fs, cfg.HistoryFile, clock)
	scheduler := monitor.NewScheduler(monitor.Options{
		Builder:      builder,
		Remote:       fetcher,
		History:      store,
		Clock:        clock,
		Logger:       logger,
		Interval:     cfg.PollInterval,
		InitialDelay: cfg.InitialDelay,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		closeLog:   closeLog,
		fs:         fs,
		builder:    builder,
		remoteMode: mode,
		fetcher:    fetcher,
		history:    store,
		scheduler:  scheduler,
	}, nil
}

func (a *app) Close() {
	_ = a.fetcher.Close()
	a.closeLog()
}
