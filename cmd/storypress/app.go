package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/storypress/storypress/internal/assemble"
	"github.com/storypress/storypress/internal/config"
	"github.com/storypress/storypress/internal/failures"
	"github.com/storypress/storypress/internal/home"
	"github.com/storypress/storypress/internal/notify"
	"github.com/storypress/storypress/internal/orchestrate"
	"github.com/storypress/storypress/internal/providers"
	"github.com/storypress/storypress/internal/store"
)

// app wires the services a command needs. Commands create it in RunE
// and close it on return.
type app struct {
	home    *home.Dir
	manager *config.Manager
	cfg     *config.Config
	store   *store.Store
	tracker *failures.Tracker
	logger  *slog.Logger
}

func newApp() (*app, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	h, err := home.New(homeDirFlag)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}

	cfgPath := cfgFile
	if cfgPath == "" && h.ConfigExists() {
		cfgPath = h.ConfigPath()
	}
	manager, err := config.NewManager(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(h.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open order database: %w", err)
	}

	return &app{
		home:    h,
		manager: manager,
		cfg:     manager.Get(),
		store:   st,
		tracker: failures.NewTracker(h.FailuresPath(), logger),
		logger:  logger,
	}, nil
}

// watchConfig enables config hot reload for long-running commands.
// Reloaded values apply to runs started after the change.
func (a *app) watchConfig() {
	a.manager.OnChange(func(cfg *config.Config) {
		a.logger.Info("configuration reloaded; new generation settings apply to the next run")
	})
	a.manager.WatchConfig()
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// illustrator builds the configured provider client.
func (a *app) illustrator() providers.Illustrator {
	p := a.cfg.Provider
	if p.Type == "mock" {
		return providers.NewMockIllustrator()
	}
	return providers.NewOpenAIIllustrator(providers.OpenAIConfig{
		APIKey:     config.ResolveEnvVars(p.APIKey),
		Model:      p.Model,
		Size:       p.Size,
		RateLimit:  a.cfg.Generation.RequestsPerMinute,
		MaxRetries: p.MaxRetries,
		RetryDelay: a.cfg.Generation.RetryBackoff,
		Timeout:    p.Timeout,
	})
}

// orchestrator wires the full generation pipeline.
func (a *app) orchestrator() *orchestrate.Orchestrator {
	asm := assemble.New(a.home, a.store, assemble.Config{
		Trace:           a.cfg.Assembly.Trace,
		TraceBinary:     a.cfg.Assembly.TraceBinary,
		CaptionMaxLines: a.cfg.Assembly.CaptionMaxLines,
	}, a.logger)

	notifier := notify.New(notify.SMTPConfig{
		Host:     a.cfg.SMTP.Host,
		Port:     a.cfg.SMTP.Port,
		Username: a.cfg.SMTP.Username,
		Password: config.ResolveEnvVars(a.cfg.SMTP.Password),
		From:     a.cfg.SMTP.From,
	}, a.logger)

	return orchestrate.New(orchestrate.Config{
		Workers:           a.cfg.Generation.Workers,
		RequestsPerMinute: a.cfg.Generation.RequestsPerMinute,
		MaxAttempts:       a.cfg.Generation.MaxAttempts,
		RetryBackoff:      a.cfg.Generation.RetryBackoff,
		FailureCeiling:    a.cfg.Generation.FailureCeiling,
	}, a.store, a.home, a.illustrator(), a.tracker, asm, notifier, a.logger)
}
