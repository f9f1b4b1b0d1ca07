// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Deijai/innoma-obras/internal/auth"
	"github.com/Deijai/innoma-obras/internal/config"
	"github.com/Deijai/innoma-obras/netmon"
	"github.com/Deijai/innoma-obras/obrasqlite"
	"github.com/Deijai/innoma-obras/obrasync"
	"github.com/Deijai/innoma-obras/securestore"
)

// Options override collaborators New would otherwise build from config.
type Options struct {
	Logger     *slog.Logger
	Platform   netmon.Platform
	Remote     obrasync.Remote
	Secure     securestore.Store
	Registerer prometheus.Registerer
}

// App wires the local database, connectivity, secrets and the sync engine.
type App struct {
	Config      config.Config
	Logger      *slog.Logger
	Store       *obrasqlite.Store
	Queue       *obrasqlite.Queue
	Secure      securestore.Store
	Monitor     *netmon.Monitor
	Engine      *obrasync.Engine
	Credentials auth.Verifier

	unsubscribe func()
}

// New opens and migrates the database and builds every service. Nothing is
// started until Init.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := obrasqlite.Open(ctx, cfg.DB.Path, obrasqlite.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()

	if err := migrate(ctx, store, logger); err != nil {
		return nil, err
	}

	secure := opts.Secure
	if secure == nil {
		secure = newSecureStore(ctx, cfg.Secure, logger)
	}

	platform := opts.Platform
	if platform == nil {
		platform = netmon.NewHostPlatform(netmon.NewHTTPProber(cfg.Network.ProbeURL), cfg.Network.HostPollInterval)
	}
	monitor := netmon.New(platform,
		netmon.WithLogger(logger),
		netmon.WithPollInterval(cfg.Network.PollInterval),
		netmon.WithProbeURL(cfg.Network.ProbeURL))

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Secure:      secure,
		Monitor:     monitor,
		Credentials: auth.NewArgon2Verifier(secure, auth.Argon2Params{}),
	}

	remote := opts.Remote
	if remote == nil {
		hr := obrasync.NewHTTPRemote(cfg.Remote.BaseURL, a.Token, logger)
		hr.HTTP = &http.Client{Timeout: cfg.Remote.Timeout}
		remote = hr
	}

	var metrics obrasync.Recorder
	if opts.Registerer != nil {
		pr, err := obrasync.NewPromRecorder(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		metrics = pr
	}

	a.Queue = obrasqlite.NewQueue(store, obrasqlite.QueueConfig{
		PoisonThreshold: cfg.Sync.PoisonThreshold,
		Retention:       cfg.Sync.Retention,
		RetryDelay:      cfg.Sync.RetryDelay,
		MaxRetryDelay:   cfg.Sync.MaxRetryDelay,
	})
	a.Engine, err = obrasync.New(obrasync.Config{
		Interval:               cfg.Sync.Interval,
		BatchSize:              cfg.Sync.BatchSize,
		CountTransientFailures: cfg.Sync.CountTransientFailures,
	}, obrasync.Deps{
		Store:        store,
		Queue:        a.Queue,
		Remote:       remote,
		Reachability: monitor,
		KV:           secure,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func migrate(ctx context.Context, store *obrasqlite.Store, logger *slog.Logger) error {
	res, err := store.Migrate(ctx, obrasqlite.Migrations())
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if !res.OK() {
		logger.Warn("schema upgraded with failures", "from", res.From, "to", res.To, "failed", len(res.Failed))
	}
	missing, err := store.VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("database is missing tables %v", missing)
	}
	return nil
}

func newSecureStore(ctx context.Context, cfg config.SecureConfig, logger *slog.Logger) securestore.Store {
	switch cfg.Backend {
	case "memory":
		return securestore.NewMemoryStore()
	case "file":
		return securestore.NewFileStore(filepath.Clean(cfg.File))
	default:
		return securestore.Fallback(ctx,
			securestore.NewKeyringStore(cfg.Service),
			securestore.NewFileStore(filepath.Clean(cfg.File)),
			logger)
	}
}

// Init starts connectivity monitoring and restores engine state.
func (a *App) Init(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Monitor.Init(gctx) })
	g.Go(func() error { return a.Engine.Init(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	a.Logger.Info("app initialized", "db", a.Store.Path())
	return nil
}

// Run syncs periodically and on reconnect until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.unsubscribe = a.Engine.SyncOnReconnect(a.Monitor)
	a.Engine.StartPeriodicSync(ctx, a.Config.Sync.Interval)
	<-ctx.Done()
	return nil
}

// ApplyConfig applies the settings that can change while running.
func (a *App) ApplyConfig(cfg config.Config) {
	if a.Engine.Reschedule(cfg.Sync.Interval) {
		a.Logger.Info("sync interval changed", "interval", cfg.Sync.Interval)
	}
	a.Config.Sync.Interval = cfg.Sync.Interval
}

// Token returns the bearer token used for the backend: the configured
// static token, or the one saved at login.
func (a *App) Token(ctx context.Context) (string, error) {
	if a.Config.Remote.Token != "" {
		return a.Config.Remote.Token, nil
	}
	tok, err := a.Secure.Get(ctx, securestore.KeyAuthToken)
	if errors.Is(err, securestore.ErrNotFound) {
		return "", nil
	}
	return tok, err
}

// Identity returns who the saved token belongs to, without verifying it.
func (a *App) Identity(ctx context.Context) (auth.Identity, error) {
	tok, err := a.Token(ctx)
	if err != nil {
		return auth.Identity{}, err
	}
	if tok == "" {
		return auth.Identity{}, fmt.Errorf("not signed in")
	}
	return auth.ParseIdentity(tok)
}

// Shutdown stops services in reverse start order.
func (a *App) Shutdown(ctx context.Context) error {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	var errs []error
	if err := a.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Monitor.Shutdown()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
