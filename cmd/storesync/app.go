package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/appejv/storesync/internal/api"
	"github.com/appejv/storesync/internal/backend"
	"github.com/appejv/storesync/internal/config"
	"github.com/appejv/storesync/internal/metrics"
	"github.com/appejv/storesync/internal/netstate"
	"github.com/appejv/storesync/internal/offline"
	"github.com/appejv/storesync/internal/optimistic"
	"github.com/appejv/storesync/internal/report"
	"github.com/appejv/storesync/internal/scheduler"
	"github.com/appejv/storesync/internal/storage"
)

const (
	jobDrain      = "queue-drain"
	jobStaleSweep = "stale-sweep"

	errorLogCapacity = 100
	sweepSchedule    = "@every 1m"
)

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Store      storage.KV
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Errors     *report.Tracker
	Backend    *backend.Client
	Observer   netstate.Observer
	Queue      *offline.Queue
	Updates    *api.Updates
	Scheduler  *scheduler.Scheduler
	APIServer  *api.Server

	level         *slog.LevelVar
	startObserver func(ctx context.Context) error
	stopObserver  func()
	untrack       func()
}

// newLogger builds the process logger. level can be changed at runtime.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	app := &App{
		Config:     cfg,
		ConfigPath: configPath,
		level:      new(slog.LevelVar),
	}
	lvl, _ := config.ParseLogLevel(cfg.Server.LogLevel)
	app.level.Set(lvl)
	app.Logger = newLogger(app.level)
	slog.SetDefault(app.Logger)

	app.Logger.Info("starting storesync",
		"version", version,
		"config", configPath,
		"network", cfg.Network.Mode,
		"storage", cfg.Storage.Driver,
	)

	app.Store, err = openStore(cfg)
	if err != nil {
		return nil, err
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.New(app.Registry)
	app.Errors = report.NewTracker(errorLogCapacity, app.Logger)

	app.Backend = backend.NewClient(backend.Config{
		URL:        cfg.Backend.URL,
		AnonKey:    cfg.Backend.AnonKey,
		ServiceKey: cfg.Backend.ServiceKey,
		JWTSecret:  cfg.Backend.JWTSecret,
		Timeout:    time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
	}, app.Logger)

	app.Observer, app.startObserver, app.stopObserver = newObserver(cfg, app.Logger)

	queueOpts := []offline.Option{
		offline.WithLogger(app.Logger),
		offline.WithReporter(app.Errors),
		offline.WithMetrics(app.Metrics),
		offline.WithMaxRetries(cfg.Queue.MaxRetries),
		offline.WithStorageKey(cfg.Queue.StorageKey),
	}
	if cfg.Queue.DropRejected {
		queueOpts = append(queueOpts, offline.WithPermanentClassifier(backend.IsPermanent))
	}
	app.Queue = offline.New(app.Backend, app.Observer, app.Store, queueOpts...)

	app.Updates = optimistic.New[json.RawMessage](app.Queue,
		optimistic.WithLogger(app.Logger),
		optimistic.WithReporter(app.Errors),
		optimistic.WithMetrics(app.Metrics),
		optimistic.WithGraceWindow(cfg.GraceWindow()),
	)
	if cfg.Optimistic.Reconcile {
		app.untrack = app.Updates.Track(app.Queue)
	}

	app.Scheduler = scheduler.NewScheduler(app.Logger)
	if err := app.registerJobs(); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	var secret []byte
	if cfg.Auth.JWTSecret != "" {
		secret = []byte(cfg.Auth.JWTSecret)
	}
	app.APIServer = api.NewServer(cfg.Server.Port, secret, api.Deps{
		Queue:     app.Queue,
		Updates:   app.Updates,
		Backend:   app.Backend,
		Errors:    app.Errors,
		Scheduler: app.Scheduler,
		Gatherer:  app.Registry,
		Version:   version,
	}, app.Logger)

	return app, nil
}

// openStore opens the configured KV store, sealing values when an
// encryption key is set.
func openStore(cfg *config.Config) (storage.KV, error) {
	kv, err := storage.Open(cfg.Storage.Driver, cfg.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.Storage.EncryptionKey == "" {
		return kv, nil
	}
	sealed, err := storage.NewSealed(kv, cfg.Storage.EncryptionKey)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("seal storage: %w", err)
	}
	return sealed, nil
}

// newObserver picks the connectivity source for cfg.Network.Mode.
func newObserver(cfg *config.Config, logger *slog.Logger) (netstate.Observer, func(context.Context) error, func()) {
	switch cfg.Network.Mode {
	case config.NetworkMQTT:
		m := netstate.NewMQTT(netstate.MQTTConfig{
			Host:     cfg.Network.MQTT.Host,
			Port:     cfg.Network.MQTT.Port,
			Username: cfg.Network.MQTT.Username,
			Password: cfg.Network.MQTT.Password,
			Topic:    cfg.Network.MQTT.Topic,
		}, logger)
		return m, m.Start, m.Stop
	case config.NetworkProbe:
		p := netstate.NewProber(cfg.ProbeTarget(), time.Duration(cfg.Network.ProbeIntervalSeconds)*time.Second, logger)
		return p, func(ctx context.Context) error { p.Start(ctx); return nil }, p.Stop
	default:
		s := netstate.NewStatic(true)
		return s, func(context.Context) error { return nil }, func() {}
	}
}

func (a *App) registerJobs() error {
	config.RLock()
	drainSpec := a.Config.Queue.DrainSchedule
	staleAfter := a.Config.Optimistic.StaleAfterMinutes
	config.RUnlock()

	drain := &scheduler.Job{
		ID:       jobDrain,
		Name:     "drain offline queue",
		Schedule: drainSpec,
		Enabled:  drainSpec != "",
		Run: func(ctx context.Context) error {
			_, err := a.Queue.Drain(ctx)
			if errors.Is(err, offline.ErrOffline) {
				return nil
			}
			return err
		},
	}
	if err := a.Scheduler.AddJob(drain); err != nil {
		return err
	}

	sweep := &scheduler.Job{
		ID:       jobStaleSweep,
		Name:     "roll back stale failed updates",
		Schedule: sweepSpec(staleAfter),
		Enabled:  staleAfter > 0,
		Run:      a.sweepStale,
	}
	return a.Scheduler.AddJob(sweep)
}

func (a *App) sweepStale(context.Context) error {
	config.RLock()
	minutes := a.Config.Optimistic.StaleAfterMinutes
	config.RUnlock()
	if minutes <= 0 {
		return nil
	}
	a.Updates.Sweep(time.Duration(minutes) * time.Minute)
	return nil
}

func sweepSpec(staleAfterMinutes int) string {
	if staleAfterMinutes <= 0 {
		return ""
	}
	return sweepSchedule
}

// reload re-reads the config file and applies what can change at runtime.
func (a *App) reload() {
	result, err := a.Config.Reload(a.ConfigPath)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(a.Logger)

	config.RLock()
	logLevel := a.Config.Server.LogLevel
	drainSpec := a.Config.Queue.DrainSchedule
	staleAfter := a.Config.Optimistic.StaleAfterMinutes
	config.RUnlock()

	if result.Has("Server.LogLevel") {
		lvl, _ := config.ParseLogLevel(logLevel)
		a.level.Set(lvl)
	}
	if result.Has("Queue.DrainSchedule") {
		if err := a.Scheduler.Reschedule(jobDrain, drainSpec); err != nil {
			a.Logger.Error("cannot apply drain schedule", "schedule", drainSpec, "error", err)
		}
	}
	if result.Has("Optimistic.StaleAfterMinutes") {
		if err := a.Scheduler.Reschedule(jobStaleSweep, sweepSpec(staleAfter)); err != nil {
			a.Logger.Error("cannot apply stale sweep", "error", err)
		}
	}
}

// Run starts every component and blocks until ctx is done or the API
// server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.startObserver(ctx); err != nil {
		return fmt.Errorf("start network observer: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	a.Queue.Initialize(ctx)
	a.Scheduler.Start(ctx)

	if _, err := os.Stat(a.ConfigPath); err == nil {
		watcher := config.NewWatcher(a.ConfigPath, 2*time.Second, a.Logger, a.reload)
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	g.Go(func() error {
		return a.APIServer.Start(ctx)
	})

	err := g.Wait()
	a.shutdown()
	return err
}

// shutdown stops components in reverse dependency order.
func (a *App) shutdown() {
	a.Logger.Info("stopping storesync")
	a.Scheduler.Stop()
	if a.untrack != nil {
		a.untrack()
	}
	a.Queue.Close()
	a.stopObserver()
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("failed to close storage", "error", err)
	}
	a.Logger.Info("storesync stopped", "queued", a.Queue.Size())
}
