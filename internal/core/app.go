package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/config"
	"github.com/vrsandeep/chapterdl/internal/db"
	"github.com/vrsandeep/chapterdl/internal/downloader"
	"github.com/vrsandeep/chapterdl/internal/events"
	"github.com/vrsandeep/chapterdl/internal/jobs"
	"github.com/vrsandeep/chapterdl/internal/library"
	"github.com/vrsandeep/chapterdl/internal/logging"
	"github.com/vrsandeep/chapterdl/internal/metrics"
	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/recovery"
	"github.com/vrsandeep/chapterdl/internal/source"
	"github.com/vrsandeep/chapterdl/internal/store"
	"github.com/vrsandeep/chapterdl/internal/websocket"
)

const httpTimeout = 60 * time.Second

// Option replaces one of the network collaborators, mostly for tests.
type Option func(*collaborators)

type collaborators struct {
	broker    models.TokenBroker
	extractor models.ImageExtractor
	fetcher   models.ImageFetcher
}

func WithBroker(b models.TokenBroker) Option       { return func(c *collaborators) { c.broker = b } }
func WithExtractor(e models.ImageExtractor) Option { return func(c *collaborators) { c.extractor = e } }
func WithFetcher(f models.ImageFetcher) Option     { return func(c *collaborators) { c.fetcher = f } }

// App holds the core components of the application that are shared
// between the server and the CLI.
type App struct {
	config     *config.Config
	db         *sql.DB
	log        zerolog.Logger
	store      *store.Store
	library    *library.Library
	validator  *library.Validator
	watcher    *library.WatcherService
	broker     models.TokenBroker
	bus        *events.Bus
	manager    *downloader.Manager
	queue      *downloader.Queue
	lifecycle  *downloader.Lifecycle
	wsHub      *websocket.Hub
	jobManager *jobs.JobManager
	registry   *prometheus.Registry

	scheduler *gocron.Scheduler
	stopFns   []func()
}

// New sets up and returns a new App instance. It handles loading the
// configuration, initializing the database connection, and running migrations.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewWithConfig(cfg, logging.New(cfg.Log))
}

// NewWithConfig wires every component from cfg. Nothing runs in the
// background until Start.
func NewWithConfig(cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	app := &App{config: cfg, db: database, log: log}
	var c collaborators
	for _, o := range opts {
		o(&c)
	}
	if err := app.wire(c); err != nil {
		database.Close()
		return nil, err
	}

	log.Info().Str("library", cfg.Library.Path).Msg("Core application setup complete")
	return app, nil
}

func (a *App) wire(c collaborators) error {
	cfg := a.config
	opts := cfg.Downloader.Options()

	a.store = store.New(a.db)
	lib, err := library.New(cfg.Library.Path, cfg.Library.QuotaBytes, a.store, logging.Component(a.log, "library"))
	if err != nil {
		return fmt.Errorf("failed to open library: %w", err)
	}
	a.library = lib
	a.validator = library.NewValidator(lib, a.store, opts.RedownloadScore, opts.AcceptScore, logging.Component(a.log, "validator"))

	if err := a.wireSource(&c); err != nil {
		return err
	}
	a.broker = c.broker

	a.bus = events.NewBus(logging.Component(a.log, "events"))
	a.manager = downloader.NewManager(downloader.Deps{
		Store:     lib,
		Extractor: c.extractor,
		Fetcher:   c.fetcher,
		Validator: a.validator,
		Policy:    recovery.New(opts, lib, logging.Component(a.log, "recovery")),
		Bus:       a.bus,
		State:     a.store,
	}, opts, logging.Component(a.log, "downloader"))
	a.queue = downloader.NewQueue(a.manager, c.broker, a.bus, a.store, opts, logging.Component(a.log, "queue"))
	a.lifecycle = downloader.NewLifecycle(a.queue, a.manager, logging.Component(a.log, "lifecycle"))

	a.watcher = library.NewWatcherService(lib.Root(), a.store, func(ch models.StoredChapter) {
		a.manager.PublishDeleted(ch.SeriesID, ch.ChapterNumber)
	}, logging.Component(a.log, "watcher"))

	a.wsHub = websocket.NewHubWithLogger(logging.Component(a.log, "websocket"))
	a.jobManager = jobs.NewManager(a, logging.Component(a.log, "jobs"))
	jobs.RegisterAll(a.jobManager)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.Register(a.registry,
		func() float64 { return float64(a.queue.ActiveCount()) },
		func() float64 { return float64(a.queue.Len()) },
	)
}

// wireSource builds the default site clients for any collaborator that was
// not overridden. They share one cookie jar.
func (a *App) wireSource(c *collaborators) error {
	if c.broker != nil && c.extractor != nil && c.fetcher != nil {
		return nil
	}
	src := a.config.Source
	client, jar, err := source.NewHTTPClient(httpTimeout)
	if err != nil {
		return fmt.Errorf("failed to create http client: %w", err)
	}
	if c.broker == nil {
		broker, err := source.NewScriptBroker(source.BrokerOptions{
			Jar:            jar,
			UserAgent:      src.UserAgent,
			TokenParam:     src.TokenParam,
			ContentPattern: src.ContentPattern,
		}, logging.Component(a.log, "broker"))
		if err != nil {
			return err
		}
		c.broker = broker
	}
	if c.extractor == nil {
		extractor, err := source.NewAPIExtractor(client, src.APIBaseURL, src.UserAgent)
		if err != nil {
			return err
		}
		c.extractor = extractor
	}
	if c.fetcher == nil {
		c.fetcher = source.NewHTTPFetcher(client, src.UserAgent)
	}
	return nil
}

// Start launches the background services: the websocket hub, event
// fan-out, the download queue, the library watcher and scheduled jobs.
func (a *App) Start(ctx context.Context) error {
	go a.wsHub.Run()
	a.stopFns = append(a.stopFns,
		a.bus.SubscribeAll(func(e models.ChapterEvent) { a.wsHub.BroadcastJSON(e) }),
		metrics.Observe(a.bus),
	)

	if err := a.manager.LoadPaused(ctx); err != nil {
		return fmt.Errorf("failed to load paused downloads: %w", err)
	}
	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download queue: %w", err)
	}
	if err := a.watcher.Start(); err != nil {
		a.log.Warn().Err(err).Msg("Library watcher is disabled")
	}
	a.scheduler = jobs.StartJobs(a, logging.Component(a.log, "scheduler"))
	return nil
}

// Shutdown stops background work and persists queue state. The database
// stays open until Close.
func (a *App) Shutdown(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	var errs []error
	if err := a.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop queue: %w", err))
	}
	if err := a.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush paused downloads: %w", err))
	}
	if err := a.watcher.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop watcher: %w", err))
	}
	for _, stop := range a.stopFns {
		stop()
	}
	a.stopFns = nil
	a.wsHub.Stop()
	return errors.Join(errs...)
}

// Close gracefully closes the application's resources, like the DB connection.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) Config() *config.Config           { return a.config }
func (a *App) DB() *sql.DB                      { return a.db }
func (a *App) Logger() zerolog.Logger           { return a.log }
func (a *App) Store() *store.Store              { return a.store }
func (a *App) Library() *library.Library        { return a.library }
func (a *App) Validator() *library.Validator    { return a.validator }
func (a *App) Bus() *events.Bus                 { return a.bus }
func (a *App) Manager() *downloader.Manager     { return a.manager }
func (a *App) Queue() *downloader.Queue         { return a.queue }
func (a *App) Lifecycle() *downloader.Lifecycle { return a.lifecycle }
func (a *App) Broker() models.TokenBroker       { return a.broker }
func (a *App) WsHub() *websocket.Hub            { return a.wsHub }
func (a *App) JobManager() *jobs.JobManager     { return a.jobManager }
func (a *App) Registry() *prometheus.Registry   { return a.registry }
