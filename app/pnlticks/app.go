package pnlticks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/postgres"
	"github.com/canopy-network/pnlticks/pkg/db/postgres/ledger"
	"github.com/canopy-network/pnlticks/pkg/logging"
	"github.com/canopy-network/pnlticks/pkg/pnl"
	"github.com/canopy-network/pnlticks/pkg/redis"
	"github.com/canopy-network/pnlticks/pkg/scheduler"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readyTimeout = 2 * time.Second

// HealthChecker is a dependency probed by /readyz.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// App runs the tick engine on a schedule and serves probes and metrics.
type App struct {
	Config Config

	// DB is the Postgres ledger holding ingested state and ticks.
	DB *ledger.DB
	// Redis backs the latest-tick cache and the run lock.
	Redis *redis.Client

	Engine    *pnl.Engine
	Scheduler *scheduler.Scheduler

	// Registry collects the engine metrics served at /metrics.
	Registry *prometheus.Registry

	// Checks are probed by /readyz, keyed by name.
	Checks map[string]HealthChecker

	Logger *zap.Logger

	// Server is the HTTP server that serves probes and metrics.
	Server *http.Server
}

// Initialize initializes the App.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New("pnlticks")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ledgerDB, err := ledger.New(ctx, logger, postgres.DefaultPoolConfig("pnlticks"))
	if err != nil {
		logger.Fatal("Unable to connect to postgres", zap.Error(err))
	}
	if cfg.InitSchema {
		if err := ledgerDB.InitializeDB(ctx); err != nil {
			logger.Fatal("Unable to initialize schema", zap.Error(err))
		}
	}

	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to redis", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := pnl.NewEngine(
		logger.Named("engine"),
		ledgerDB,
		redis.NewTickCache(redisClient, cfg.CacheKey),
		pnl.NewMetrics(registry),
		cfg.Engine,
	)

	app := New(logger, cfg, engine, registry, map[string]HealthChecker{
		"postgres": ledgerDB,
		"redis":    redisClient,
	})
	app.DB = ledgerDB
	app.Redis = redisClient

	sched := scheduler.New(ctx, logger.Named("scheduler"), redisLocker{locker: redis.NewLocker(redisClient)})
	if err := sched.Register(app.Task()); err != nil {
		logger.Fatal("Unable to schedule pnl ticks", zap.Error(err))
	}
	app.Scheduler = sched

	app.SetupServer()
	return app
}

// New assembles an App around an already built engine.
func New(logger *zap.Logger, cfg Config, engine *pnl.Engine, registry *prometheus.Registry, checks map[string]HealthChecker) *App {
	return &App{
		Config:   cfg,
		Engine:   engine,
		Registry: registry,
		Checks:   checks,
		Logger:   logger,
	}
}

// Task is the scheduled tick job.
func (a *App) Task() scheduler.Task {
	return scheduler.Task{
		Name:                   TaskName,
		Spec:                   a.Config.CronSpec,
		Interval:               a.Config.Engine.Interval,
		ExtendedLockMultiplier: a.Config.LockMultiplier,
		Run: func(ctx context.Context) error {
			_, err := a.Engine.Run(ctx)
			return err
		},
	}
}

// Router serves the probes and metrics.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := a.Ready(req.Context()); err != nil {
			a.Logger.Warn("Not ready", zap.Error(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})).Methods("GET")

	return r
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	a.Server = &http.Server{
		Addr:              a.Config.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Ready probes every dependency and joins their failures.
func (a *App) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	var errs []error
	for name, check := range a.Checks {
		if err := check.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Start starts the scheduler and the server, and blocks until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start()
	a.Logger.Info("PnL tick scheduler started",
		zap.String("cron", a.Config.CronSpec),
		zap.Duration("interval", a.Config.Engine.Interval))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	a.Stop()
}

// Stop shuts everything down, waiting for an in-flight run to finish.
func (a *App) Stop() {
	a.Logger.Info("shutting down…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	a.Scheduler.Stop()
	a.Engine.Close()
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("Failed to close redis", zap.Error(err))
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("Failed to close postgres", zap.Error(err))
	}
	a.Logger.Info("さようなら!")
}
