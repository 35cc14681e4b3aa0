// Package app provides application-level wiring and dependency injection
// for the statement gateway.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"duck-coordinator/internal/admission"
	"duck-coordinator/internal/api"
	"duck-coordinator/internal/config"
	"duck-coordinator/internal/engine"
	"duck-coordinator/internal/metrics"
	"duck-coordinator/internal/middleware"
	"duck-coordinator/internal/registry"
	"duck-coordinator/internal/service/query"
)

// Deps holds the external dependencies that main() must provide.
// These are things the app package cannot (or should not) create itself:
// config, the DuckDB connection, and the logger.
type Deps struct {
	Cfg    *config.Config
	DuckDB *sql.DB
	Logger *slog.Logger
}

// App holds the fully-wired application.
type App struct {
	Registry  *registry.Registry
	Engine    *engine.DuckDBEngine
	Admission *admission.Controller
	Queries   *query.QueryService
	Sweeper   *query.Sweeper
	Metrics   *metrics.Metrics
	Router    http.Handler
}

// New wires the registry, engine, services, and router from the provided deps.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger

	m := metrics.New()

	// === Registry ===
	reg := registry.New(
		registry.WithLogger(logger.With("component", "registry")),
		registry.WithTransitionHook(m.ObserveTransition),
	)
	m.TrackQueryStates(reg.CountByState)

	// === Engine ===
	eng, err := engine.NewDuckDB(deps.DuckDB, engine.Config{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		BatchSize:      cfg.Engine.BatchSize,
	}, logger.With("component", "engine"))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	m.TrackEngine(eng.Running, eng.Waiting)

	// === Admission ===
	mode, err := admission.ParseMode(cfg.Admission.Mode)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("admission: %w", err), eng.Close())
	}
	adm, err := admission.NewController(admission.Config{
		BucketSize:      cfg.Admission.BucketSize,
		RefillPerSecond: cfg.Admission.RefillPerSecond,
		Mode:            mode,
		Timeout:         cfg.Admission.Timeout,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("admission: %w", err), eng.Close())
	}

	clientLimiter := middleware.NewClientLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})

	// === Query service + sweeper ===
	queryOpts := []query.Option{query.WithMetrics(m)}
	sweeperOpts := []query.SweeperOption{query.WithSweeperMetrics(m), query.WithIdleLimiter(clientLimiter)}
	if cfg.Query.PollRate > 0 {
		pollLimiter := admission.NewKeyedLimiter(cfg.Query.PollRate, cfg.Query.PollBurst)
		queryOpts = append(queryOpts, query.WithPollLimiter(pollLimiter, cfg.Query.PollTimeout))
		sweeperOpts = append(sweeperOpts, query.WithForgetter(pollLimiter))
	}
	querySvc := query.NewQueryService(reg, eng, adm, logger.With("component", "query"), queryOpts...)
	sweeper := query.NewSweeper(reg, eng, query.SweeperConfig{
		Window:         cfg.Query.ClientTimeout,
		AbandonedGrace: cfg.Query.AbandonedGrace,
		Interval:       cfg.Query.SweepInterval,
	}, logger.With("component", "sweeper"), sweeperOpts...)

	// === HTTP ===
	handler := api.NewHandler(querySvc, logger.With("component", "api"), cfg.ProxyPrefix)
	router := api.NewRouter(handler, api.RouterConfig{
		Logger:             logger.With("component", "http"),
		Metrics:            m,
		ClientLimiter:      clientLimiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	return &App{
		Registry:  reg,
		Engine:    eng,
		Admission: adm,
		Queries:   querySvc,
		Sweeper:   sweeper,
		Metrics:   m,
		Router:    router,
	}, nil
}

// Start launches the background sweeper.
func (a *App) Start() error {
	return a.Sweeper.Start()
}

// Shutdown stops the sweeper and releases every execution. It does not
// close the DuckDB handle, which belongs to the caller.
func (a *App) Shutdown(ctx context.Context) error {
	a.Sweeper.Stop(ctx)
	return a.Engine.Close()
}
