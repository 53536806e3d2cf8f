// Package app wires configuration into adapters, use cases, and lifecycle
// orchestration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/infrastructure/fda"
	"pharmasentinel/internal/infrastructure/httpserver"
	"pharmasentinel/internal/infrastructure/llm"
	"pharmasentinel/internal/infrastructure/news"
	"pharmasentinel/internal/infrastructure/scheduler"
	"pharmasentinel/internal/infrastructure/storage"
	"pharmasentinel/internal/logging"
	"pharmasentinel/internal/overseer"
	"pharmasentinel/internal/ports"
	"pharmasentinel/internal/runlog"
	"pharmasentinel/internal/stage"
	"pharmasentinel/internal/usecase"
)

// Application holds the wired components and owns their lifecycle.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	store     ports.Store
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
	server    *http.Server
	db        *sql.DB
}

// New builds a runnable application instance. An empty database DSN
// selects the in-memory store, which is the development default.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	var (
		store ports.Store
		db    *sql.DB
	)
	if cfg.Database.DSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		store = storage.NewPostgresStore(db)
		baseLogger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		baseLogger.Warn("no database configured, using in-memory store")
	}

	log := runlog.New(store)
	caller := llm.NewDedalusClient(cfg.LLM)
	feed := fda.NewClient(cfg.Regulatory.BaseURL, nil)
	searcher := news.NewClient(cfg.News, nil, baseLogger.With("component", "news"))

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Store: store,
		Log:   log,
		Inventory: stage.NewInventory(store, caller, log, cfg.Drugs,
			cfg.Pipeline.LookAheadDays, baseLogger.With("component", "stage.inventory")),
		Shortages: stage.NewShortageMonitor(store, caller, feed, log, cfg.Drugs,
			cfg.Regulatory.SearchTerms, cfg.Pipeline.ShortageWindowDays,
			baseLogger.With("component", "stage.shortages")),
		Risk: stage.NewRiskScanner(store, caller, searcher, log, cfg.Drugs,
			cfg.News.GeneralQueries, cfg.Pipeline.NewsWindowDays,
			baseLogger.With("component", "stage.risk")),
		Overseer: overseer.New(store, log, cfg.Drugs,
			baseLogger.With("component", "overseer")),
		Substitutes: stage.NewSubstituteResolver(store, caller, log, cfg.Substitutions,
			baseLogger.With("component", "stage.substitutes")),
		Orders: stage.NewOrderResolver(store, caller, log, cfg.Suppliers,
			baseLogger.With("component", "stage.orders")),
		Logger: baseLogger.With("component", "pipeline"),
	})

	driver := scheduler.NewIntervalScheduler(cfg.Pipeline.Interval(), cfg.Pipeline.RunOnStart)
	sched := usecase.NewScheduler(driver, pipeline, baseLogger.With("component", "scheduler"))

	server := httpserver.New(store, log, pipeline, baseLogger.With("component", "http"))
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		store:     store,
		pipeline:  pipeline,
		scheduler: sched,
		server:    httpSrv,
		db:        db,
	}, nil
}

// Run starts the scheduler and the HTTP listener and blocks until the
// context is cancelled, then shuts both down. With singleRun configured it
// executes one pipeline run and exits without serving.
func (a *Application) Run(ctx context.Context) error {
	if a.cfg.Pipeline.SingleRun {
		return a.runSingle(ctx)
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http listener started", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.shutdown()
			return fmt.Errorf("http listener: %w", err)
		}
	}

	a.shutdown()
	return nil
}

func (a *Application) runSingle(ctx context.Context) error {
	defer func() {
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				a.logger.Error("database close", "error", err)
			}
		}
	}()

	outcome, err := a.pipeline.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("single run: %w", err)
	}
	a.logger.Info("single run finished",
		"run_id", outcome.RunID,
		"status", outcome.Status(),
		"alerts", len(outcome.Alerts))
	return nil
}

func (a *Application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Error("scheduler stop", "error", err)
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close", "error", err)
		}
	}
	a.logger.Info("application stopped")
}
