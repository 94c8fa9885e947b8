// Package main provides the dosage API service entry point.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/api/handlers"
	"github.com/drfirst/go-dosecalc/internal/api/middleware"
	"github.com/drfirst/go-dosecalc/internal/bootstrap"
	"github.com/drfirst/go-dosecalc/internal/config"
	"github.com/drfirst/go-dosecalc/internal/domain/calculation"
	"github.com/drfirst/go-dosecalc/internal/observability/logging"
	"github.com/drfirst/go-dosecalc/internal/observability/metrics"
	"github.com/drfirst/go-dosecalc/internal/observability/tracing"
	"github.com/drfirst/go-dosecalc/pkg/circuitbreaker"
)

const serviceName = "dosage-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(serviceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(nil)

	var pool *pgxpool.Pool
	if cfg.NeedsDatabase() {
		pool, err = bootstrap.OpenPool(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("database unavailable", zap.Error(err))
		}
		defer pool.Close()
	}

	profiles, err := bootstrap.LoadCatalog(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal("catalog unavailable", zap.Error(err))
	}

	var (
		store   calculation.Store
		breaker *circuitbreaker.CircuitBreaker
	)
	if cfg.HistoryEnabled {
		store, breaker, err = bootstrap.HistoryStore(pool, m, logger)
		if err != nil {
			logger.Fatal("history store", zap.Error(err))
		}
	} else {
		logger.Warn("calculation history disabled")
	}

	svcCfg := calculation.DefaultConfig()
	svcCfg.Workers = cfg.WorkerCount
	svc, err := calculation.NewService(profiles, store, m, svcCfg, logger)
	if err != nil {
		logger.Fatal("calculation service", zap.Error(err))
	}
	svc.Start()

	dosageHandler := handlers.NewDosageHandler(svc, profiles, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if breaker != nil && breaker.IsOpen() {
			http.Error(w, "history store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/", dosageHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := svc.Stop(); err != nil {
			logger.Error("calculation workers did not drain", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting dosage API",
		zap.String("port", cfg.Port),
		zap.Bool("history", cfg.HistoryEnabled))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": "1.0.0",
	})
}
