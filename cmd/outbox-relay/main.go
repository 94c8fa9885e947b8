// Package main provides the outbox relay service entry point.
// It publishes calculation events written to the outbox table.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/bootstrap"
	"github.com/drfirst/go-dosecalc/internal/config"
	"github.com/drfirst/go-dosecalc/internal/infrastructure/postgres"
	"github.com/drfirst/go-dosecalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosecalc/internal/observability/logging"
	"github.com/drfirst/go-dosecalc/internal/observability/metrics"
	"github.com/drfirst/go-dosecalc/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"

	// processed rows are kept this long for inspection
	retention       = 7 * 24 * time.Hour
	cleanupInterval = time.Hour
)

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
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	pool, err := bootstrap.OpenPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer pool.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, logger)
	relay.OnStats = func(s postgres.OutboxStats) {
		m.SetOutboxPending(s.Pending)
		if s.Failing > 0 {
			logger.Warn("outbox entries failing",
				zap.Int64("failing", s.Failing),
				zap.Int64("pending", s.Pending))
		}
	}

	relay.Start()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	go cleanupLoop(cleanupCtx, relay, logger)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("outbox relay running", zap.String("port", cfg.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopCleanup()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush", zap.Error(err))
	}
	server.Shutdown(shutdownCtx)

	logger.Info("outbox relay stopped")
}

func cleanupLoop(ctx context.Context, relay *postgres.Relay, logger *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := relay.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox cleanup", zap.Int64("deleted", n))
			}
		}
	}
}
