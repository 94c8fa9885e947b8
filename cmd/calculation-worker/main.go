// Package main provides the calculation worker entry point. It consumes
// dosage requests from Redpanda and publishes their results.
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
	"github.com/drfirst/go-dosecalc/internal/domain/calculation"
	"github.com/drfirst/go-dosecalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosecalc/internal/observability/logging"
	"github.com/drfirst/go-dosecalc/internal/observability/metrics"
	"github.com/drfirst/go-dosecalc/internal/observability/tracing"
	"github.com/drfirst/go-dosecalc/internal/worker"
	"github.com/drfirst/go-dosecalc/pkg/idempotency"
)

const serviceName = "calculation-worker"

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

	// the inbox always needs the database
	pool, err := bootstrap.OpenPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer pool.Close()

	profiles, err := bootstrap.LoadCatalog(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal("catalog unavailable", zap.Error(err))
	}

	var store calculation.Store
	if cfg.HistoryEnabled {
		store, _, err = bootstrap.HistoryStore(pool, m, logger)
		if err != nil {
			logger.Fatal("history store", zap.Error(err))
		}
	}

	svcCfg := calculation.DefaultConfig()
	svcCfg.Workers = cfg.WorkerCount
	svc, err := calculation.NewService(profiles, store, m, svcCfg, logger)
	if err != nil {
		logger.Fatal("calculation service", zap.Error(err))
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger.Named("inbox"))
	inbox.StartCleanup()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	workerCfg := worker.DefaultConfig()
	workerCfg.Workers = cfg.WorkerCount
	w, err := worker.New(svc, inbox, producer, workerCfg, logger)
	if err != nil {
		logger.Fatal("worker creation failed", zap.Error(err))
	}
	w.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.Topics = []string{redpanda.TopicRequests}
	consumer, err := redpanda.NewConsumer(consumerCfg, w.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.OnFailure = w.DeadLetter
	consumer.Start()

	logger.Info("calculation worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID),
		zap.String("topic", redpanda.TopicRequests))

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	// stop intake first so in-flight records finish and commit
	consumer.Stop()
	if err := w.Stop(); err != nil {
		logger.Error("worker did not drain", zap.Error(err))
	}
	inbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush", zap.Error(err))
	}
	server.Shutdown(shutdownCtx)

	stats := consumer.Stats()
	logger.Info("calculation worker stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}
