// Package bootstrap wires the shared dependencies of the dosage binaries
// from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/catalog"
	"github.com/drfirst/go-dosecalc/internal/config"
	"github.com/drfirst/go-dosecalc/internal/domain/calculation"
	"github.com/drfirst/go-dosecalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosecalc/internal/observability/metrics"
	"github.com/drfirst/go-dosecalc/pkg/circuitbreaker"
)

// OpenPool connects to PostgreSQL and verifies the connection
func OpenPool(ctx context.Context, url string, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("connected to database")
	return pool, nil
}

// LoadCatalog loads the drug catalog from the configured source. The file
// source falls back to the embedded profiles when no file is named.
func LoadCatalog(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*catalog.Catalog, error) {
	var (
		c   *catalog.Catalog
		err error
	)
	switch {
	case cfg.CatalogSource == config.CatalogSourcePostgres:
		if pool == nil {
			return nil, fmt.Errorf("catalog source %q needs a database", cfg.CatalogSource)
		}
		c, err = catalog.NewStore(pool, logger).Load(ctx)
	case cfg.CatalogFile != "":
		c, err = catalog.LoadFile(cfg.CatalogFile)
	default:
		c, err = catalog.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	logger.Info("drug catalog loaded",
		zap.String("source", cfg.CatalogSource),
		zap.Int("profiles", c.Len()))
	return c, nil
}

// HistoryStore returns the event store guarded by a circuit breaker whose
// state is exported as a metric
func HistoryStore(pool *pgxpool.Pool, m *metrics.Metrics, logger *zap.Logger) (calculation.Store, *circuitbreaker.CircuitBreaker, error) {
	cbCfg := calculation.BreakerConfig("calculation-store")
	cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}

	breaker, err := circuitbreaker.New(cbCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	m.SetBreakerState(breaker.Name(), breaker.GetState().Gauge())

	repo := calculation.NewRepository(pool, redpanda.TopicCalculations, logger)
	return calculation.NewGuardedStore(repo, breaker), breaker, nil
}
