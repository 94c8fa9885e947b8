// Package postgres provides PostgreSQL infrastructure components.
// Calculation events reach Kafka through a transactional outbox: they are
// written in the same transaction as the event store rows and relayed later.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries claimed per poll
	BatchSize int
	// PollInterval is how often the outbox is polled
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is
	// dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// LockID is the advisory lock key that elects a single active relay
	LockID int64
	// StatsInterval is how often pending counts are reported; zero disables
	StatsInterval time.Duration
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		LockID:          0x646f7365, // "dose"
		StatsInterval:   15 * time.Second,
	}
}

// Publisher delivers one outbox entry to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay polls the outbox and publishes unprocessed entries in insert order
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	// OnStats, when set, receives outbox statistics every StatsInterval
	OnStats func(OutboxStats)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a new outbox relay
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultRelayConfig().DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Int("max_retries", r.config.MaxRetries))
}

// Stop waits for the current poll to finish and stops the relay
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	var stats <-chan time.Time
	if r.config.StatsInterval > 0 && r.OnStats != nil {
		t := time.NewTicker(r.config.StatsInterval)
		defer t.Stop()
		stats = t.C
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("outbox poll failed", zap.Error(err))
			}
		case <-stats:
			s, err := r.GetStats(r.ctx)
			if err != nil {
				r.logger.Warn("failed to read outbox stats", zap.Error(err))
				continue
			}
			r.OnStats(*s)
		}
	}
}

// RelayOnce claims one batch and publishes it. It returns the number of
// entries published or dead-lettered. When another relay holds the lock it
// returns zero without error.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	// session-level advisory locks belong to a connection, so hold one
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", r.config.LockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", r.config.LockID); err != nil {
			r.logger.Warn("failed to release advisory lock", zap.Error(err))
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := claim(ctx, tx, r.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	done := 0
	for _, entry := range entries {
		ok, err := r.relay(ctx, tx, entry)
		if err != nil {
			return done, err
		}
		if ok {
			done++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return done, nil
}

func claim(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// relay publishes one entry, or its dead letter once retries are exhausted.
// A publish failure is recorded on the row and is not an error of the batch.
func (r *Relay) relay(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	topic, payload := entry.KafkaTopic, []byte(entry.Payload)
	deadLetter := entry.RetryCount >= r.config.MaxRetries
	if deadLetter {
		topic, payload = r.config.DeadLetterTopic, DeadLetter(entry)
		span.SetAttributes(attribute.Bool("dead_letter", true))
	}

	if err := r.publisher.Publish(ctx, topic, entry.KafkaKey, payload); err != nil {
		span.RecordError(err)
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", entry.ID),
			zap.String("topic", topic),
			zap.Int("retry_count", entry.RetryCount),
			zap.Error(err))
		if _, uerr := tx.Exec(ctx,
			"UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2",
			err.Error(), entry.ID); uerr != nil {
			return false, fmt.Errorf("record publish failure: %w", uerr)
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		"UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}

	if deadLetter {
		r.logger.Error("outbox entry dead-lettered",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.String("aggregate_id", entry.AggregateID))
	} else {
		r.logger.Debug("outbox entry published",
			zap.Int64("id", entry.ID),
			zap.String("topic", topic))
	}
	return true, nil
}

// DeadLetter builds the dead-letter record for an entry
func DeadLetter(entry *OutboxEntry) []byte {
	payload, _ := json.Marshal(struct {
		OriginalTopic string          `json:"original_topic"`
		EventType     string          `json:"event_type"`
		AggregateID   string          `json:"aggregate_id"`
		AggregateType string          `json:"aggregate_type"`
		Payload       json.RawMessage `json:"payload"`
		RetryCount    int             `json:"retry_count"`
		LastError     *string         `json:"last_error,omitempty"`
		CreatedAt     time.Time       `json:"created_at"`
	}{
		OriginalTopic: entry.KafkaTopic,
		EventType:     entry.EventType,
		AggregateID:   entry.AggregateID,
		AggregateType: entry.AggregateType,
		Payload:       entry.Payload,
		RetryCount:    entry.RetryCount,
		LastError:     entry.LastError,
		CreatedAt:     entry.CreatedAt,
	})
	return payload
}

// CleanupProcessed removes processed entries older than olderThan
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx,
		"DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1",
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarizes the outbox
type OutboxStats struct {
	Pending       int64
	Failing       int64
	Processed24h  int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (r *Relay) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count > 0),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`).Scan(&stats.Pending, &stats.Failing, &stats.Processed24h, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
