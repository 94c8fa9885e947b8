package calculation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/infrastructure/postgres"
)

var (
	// ErrNotFound is returned when no events exist for a calculation
	ErrNotFound = errors.New("calculation not found")
	// ErrConcurrentModification is returned when another writer appended
	// the same version first
	ErrConcurrentModification = errors.New("calculation modified concurrently")
)

// Repository provides event sourcing persistence. Every saved event is
// mirrored into the outbox in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewRepository creates a new repository publishing events to topic
func NewRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: topic, logger: logger}
}

// Save persists new events for an aggregate
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, event := range agg.Changes() {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
		if err := r.enqueue(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("calculation events saved",
		zap.String("calculation_id", agg.ID()),
		zap.Int("events", len(agg.Changes())),
		zap.Int("version", agg.Version()))

	agg.ClearChanges()
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO calculation_events
		(id, aggregate_id, event_type, event_data, version, timestamp, client_id, patient_ref, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.ClientID,
		event.PatientRef,
		event.CorrelationID,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s v%d", ErrConcurrentModification, event.AggregateID, event.Version)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *Repository) enqueue(ctx context.Context, tx pgx.Tx, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    r.topic,
		KafkaKey:      event.AggregateID,
	})
}

// Load retrieves an aggregate by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// GetEvents retrieves all events for an aggregate in version order
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       client_id, patient_ref, correlation_id
		FROM calculation_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.ClientID, &e.PatientRef, &e.CorrelationID,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
