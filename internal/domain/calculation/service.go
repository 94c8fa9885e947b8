package calculation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/catalog"
	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
	"github.com/drfirst/go-dosecalc/internal/observability/metrics"
	"github.com/drfirst/go-dosecalc/pkg/workerpool"
)

// ErrHistoryDisabled is returned by history queries when no store is configured
var ErrHistoryDisabled = errors.New("calculation history is disabled")

// Store persists calculation aggregates
type Store interface {
	Save(ctx context.Context, agg *Aggregate) error
	Load(ctx context.Context, id string) (*Aggregate, error)
	GetEvents(ctx context.Context, aggregateID string) ([]*Event, error)
}

// ProfileSource resolves dosing profiles
type ProfileSource interface {
	Lookup(drugName, indication string) (*dosing.DrugDosingProfile, error)
}

// Request is one dosage calculation
type Request struct {
	DrugName      string               `json:"drug_name"`
	Indication    string               `json:"indication"`
	Vitals        dosing.PatientVitals `json:"vitals"`
	PatientRef    string               `json:"patient_ref,omitempty"`
	ClientID      string               `json:"-"`
	CorrelationID string               `json:"-"`
}

// Outcome is a successful calculation and the ID it was recorded under
type Outcome struct {
	CalculationID string                          `json:"calculation_id"`
	Result        *dosing.DosageCalculationResult `json:"result"`
}

// Error ties a failed calculation to the ID it was recorded under. It
// unwraps to the engine error.
type Error struct {
	CalculationID string
	Err           error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Config holds service configuration
type Config struct {
	// Workers bounds concurrent calculations in a batch
	Workers int
	// QueueSize bounds queued batch items
	QueueSize int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 1024}
}

// Service runs dosage calculations and records their history
type Service struct {
	profiles ProfileSource
	store    Store
	metrics  *metrics.Metrics
	pool     *workerpool.Pool
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a calculation service. A nil store runs calculations
// without recording them.
func NewService(profiles ProfileSource, store Store, m *metrics.Metrics, cfg Config, logger *zap.Logger) (*Service, error) {
	if profiles == nil {
		return nil, errors.New("profile source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		profiles: profiles,
		store:    store,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("calculation"),
	}

	pool, err := workerpool.New(workerpool.Config{
		Workers:                 cfg.Workers,
		QueueSize:               cfg.QueueSize,
		GracefulShutdownTimeout: 10 * time.Second,
	}, s.work, logger.Named("batch"))
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Start launches the batch workers
func (s *Service) Start() { s.pool.Start() }

// Stop drains the batch workers
func (s *Service) Stop() error { return s.pool.Stop() }

// HistoryEnabled reports whether calculations are recorded
func (s *Service) HistoryEnabled() bool { return s.store != nil }

// Calculate resolves the profile, runs the engine and records the outcome.
// Engine failures come back as *Error wrapping the engine's error.
func (s *Service) Calculate(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "dosage_calculate",
		trace.WithAttributes(
			attribute.String("drug_name", req.DrugName),
			attribute.String("indication", req.Indication),
		))
	defer span.End()

	profile, err := s.profiles.Lookup(req.DrugName, req.Indication)
	if err != nil {
		s.metrics.ObserveCalculation(outcomeOf(err), time.Since(start))
		span.RecordError(err)
		return nil, err
	}

	id := uuid.New().String()
	span.SetAttributes(attribute.String("calculation_id", id))
	subject := Subject{
		DrugName:   profile.DrugName,
		Indication: profile.Indication,
		PatientRef: req.PatientRef,
		Vitals:     req.Vitals,
	}

	result, calcErr := dosing.CalculateDosage(req.Vitals, profile)

	agg := NewAggregate(id)
	if err := record(agg, subject, req.Vitals, result, calcErr); err != nil {
		s.metrics.ObserveCalculation(metrics.OutcomeError, time.Since(start))
		span.RecordError(err)
		return nil, err
	}
	for _, e := range agg.Changes() {
		e.WithAuditInfo(req.ClientID, req.PatientRef, req.CorrelationID)
	}

	if s.store != nil {
		if err := s.store.Save(ctx, agg); err != nil {
			s.metrics.ObserveCalculation(metrics.OutcomeError, time.Since(start))
			span.RecordError(err)
			s.logger.Error("failed to record calculation",
				zap.String("calculation_id", id),
				zap.Error(err))
			return nil, fmt.Errorf("record calculation %s: %w", id, err)
		}
	}

	s.metrics.ObserveCalculation(outcomeOf(calcErr), time.Since(start))
	span.SetAttributes(attribute.String("status", string(agg.Status())))

	if calcErr != nil {
		s.logger.Info("dosage not calculated",
			zap.String("calculation_id", id),
			zap.String("drug_name", profile.DrugName),
			zap.String("status", string(agg.Status())),
			zap.Error(calcErr))
		return nil, &Error{CalculationID: id, Err: calcErr}
	}

	for _, label := range result.AppliedAdjustments {
		if kind, band, ok := strings.Cut(label, " adjustment: "); ok {
			s.metrics.ObserveAdjustment(strings.ToLower(kind), band)
		}
	}

	s.logger.Debug("dosage calculated",
		zap.String("calculation_id", id),
		zap.String("drug_name", result.DrugName),
		zap.Float64("adjusted_dose_mg", result.AdjustedDoseMg),
		zap.Strings("applied_adjustments", result.AppliedAdjustments))

	return &Outcome{CalculationID: id, Result: result}, nil
}

func record(agg *Aggregate, subject Subject, v dosing.PatientVitals, result *dosing.DosageCalculationResult, calcErr error) error {
	var invalid *dosing.InvalidVitalsError
	var contraindicated *dosing.DrugContraindicatedError
	var err error

	switch {
	case calcErr == nil:
		_, err = agg.RecordCalculated(subject, result)
	case errors.As(calcErr, &invalid):
		_, err = agg.RecordRejected(subject, invalid.Violations)
	case errors.As(calcErr, &contraindicated):
		// vitals already passed validation for the engine to reach the renal rule
		factors, _ := dosing.Derive(v)
		_, err = agg.RecordContraindicated(subject, factors, contraindicated.Error())
	default:
		return calcErr
	}
	return err
}

func outcomeOf(err error) string {
	var invalid *dosing.InvalidVitalsError
	var contraindicated *dosing.DrugContraindicatedError
	switch {
	case err == nil:
		return metrics.OutcomeCalculated
	case errors.As(err, &invalid):
		return metrics.OutcomeRejected
	case errors.As(err, &contraindicated):
		return metrics.OutcomeContraindicated
	case errors.Is(err, catalog.ErrProfileNotFound):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeError
	}
}

// BatchItem is the outcome of one request in a batch
type BatchItem struct {
	Index   int
	Outcome *Outcome
	Err     error
}

// CalculateBatch runs requests concurrently on the worker pool and returns
// one item per request in request order.
func (s *Service) CalculateBatch(ctx context.Context, reqs []Request) []BatchItem {
	s.metrics.ObserveBatch(len(reqs))

	items := make([]BatchItem, len(reqs))
	waits := make([]<-chan *workerpool.Result, len(reqs))
	for i := range reqs {
		items[i].Index = i
		ch, err := s.pool.SubmitAsync(&workerpool.Task{
			ID:      fmt.Sprintf("batch-%d", i),
			Payload: reqs[i],
			Context: ctx,
		})
		if err != nil {
			items[i].Err = err
			continue
		}
		waits[i] = ch
	}

	for i, ch := range waits {
		if ch == nil {
			continue
		}
		select {
		case <-ctx.Done():
			items[i].Err = ctx.Err()
		case res := <-ch:
			if res.Error != nil {
				items[i].Err = res.Error
				continue
			}
			items[i].Outcome, _ = res.Data.(*Outcome)
		}
	}
	return items
}

func (s *Service) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	req, ok := task.Payload.(Request)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}
	out, err := s.Calculate(ctx, req)
	return &workerpool.Result{TaskID: task.ID, Success: err == nil, Error: err, Data: out}
}

// Get returns the current state of a recorded calculation
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return agg.View(), nil
}

// Events returns the recorded events of a calculation
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return events, nil
}

// Acknowledge records clinician sign-off on a calculated dose
func (s *Service) Acknowledge(ctx context.Context, id, by, note string) (*View, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	ctx, span := s.tracer.Start(ctx, "dosage_acknowledge",
		trace.WithAttributes(attribute.String("calculation_id", id)))
	defer span.End()

	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := agg.Acknowledge(by, note); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, agg); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("record acknowledgement %s: %w", id, err)
	}

	s.logger.Info("dosage acknowledged",
		zap.String("calculation_id", id),
		zap.String("acknowledged_by", by))
	return agg.View(), nil
}
