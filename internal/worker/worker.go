// Package worker handles calculation requests arriving over Kafka. Each
// request is deduplicated through the inbox, computed on a bounded worker
// pool and answered on the results topic.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/catalog"
	"github.com/drfirst/go-dosecalc/internal/domain/calculation"
	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
	"github.com/drfirst/go-dosecalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosecalc/pkg/idempotency"
	"github.com/drfirst/go-dosecalc/pkg/workerpool"
)

const handlerName = "dosage-calculate"

// Result statuses beyond the calculation statuses
const StatusNotFound = "not_found"

// Calculator runs one calculation
type Calculator interface {
	Calculate(ctx context.Context, req calculation.Request) (*calculation.Outcome, error)
}

// Deduper runs fn at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Publisher sends a record
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RequestMessage is the body of a dosage.requests record
type RequestMessage struct {
	RequestID   string               `json:"request_id,omitempty"`
	ClientID    string               `json:"client_id"`
	DrugName    string               `json:"drug_name"`
	Indication  string               `json:"indication"`
	PatientRef  string               `json:"patient_ref,omitempty"`
	Vitals      dosing.PatientVitals `json:"vitals"`
	RequestedAt time.Time            `json:"requested_at,omitempty"`
}

// ResultMessage is the body of a dosage.results record
type ResultMessage struct {
	RequestID     string                          `json:"request_id"`
	Status        string                          `json:"status"`
	CalculationID string                          `json:"calculation_id,omitempty"`
	Result        *dosing.DosageCalculationResult `json:"result,omitempty"`
	Error         string                          `json:"error,omitempty"`
	Violations    []dosing.Violation              `json:"violations,omitempty"`
}

// Config holds worker configuration
type Config struct {
	Workers         int
	QueueSize       int
	ResultsTopic    string
	DeadLetterTopic string
	// TaskTimeout bounds one calculation including history writes
	TaskTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		ResultsTopic:    redpanda.TopicResults,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		TaskTimeout:     10 * time.Second,
	}
}

// Worker turns request records into result records
type Worker struct {
	calc   Calculator
	inbox  Deduper
	pub    Publisher
	pool   *workerpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a worker. A nil inbox disables deduplication.
func New(calc Calculator, inbox Deduper, pub Publisher, cfg Config, logger *zap.Logger) (*Worker, error) {
	if calc == nil || pub == nil {
		return nil, errors.New("calculator and publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Worker{
		calc:   calc,
		inbox:  inbox,
		pub:    pub,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("calculation-worker"),
	}

	pool, err := workerpool.New(workerpool.Config{
		Workers:                 cfg.Workers,
		QueueSize:               cfg.QueueSize,
		GracefulShutdownTimeout: 30 * time.Second,
		// the consumer owns redelivery
		MaxRetries: 0,
	}, w.work, logger.Named("pool"))
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// Start launches the pool
func (w *Worker) Start() { w.pool.Start() }

// Stop drains the pool
func (w *Worker) Stop() error { return w.pool.Stop() }

// Handle processes one consumed record. It returns an error only for
// failures worth redelivering; malformed records are dead-lettered, and a
// failed dead-letter publish is returned so the record is not committed.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	res, err := w.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Payload: msg,
		Context: ctx,
	})
	if err != nil {
		return err
	}
	if res.Error == nil {
		return nil
	}
	if idempotency.IsTerminal(res.Error) {
		return w.DeadLetter(ctx, msg, res.Error)
	}
	return res.Error
}

func (w *Worker) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	msg := task.Payload.(*redpanda.ConsumedMessage)
	if w.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.TaskTimeout)
		defer cancel()
	}
	err := w.process(ctx, msg)
	return &workerpool.Result{TaskID: task.ID, Success: err == nil, Error: err}
}

func (w *Worker) process(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := w.tracer.Start(ctx, "handle_dosage_request",
		trace.WithAttributes(attribute.Int64("offset", msg.Offset)))
	defer span.End()

	var req RequestMessage
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return idempotency.Terminal(fmt.Errorf("decode request: %w", err))
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = msg.Timestamp
	}

	key := req.RequestID
	if key == "" {
		vitals, err := json.Marshal(req.Vitals)
		if err != nil {
			return idempotency.Terminal(fmt.Errorf("encode vitals: %w", err))
		}
		key = idempotency.GenerateKey(req.ClientID, req.PatientRef, req.DrugName, req.Indication, req.RequestedAt, vitals)
		req.RequestID = key
	}
	span.SetAttributes(attribute.String("request_id", key))

	compute := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return w.calculate(ctx, req)
	}

	var result json.RawMessage
	if w.inbox == nil {
		r, err := compute(ctx, msg.Value)
		if err != nil {
			return err
		}
		result = r
	} else {
		processed, err := w.inbox.Process(ctx, key, handlerName, msg.Value, compute)
		switch {
		case errors.Is(err, idempotency.ErrPreviouslyFailed):
			w.logger.Info("skipping request that failed before", zap.String("request_id", key))
			return nil
		case err != nil:
			span.RecordError(err)
			return err
		}
		if !processed.IsNew && !processed.WasRecovered {
			w.logger.Debug("duplicate request, republishing stored result", zap.String("request_id", key))
		}
		result = processed.Result
	}

	if err := w.pub.Publish(ctx, w.config.ResultsTopic, key, result); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// calculate maps every domain outcome onto a result message. Only
// infrastructure failures come back as errors.
func (w *Worker) calculate(ctx context.Context, req RequestMessage) (json.RawMessage, error) {
	out, err := w.calc.Calculate(ctx, calculation.Request{
		DrugName:      req.DrugName,
		Indication:    req.Indication,
		Vitals:        req.Vitals,
		PatientRef:    req.PatientRef,
		ClientID:      req.ClientID,
		CorrelationID: req.RequestID,
	})

	msg := ResultMessage{RequestID: req.RequestID}
	var invalid *dosing.InvalidVitalsError
	var contraindicated *dosing.DrugContraindicatedError
	var calcErr *calculation.Error

	switch {
	case err == nil:
		msg.Status = string(calculation.StatusCalculated)
		msg.CalculationID = out.CalculationID
		msg.Result = out.Result
	case errors.As(err, &invalid):
		msg.Status = string(calculation.StatusRejected)
		msg.Error = err.Error()
		msg.Violations = invalid.Violations
	case errors.As(err, &contraindicated):
		msg.Status = string(calculation.StatusContraindicated)
		msg.Error = err.Error()
	case errors.Is(err, catalog.ErrProfileNotFound):
		msg.Status = StatusNotFound
		msg.Error = err.Error()
	default:
		return nil, err
	}
	if errors.As(err, &calcErr) {
		msg.CalculationID = calcErr.CalculationID
	}

	return json.Marshal(msg)
}

// DeadLetter forwards a record that cannot be processed
func (w *Worker) DeadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	payload, _ := json.Marshal(struct {
		OriginalTopic string          `json:"original_topic"`
		Partition     int32           `json:"partition"`
		Offset        int64           `json:"offset"`
		Error         string          `json:"error"`
		Payload       json.RawMessage `json:"payload,omitempty"`
		Raw           string          `json:"raw,omitempty"`
	}{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Error:         errString(cause),
		Payload:       validJSON(msg.Value),
		Raw:           rawIfInvalid(msg.Value),
	})

	if err := w.pub.Publish(ctx, w.config.DeadLetterTopic, string(msg.Key), payload); err != nil {
		w.logger.Error("failed to dead-letter request",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return fmt.Errorf("dead-letter offset %d: %w", msg.Offset, err)
	}
	w.logger.Warn("request dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func validJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	return nil
}

func rawIfInvalid(b []byte) string {
	if json.Valid(b) {
		return ""
	}
	return string(b)
}
