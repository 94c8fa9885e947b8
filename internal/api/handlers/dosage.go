// Package handlers provides HTTP handlers for the dosage API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/api/middleware"
	"github.com/drfirst/go-dosecalc/internal/catalog"
	"github.com/drfirst/go-dosecalc/internal/domain/calculation"
	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
	fhir "github.com/drfirst/go-dosecalc/internal/fhir/r5"
	"github.com/drfirst/go-dosecalc/internal/labs"
	"github.com/drfirst/go-dosecalc/pkg/circuitbreaker"
)

const (
	maxBodyBytes = 1 << 20
	// MaxBatchSize bounds the requests accepted in one batch call
	MaxBatchSize = 100
)

// Calculator is the calculation service as seen by the API
type Calculator interface {
	Calculate(ctx context.Context, req calculation.Request) (*calculation.Outcome, error)
	CalculateBatch(ctx context.Context, reqs []calculation.Request) []calculation.BatchItem
	Get(ctx context.Context, id string) (*calculation.View, error)
	Events(ctx context.Context, id string) ([]*calculation.Event, error)
	Acknowledge(ctx context.Context, id, by, note string) (*calculation.View, error)
}

// ProfileLister lists the drug catalog
type ProfileLister interface {
	List() []dosing.DrugDosingProfile
}

// DosageHandler handles dosage calculation endpoints
type DosageHandler struct {
	calc    Calculator
	catalog ProfileLister
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewDosageHandler creates a new handler
func NewDosageHandler(calc Calculator, profiles ProfileLister, logger *zap.Logger) *DosageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DosageHandler{
		calc:    calc,
		catalog: profiles,
		logger:  logger,
		tracer:  otel.Tracer("dosage-handler"),
		now:     time.Now,
	}
}

// Routes returns the handler routes
func (h *DosageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/dosage/calculate", h.Calculate)
	r.Post("/dosage/calculate/labs", h.CalculateFromLabs)
	r.Post("/dosage/calculate/fhir", h.CalculateFromFHIR)
	r.Post("/dosage/calculate/batch", h.CalculateBatch)
	r.Get("/drugs", h.ListDrugs)
	r.Get("/classifications", h.Classifications)
	r.Route("/calculations/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/events", h.GetEvents)
		r.Post("/acknowledge", h.Acknowledge)
	})
	return r
}

// CalculateRequest is the request body for a calculation from vitals
type CalculateRequest struct {
	DrugName   string               `json:"drug_name"`
	Indication string               `json:"indication"`
	PatientRef string               `json:"patient_ref,omitempty"`
	Vitals     dosing.PatientVitals `json:"vitals"`
}

// LabsRequest is the request body for a calculation from a lab-value map
type LabsRequest struct {
	DrugName     string             `json:"drug_name"`
	Indication   string             `json:"indication"`
	PatientRef   string             `json:"patient_ref,omitempty"`
	Demographics labs.Demographics  `json:"demographics"`
	LabValues    map[string]float64 `json:"lab_values"`
}

// FHIRRequest is the request body for a calculation from FHIR resources.
// Either Bundle or Patient plus Observations must be given.
type FHIRRequest struct {
	DrugName     string             `json:"drug_name"`
	Indication   string             `json:"indication"`
	Bundle       *fhir.Bundle       `json:"bundle,omitempty"`
	Patient      *fhir.Patient      `json:"patient,omitempty"`
	Observations []fhir.Observation `json:"observations,omitempty"`
	// AsOf is the instant age is computed at; defaults to now
	AsOf *time.Time `json:"as_of,omitempty"`
}

// BatchRequest is the request body for a batch calculation
type BatchRequest struct {
	Requests []CalculateRequest `json:"requests"`
}

// CalculateResponse is returned for a successful calculation
type CalculateResponse struct {
	CalculationID string                          `json:"calculation_id"`
	Result        *dosing.DosageCalculationResult `json:"result"`
}

// BatchItemResponse is the outcome of one batch entry
type BatchItemResponse struct {
	Index         int                             `json:"index"`
	Status        int                             `json:"status"`
	CalculationID string                          `json:"calculation_id,omitempty"`
	Result        *dosing.DosageCalculationResult `json:"result,omitempty"`
	Error         string                          `json:"error,omitempty"`
	Violations    []dosing.Violation              `json:"violations,omitempty"`
}

// AcknowledgeRequest is the request body for acknowledging a calculation
type AcknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
	Note           string `json:"note,omitempty"`
}

// Calculate handles POST /dosage/calculate
func (h *DosageHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.calculate(w, r, calculation.Request{
		DrugName:   req.DrugName,
		Indication: req.Indication,
		PatientRef: req.PatientRef,
		Vitals:     req.Vitals,
	})
}

// CalculateFromLabs handles POST /dosage/calculate/labs
func (h *DosageHandler) CalculateFromLabs(w http.ResponseWriter, r *http.Request) {
	var req LabsRequest
	if !h.decode(w, r, &req) {
		return
	}
	vitals, err := labs.FromLabValues(req.LabValues, req.Demographics)
	if err != nil {
		h.writeCalcError(w, r, err)
		return
	}
	h.calculate(w, r, calculation.Request{
		DrugName:   req.DrugName,
		Indication: req.Indication,
		PatientRef: req.PatientRef,
		Vitals:     vitals,
	})
}

// CalculateFromFHIR handles POST /dosage/calculate/fhir. Input problems are
// reported as FHIR OperationOutcome resources.
func (h *DosageHandler) CalculateFromFHIR(w http.ResponseWriter, r *http.Request) {
	var req FHIRRequest
	if !h.decode(w, r, &req) {
		return
	}

	patient, observations := req.Patient, req.Observations
	if req.Bundle != nil {
		var err error
		patient, observations, err = req.Bundle.Split()
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("structure", err.Error()))
			return
		}
	}
	if patient == nil {
		h.writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("required", "bundle or patient is required"))
		return
	}

	asOf := h.now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	vitals, err := labs.FromFHIR(patient, observations, asOf)
	if err != nil {
		var invalid *dosing.InvalidVitalsError
		if errors.As(err, &invalid) {
			h.writeJSON(w, http.StatusUnprocessableEntity, violationOutcome(invalid))
			return
		}
		h.writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("invalid", err.Error()))
		return
	}

	h.calculate(w, r, calculation.Request{
		DrugName:   req.DrugName,
		Indication: req.Indication,
		PatientRef: patient.Ref(),
		Vitals:     vitals,
	})
}

func violationOutcome(e *dosing.InvalidVitalsError) *fhir.OperationOutcome {
	issues := make([]fhir.OperationOutcomeIssue, len(e.Violations))
	for i, v := range e.Violations {
		issues[i] = fhir.OperationOutcomeIssue{
			Severity:    "error",
			Code:        "invalid",
			Diagnostics: v.Field + " " + v.Reason,
			Expression:  []string{v.Field},
		}
	}
	return fhir.NewOperationOutcome(issues...)
}

func (h *DosageHandler) calculate(w http.ResponseWriter, r *http.Request, req calculation.Request) {
	ctx, span := h.tracer.Start(r.Context(), "calculate_dosage",
		trace.WithAttributes(attribute.String("drug_name", req.DrugName)))
	defer span.End()

	req.ClientID = middleware.GetClientID(ctx)
	req.CorrelationID = middleware.GetRequestID(ctx)

	out, err := h.calc.Calculate(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.writeCalcError(w, r, err)
		return
	}

	h.logger.Info("dosage calculated",
		zap.String("calculation_id", out.CalculationID),
		zap.String("drug_name", out.Result.DrugName),
		zap.String("request_id", req.CorrelationID),
	)

	h.writeJSON(w, http.StatusOK, CalculateResponse{
		CalculationID: out.CalculationID,
		Result:        out.Result,
	})
}

// CalculateBatch handles POST /dosage/calculate/batch
func (h *DosageHandler) CalculateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Requests) == 0 {
		h.jsonError(w, "requests must not be empty", http.StatusBadRequest)
		return
	}
	if len(req.Requests) > MaxBatchSize {
		h.jsonError(w, "too many requests in batch", http.StatusRequestEntityTooLarge)
		return
	}

	ctx := r.Context()
	clientID := middleware.GetClientID(ctx)
	requestID := middleware.GetRequestID(ctx)

	reqs := make([]calculation.Request, len(req.Requests))
	for i, item := range req.Requests {
		reqs[i] = calculation.Request{
			DrugName:      item.DrugName,
			Indication:    item.Indication,
			PatientRef:    item.PatientRef,
			Vitals:        item.Vitals,
			ClientID:      clientID,
			CorrelationID: requestID,
		}
	}

	items := h.calc.CalculateBatch(ctx, reqs)
	resp := make([]BatchItemResponse, len(items))
	for i, item := range items {
		resp[i] = BatchItemResponse{Index: item.Index}
		if item.Err != nil {
			resp[i].Status = statusFor(item.Err)
			resp[i].Error = item.Err.Error()
			resp[i].CalculationID = calculationIDOf(item.Err)
			var invalid *dosing.InvalidVitalsError
			if errors.As(item.Err, &invalid) {
				resp[i].Violations = invalid.Violations
			}
			continue
		}
		resp[i].Status = http.StatusOK
		resp[i].CalculationID = item.Outcome.CalculationID
		resp[i].Result = item.Outcome.Result
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": resp})
}

// ListDrugs handles GET /drugs
func (h *DosageHandler) ListDrugs(w http.ResponseWriter, r *http.Request) {
	profiles := h.catalog.List()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"drugs": profiles,
		"count": len(profiles),
	})
}

// Classifications handles GET /classifications
func (h *DosageHandler) Classifications(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"renal":   dosing.RenalBands(),
		"hepatic": dosing.HepaticBands(),
	})
}

// Get handles GET /calculations/{id}
func (h *DosageHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.calc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCalcError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// GetEvents handles GET /calculations/{id}/events
func (h *DosageHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.calc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCalcError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// Acknowledge handles POST /calculations/{id}/acknowledge
func (h *DosageHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.calc.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.AcknowledgedBy, req.Note)
	if err != nil {
		h.writeCalcError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *DosageHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	var invalid *dosing.InvalidVitalsError
	var contraindicated *dosing.DrugContraindicatedError
	switch {
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.As(err, &contraindicated),
		errors.Is(err, calculation.ErrNotAcknowledgeable),
		errors.Is(err, calculation.ErrAlreadyAcknowledged),
		errors.Is(err, calculation.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrProfileNotFound),
		errors.Is(err, calculation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calculation.ErrAcknowledgerRequired):
		return http.StatusBadRequest
	case errors.Is(err, calculation.ErrHistoryDisabled):
		return http.StatusNotImplemented
	case circuitbreaker.IsOpenError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func calculationIDOf(err error) string {
	var calcErr *calculation.Error
	if errors.As(err, &calcErr) {
		return calcErr.CalculationID
	}
	return ""
}

func (h *DosageHandler) writeCalcError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError || code == http.StatusServiceUnavailable {
		h.logger.Error("dosage request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, http.StatusText(code), code)
		return
	}

	body := map[string]interface{}{"error": err.Error()}
	if id := calculationIDOf(err); id != "" {
		body["calculation_id"] = id
	}
	var invalid *dosing.InvalidVitalsError
	if errors.As(err, &invalid) {
		body["violations"] = invalid.Violations
	}
	h.writeJSON(w, code, body)
}

func (h *DosageHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *DosageHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
