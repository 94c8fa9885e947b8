// Package calculation records dosage calculations as an event-sourced
// history and exposes the service that runs them.
package calculation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
)

// AggregateType names calculation aggregates in the event store and outbox
const AggregateType = "DosageCalculation"

// EventType represents the type of domain event
type EventType string

const (
	EventDosageCalculated      EventType = "DosageCalculated"
	EventDosageContraindicated EventType = "DosageContraindicated"
	EventDosageRejected        EventType = "DosageRejected"
	EventDosageAcknowledged    EventType = "DosageAcknowledged"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	ClientID      string          `json:"client_id,omitempty"`
	PatientRef    string          `json:"patient_ref,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(clientID, patientRef, correlationID string) *Event {
	e.ClientID = clientID
	e.PatientRef = patientRef
	e.CorrelationID = correlationID
	return e
}

// Subject identifies what a calculation was run for
type Subject struct {
	DrugName   string               `json:"drug_name"`
	Indication string               `json:"indication"`
	PatientRef string               `json:"patient_ref,omitempty"`
	Vitals     dosing.PatientVitals `json:"vitals"`
}

// DosageCalculatedData carries a successful calculation
type DosageCalculatedData struct {
	CalculationID string                          `json:"calculation_id"`
	Subject       Subject                         `json:"subject"`
	Result        *dosing.DosageCalculationResult `json:"result"`
}

// DosageContraindicatedData carries a calculation stopped by a renal rule
type DosageContraindicatedData struct {
	CalculationID string                `json:"calculation_id"`
	Subject       Subject               `json:"subject"`
	Factors       dosing.DerivedFactors `json:"factors"`
	Reason        string                `json:"reason"`
}

// DosageRejectedData carries the violations of rejected vitals
type DosageRejectedData struct {
	CalculationID string             `json:"calculation_id"`
	Subject       Subject            `json:"subject"`
	Violations    []dosing.Violation `json:"violations"`
}

// DosageAcknowledgedData records clinician sign-off on a dose
type DosageAcknowledgedData struct {
	CalculationID  string    `json:"calculation_id"`
	AcknowledgedBy string    `json:"acknowledged_by"`
	Note           string    `json:"note,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}
