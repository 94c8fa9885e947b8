package calculation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
)

// Status represents calculation status
type Status string

const (
	StatusPending         Status = "pending"
	StatusCalculated      Status = "calculated"
	StatusContraindicated Status = "contraindicated"
	StatusRejected        Status = "rejected"
)

var (
	// ErrAlreadyRecorded is returned when an outcome is recorded twice
	ErrAlreadyRecorded = errors.New("calculation outcome already recorded")
	// ErrNotAcknowledgeable is returned when acknowledging anything but a computed dose
	ErrNotAcknowledgeable = errors.New("only calculated doses can be acknowledged")
	// ErrAlreadyAcknowledged is returned on a second acknowledgement
	ErrAlreadyAcknowledged = errors.New("calculation already acknowledged")
	// ErrAcknowledgerRequired is returned when no clinician is named
	ErrAcknowledgerRequired = errors.New("acknowledged_by is required")
)

// Acknowledgement is a clinician's sign-off on a calculated dose
type Acknowledgement struct {
	By   string    `json:"by"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

// Aggregate represents one dosage calculation and what happened to it
type Aggregate struct {
	id              string
	version         int
	status          Status
	subject         Subject
	result          *dosing.DosageCalculationResult
	factors         *dosing.DerivedFactors
	reason          string
	violations      []dosing.Violation
	acknowledgement *Acknowledgement
	createdAt       time.Time
	updatedAt       time.Time
	changes         []*Event
}

// NewAggregate creates a new calculation aggregate
func NewAggregate(id string) *Aggregate {
	now := time.Now().UTC()
	return &Aggregate{
		id:        id,
		status:    StatusPending,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// Subject returns the drug, indication and vitals the calculation ran for
func (a *Aggregate) Subject() Subject { return a.subject }

// Result returns the computed dose, nil unless status is calculated
func (a *Aggregate) Result() *dosing.DosageCalculationResult { return a.result }

// Acknowledgement returns the sign-off, if any
func (a *Aggregate) Acknowledgement() *Acknowledgement { return a.acknowledgement }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = nil }

// RecordCalculated stores a successful calculation
func (a *Aggregate) RecordCalculated(subject Subject, result *dosing.DosageCalculationResult) (*Event, error) {
	if a.status != StatusPending {
		return nil, ErrAlreadyRecorded
	}
	return a.raise(EventDosageCalculated, &DosageCalculatedData{
		CalculationID: a.id,
		Subject:       subject,
		Result:        result,
	})
}

// RecordContraindicated stores a calculation stopped by a renal rule
func (a *Aggregate) RecordContraindicated(subject Subject, factors dosing.DerivedFactors, reason string) (*Event, error) {
	if a.status != StatusPending {
		return nil, ErrAlreadyRecorded
	}
	return a.raise(EventDosageContraindicated, &DosageContraindicatedData{
		CalculationID: a.id,
		Subject:       subject,
		Factors:       factors,
		Reason:        reason,
	})
}

// RecordRejected stores a calculation refused for invalid vitals
func (a *Aggregate) RecordRejected(subject Subject, violations []dosing.Violation) (*Event, error) {
	if a.status != StatusPending {
		return nil, ErrAlreadyRecorded
	}
	return a.raise(EventDosageRejected, &DosageRejectedData{
		CalculationID: a.id,
		Subject:       subject,
		Violations:    violations,
	})
}

// Acknowledge records clinician sign-off. Only a calculated dose can be
// acknowledged, and only once.
func (a *Aggregate) Acknowledge(by, note string) (*Event, error) {
	if by == "" {
		return nil, ErrAcknowledgerRequired
	}
	if a.status != StatusCalculated {
		return nil, ErrNotAcknowledgeable
	}
	if a.acknowledgement != nil {
		return nil, ErrAlreadyAcknowledged
	}
	return a.raise(EventDosageAcknowledged, &DosageAcknowledgedData{
		CalculationID:  a.id,
		AcknowledgedBy: by,
		Note:           note,
		AcknowledgedAt: time.Now().UTC(),
	})
}

func (a *Aggregate) raise(eventType EventType, data any) (*Event, error) {
	event, err := NewEvent(a.id, eventType, data)
	if err != nil {
		return nil, err
	}
	if err := a.apply(event); err != nil {
		return nil, err
	}
	event.Version = a.version
	a.changes = append(a.changes, event)
	return event, nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventDosageCalculated:
		var data DosageCalculatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusCalculated
		a.subject = data.Subject
		a.result = data.Result
	case EventDosageContraindicated:
		var data DosageContraindicatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusContraindicated
		a.subject = data.Subject
		a.factors = &data.Factors
		a.reason = data.Reason
	case EventDosageRejected:
		var data DosageRejectedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusRejected
		a.subject = data.Subject
		a.violations = data.Violations
	case EventDosageAcknowledged:
		var data DosageAcknowledgedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.acknowledgement = &Acknowledgement{By: data.AcknowledgedBy, Note: data.Note, At: data.AcknowledgedAt}
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}

	a.version++
	if a.version == 1 {
		a.createdAt = event.Timestamp
	}
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return err
		}
	}
	return nil
}

// View is the externally visible state of a calculation
type View struct {
	ID              string                          `json:"id"`
	Version         int                             `json:"version"`
	Status          Status                          `json:"status"`
	DrugName        string                          `json:"drug_name"`
	Indication      string                          `json:"indication"`
	PatientRef      string                          `json:"patient_ref,omitempty"`
	Result          *dosing.DosageCalculationResult `json:"result,omitempty"`
	Factors         *dosing.DerivedFactors          `json:"factors,omitempty"`
	Reason          string                          `json:"reason,omitempty"`
	Violations      []dosing.Violation              `json:"violations,omitempty"`
	Acknowledgement *Acknowledgement                `json:"acknowledgement,omitempty"`
	CreatedAt       time.Time                       `json:"created_at"`
	UpdatedAt       time.Time                       `json:"updated_at"`
}

// View returns a snapshot of the aggregate
func (a *Aggregate) View() *View {
	return &View{
		ID:              a.id,
		Version:         a.version,
		Status:          a.status,
		DrugName:        a.subject.DrugName,
		Indication:      a.subject.Indication,
		PatientRef:      a.subject.PatientRef,
		Result:          a.result,
		Factors:         a.factors,
		Reason:          a.reason,
		Violations:      a.violations,
		Acknowledgement: a.acknowledgement,
		CreatedAt:       a.createdAt,
		UpdatedAt:       a.updatedAt,
	}
}
