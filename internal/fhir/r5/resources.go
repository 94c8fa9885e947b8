package r5

import (
	"encoding/json"
	"fmt"
	"time"
)

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string       `json:"birthDate,omitempty"`
}

// GetMRN returns the patient's medical record number.
func (p *Patient) GetMRN() string {
	for _, id := range p.Identifier {
		if id.Type != nil {
			for _, coding := range id.Type.Coding {
				if coding.Code == "MR" {
					return id.Value
				}
			}
		}
		if id.System == SystemMRN {
			return id.Value
		}
	}
	return ""
}

// Ref returns a stable reference for audit records: the MRN when present,
// otherwise "Patient/{id}".
func (p *Patient) Ref() string {
	if mrn := p.GetMRN(); mrn != "" {
		return mrn
	}
	if p.ID != "" {
		return "Patient/" + p.ID
	}
	return ""
}

// birthDate layouts in decreasing precision
var birthDateLayouts = []string{"2006-01-02", "2006-01", "2006"}

// AgeAt returns completed years between birthDate and asOf. Partial dates
// are taken as the first day of the missing month or year.
func (p *Patient) AgeAt(asOf time.Time) (int, error) {
	if p.BirthDate == "" {
		return 0, fmt.Errorf("patient has no birthDate")
	}
	var born time.Time
	var err error
	for _, layout := range birthDateLayouts {
		if born, err = time.Parse(layout, p.BirthDate); err == nil {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("invalid birthDate %q", p.BirthDate)
	}

	years := asOf.Year() - born.Year()
	if asOf.Month() < born.Month() || (asOf.Month() == born.Month() && asOf.Day() < born.Day()) {
		years--
	}
	return years, nil
}

// Observation represents a FHIR R5 Observation resource carrying a
// quantitative result.
type Observation struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Meta              *Meta             `json:"meta,omitempty"`
	Status            string            `json:"status"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept   `json:"code"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime *time.Time        `json:"effectiveDateTime,omitempty"`
	Issued            *time.Time        `json:"issued,omitempty"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
}

// LOINC returns the observation's LOINC code.
func (o *Observation) LOINC() string {
	return o.Code.Code(SystemLOINC)
}

// Usable reports whether the result may be used clinically.
func (o *Observation) Usable() bool {
	switch o.Status {
	case ObservationFinal, ObservationAmended, ObservationCorrected, ObservationPreliminary, "":
		return true
	}
	return false
}

// Effective returns when the observation was made, or the zero time.
func (o *Observation) Effective() time.Time {
	switch {
	case o.EffectiveDateTime != nil:
		return *o.EffectiveDateTime
	case o.Issued != nil:
		return *o.Issued
	}
	return time.Time{}
}

// Bundle represents a FHIR R5 Bundle of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"` // collection | transaction | searchset | ...
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// Split decodes the Patient and Observation entries of a bundle. Other
// resource types are skipped.
func (b *Bundle) Split() (*Patient, []Observation, error) {
	var patient *Patient
	var observations []Observation

	for i, entry := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &head); err != nil {
			return nil, nil, fmt.Errorf("entry %d: %w", i, err)
		}
		switch head.ResourceType {
		case "Patient":
			if patient != nil {
				return nil, nil, fmt.Errorf("entry %d: bundle has more than one Patient", i)
			}
			patient = &Patient{}
			if err := json.Unmarshal(entry.Resource, patient); err != nil {
				return nil, nil, fmt.Errorf("entry %d: %w", i, err)
			}
		case "Observation":
			var obs Observation
			if err := json.Unmarshal(entry.Resource, &obs); err != nil {
				return nil, nil, fmt.Errorf("entry %d: %w", i, err)
			}
			observations = append(observations, obs)
		}
	}

	if patient == nil {
		return nil, nil, fmt.Errorf("bundle has no Patient")
	}
	return patient, observations, nil
}
