// Package labs builds PatientVitals from the shapes callers actually hold:
// flat lab-value maps keyed by field name, and FHIR Patient plus
// Observation resources.
package labs

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
	"github.com/drfirst/go-dosecalc/internal/fhir/r5"
)

// Demographics are the non-laboratory inputs of a calculation
type Demographics struct {
	AgeYears int        `json:"age_years"`
	Sex      dosing.Sex `json:"sex"`
	HeightCm float64    `json:"height_cm"`
	WeightKg float64    `json:"weight_kg"`
}

// required lab keys, in report order
var labKeys = []string{
	dosing.FieldCreatinine,
	dosing.FieldALT,
	dosing.FieldAST,
	dosing.FieldBilirubin,
	dosing.FieldAlbumin,
}

// FromLabValues maps lab values keyed by field name (creatinine_mg_dl,
// alt_u_l, ...) onto vitals. Height and weight may come from either
// argument; demographics win. Unknown keys such as egfr_ml_min are ignored
// because eGFR is always recomputed.
func FromLabValues(values map[string]float64, d Demographics) (dosing.PatientVitals, error) {
	v := dosing.PatientVitals{
		HeightCm: pick(d.HeightCm, values[dosing.FieldHeight]),
		WeightKg: pick(d.WeightKg, values[dosing.FieldWeight]),
		AgeYears: d.AgeYears,
		Sex:      normalizeSex(string(d.Sex)),
	}

	var missing []dosing.Violation
	if v.HeightCm == 0 {
		missing = append(missing, required(dosing.FieldHeight))
	}
	if v.WeightKg == 0 {
		missing = append(missing, required(dosing.FieldWeight))
	}

	for _, key := range labKeys {
		x, ok := values[key]
		if !ok {
			missing = append(missing, required(key))
			continue
		}
		*field(&v, key) = x
	}

	if err := rejectWith(missing, v); err != nil {
		return dosing.PatientVitals{}, err
	}
	return v, nil
}

// LOINC codes of the observations a calculation needs
const (
	LOINCBodyHeight = "8302-2"
	LOINCBodyWeight = "29463-7"
	LOINCCreatinine = "2160-0"
	LOINCALT        = "1742-6"
	LOINCAST        = "1920-8"
	LOINCBilirubin  = "1975-2"
	LOINCAlbumin    = "1751-7"
)

// measure describes how one LOINC-coded observation lands in vitals. units
// maps accepted UCUM codes to the factor converting into the field's unit.
type measure struct {
	loinc string
	field string
	units map[string]float64
}

var measures = []measure{
	{LOINCBodyHeight, dosing.FieldHeight, map[string]float64{"cm": 1, "m": 100, "[in_i]": 2.54, "in": 2.54}},
	{LOINCBodyWeight, dosing.FieldWeight, map[string]float64{"kg": 1, "g": 0.001, "[lb_av]": 0.45359237, "lb": 0.45359237}},
	{LOINCCreatinine, dosing.FieldCreatinine, map[string]float64{"mg/dL": 1, "umol/L": 1 / 88.42, "µmol/L": 1 / 88.42}},
	{LOINCALT, dosing.FieldALT, map[string]float64{"U/L": 1, "[IU]/L": 1, "IU/L": 1}},
	{LOINCAST, dosing.FieldAST, map[string]float64{"U/L": 1, "[IU]/L": 1, "IU/L": 1}},
	{LOINCBilirubin, dosing.FieldBilirubin, map[string]float64{"mg/dL": 1, "umol/L": 1 / 17.1, "µmol/L": 1 / 17.1}},
	{LOINCAlbumin, dosing.FieldAlbumin, map[string]float64{"g/dL": 1, "g/L": 0.1}},
}

// FromFHIR maps a Patient and its Observations onto vitals. Age is taken
// at asOf. For each measure the latest usable observation wins. Genders
// other than male and female are passed through for validation to reject.
func FromFHIR(patient *r5.Patient, observations []r5.Observation, asOf time.Time) (dosing.PatientVitals, error) {
	if patient == nil {
		return dosing.PatientVitals{}, fmt.Errorf("patient is required")
	}

	var v dosing.PatientVitals
	var violations []dosing.Violation

	age, err := patient.AgeAt(asOf)
	if err != nil {
		violations = append(violations, dosing.Violation{Field: dosing.FieldAge, Reason: err.Error()})
	}
	v.AgeYears = age
	v.Sex = normalizeSex(patient.Gender)

	latest := latestByLOINC(observations)
	for _, m := range measures {
		obs, ok := latest[m.loinc]
		if !ok {
			violations = append(violations, dosing.Violation{
				Field:  m.field,
				Reason: fmt.Sprintf("no usable observation with LOINC %s", m.loinc),
			})
			continue
		}
		unit := obs.ValueQuantity.UnitCode()
		factor, ok := m.units[unit]
		if unit == "" {
			factor, ok = 1, true
		}
		if !ok {
			violations = append(violations, dosing.Violation{
				Field:  m.field,
				Reason: fmt.Sprintf("unsupported unit %q for LOINC %s", unit, m.loinc),
			})
			continue
		}
		*field(&v, m.field) = *obs.ValueQuantity.Value * factor
	}

	if err := rejectWith(violations, v); err != nil {
		return dosing.PatientVitals{}, err
	}
	return v, nil
}

// rejectWith completes a non-empty list of mapping violations with what
// validation finds in the fields that did map, one entry per field.
func rejectWith(violations []dosing.Violation, v dosing.PatientVitals) error {
	if len(violations) == 0 {
		return nil
	}
	var invalid *dosing.InvalidVitalsError
	if errors.As(v.Validate(), &invalid) {
		seen := make(map[string]bool, len(violations))
		for _, x := range violations {
			seen[x.Field] = true
		}
		for _, x := range invalid.Violations {
			if !seen[x.Field] {
				violations = append(violations, x)
			}
		}
	}
	return &dosing.InvalidVitalsError{Violations: violations}
}

func latestByLOINC(observations []r5.Observation) map[string]*r5.Observation {
	latest := make(map[string]*r5.Observation)
	for i := range observations {
		o := &observations[i]
		if !o.Usable() || o.ValueQuantity == nil || o.ValueQuantity.Value == nil {
			continue
		}
		if math.IsNaN(*o.ValueQuantity.Value) {
			continue
		}
		code := o.LOINC()
		if prev, ok := latest[code]; !ok || o.Effective().After(prev.Effective()) {
			latest[code] = o
		}
	}
	return latest
}

func field(v *dosing.PatientVitals, name string) *float64 {
	switch name {
	case dosing.FieldHeight:
		return &v.HeightCm
	case dosing.FieldWeight:
		return &v.WeightKg
	case dosing.FieldCreatinine:
		return &v.SerumCreatinineMgDl
	case dosing.FieldALT:
		return &v.ALTUL
	case dosing.FieldAST:
		return &v.ASTUL
	case dosing.FieldBilirubin:
		return &v.BilirubinMgDl
	case dosing.FieldAlbumin:
		return &v.AlbuminGDl
	}
	panic("labs: unknown vitals field " + name)
}

func pick(primary, fallback float64) float64 {
	if primary != 0 {
		return primary
	}
	return fallback
}

func required(field string) dosing.Violation {
	return dosing.Violation{Field: field, Reason: "is required"}
}

func normalizeSex(s string) dosing.Sex {
	return dosing.Sex(strings.ToLower(strings.TrimSpace(s)))
}
