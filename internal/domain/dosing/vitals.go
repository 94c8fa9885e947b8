// Package dosing implements the dosage adjustment engine: body surface area,
// renal and hepatic function scoring, and per-drug dose adjustment.
//
// Everything in this package is a pure function of its inputs. Nothing is
// cached, logged or persisted here.
package dosing

import "math"

// Sex is the biological sex used by the eGFR formula
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

// Valid reports whether the eGFR formula has a branch for s
func (s Sex) Valid() bool {
	return s == SexMale || s == SexFemale
}

// Vital field names as reported in violations
const (
	FieldHeight     = "height_cm"
	FieldWeight     = "weight_kg"
	FieldAge        = "age_years"
	FieldSex        = "sex"
	FieldCreatinine = "creatinine_mg_dl"
	FieldALT        = "alt_u_l"
	FieldAST        = "ast_u_l"
	FieldBilirubin  = "bilirubin_mg_dl"
	FieldAlbumin    = "albumin_g_dl"
)

// PatientVitals holds the measurements a calculation is based on
type PatientVitals struct {
	HeightCm            float64 `json:"height_cm"`
	WeightKg            float64 `json:"weight_kg"`
	AgeYears            int     `json:"age_years"`
	Sex                 Sex     `json:"sex"`
	SerumCreatinineMgDl float64 `json:"creatinine_mg_dl"`
	ALTUL               float64 `json:"alt_u_l"`
	ASTUL               float64 `json:"ast_u_l"`
	BilirubinMgDl       float64 `json:"bilirubin_mg_dl"`
	AlbuminGDl          float64 `json:"albumin_g_dl"`
}

// Validate checks every field and returns an *InvalidVitalsError listing all
// violations, or nil.
func (v PatientVitals) Validate() error {
	var c violationCollector
	c.positive(FieldHeight, v.HeightCm)
	c.positive(FieldWeight, v.WeightKg)
	c.age(v.AgeYears)
	c.sex(v.Sex)
	c.positive(FieldCreatinine, v.SerumCreatinineMgDl)
	c.nonNegative(FieldALT, v.ALTUL)
	c.nonNegative(FieldAST, v.ASTUL)
	c.nonNegative(FieldBilirubin, v.BilirubinMgDl)
	c.nonNegative(FieldAlbumin, v.AlbuminGDl)
	return c.err()
}

type violationCollector struct {
	violations []Violation
}

func (c *violationCollector) add(field, reason string) {
	c.violations = append(c.violations, Violation{Field: field, Reason: reason})
}

func (c *violationCollector) positive(field string, x float64) {
	switch {
	case math.IsNaN(x) || math.IsInf(x, 0):
		c.add(field, "must be a finite number")
	case x <= 0:
		c.add(field, "must be greater than zero")
	}
}

func (c *violationCollector) nonNegative(field string, x float64) {
	switch {
	case math.IsNaN(x) || math.IsInf(x, 0):
		c.add(field, "must be a finite number")
	case x < 0:
		c.add(field, "must not be negative")
	}
}

func (c *violationCollector) age(years int) {
	if years < 0 {
		c.add(FieldAge, "must not be negative")
	}
}

func (c *violationCollector) sex(s Sex) {
	if !s.Valid() {
		c.add(FieldSex, `must be "male" or "female"`)
	}
}

func (c *violationCollector) err() error {
	if len(c.violations) == 0 {
		return nil
	}
	return &InvalidVitalsError{Violations: c.violations}
}
