package dosing

import "math"

// RenalCategory is the renal function band derived from eGFR
type RenalCategory string

const (
	RenalNormal        RenalCategory = "normal"
	RenalMild          RenalCategory = "mild"
	RenalModerate      RenalCategory = "moderate"
	RenalSevere        RenalCategory = "severe"
	RenalKidneyFailure RenalCategory = "kidneyFailure"
)

// RenalBand maps eGFR values at or above MinEGFR to Category.
// The last band is the catch-all and its MinEGFR is not consulted.
type RenalBand struct {
	Category RenalCategory `json:"category"`
	MinEGFR  float64       `json:"min_egfr"`
}

// evaluated top-down, first match wins
var renalBands = []RenalBand{
	{Category: RenalNormal, MinEGFR: 90},
	{Category: RenalMild, MinEGFR: 60},
	{Category: RenalModerate, MinEGFR: 30},
	{Category: RenalSevere, MinEGFR: 15},
	{Category: RenalKidneyFailure},
}

// RenalBands returns a copy of the renal classification table
func RenalBands() []RenalBand {
	out := make([]RenalBand, len(renalBands))
	copy(out, renalBands)
	return out
}

// RenalCategories lists every category from best to worst function
func RenalCategories() []RenalCategory {
	out := make([]RenalCategory, len(renalBands))
	for i, b := range renalBands {
		out[i] = b.Category
	}
	return out
}

// Valid reports whether c is a known category
func (c RenalCategory) Valid() bool {
	for _, b := range renalBands {
		if b.Category == c {
			return true
		}
	}
	return false
}

// ClassifyRenal maps an eGFR in mL/min/1.73m² to its category
func ClassifyRenal(egfr float64) RenalCategory {
	last := len(renalBands) - 1
	for _, b := range renalBands[:last] {
		if egfr >= b.MinEGFR {
			return b.Category
		}
	}
	return renalBands[last].Category
}

// EGFR estimates glomerular filtration rate in mL/min/1.73m².
//
// This is the formula the clinic has always used: no race term and no 1.018
// female multiplier. It must not be swapped for textbook CKD-EPI without
// sign-off from the clinical owners.
func EGFR(ageYears int, sex Sex, creatinineMgDl float64) (float64, error) {
	var c violationCollector
	c.age(ageYears)
	c.sex(sex)
	c.positive(FieldCreatinine, creatinineMgDl)
	if err := c.err(); err != nil {
		return 0, err
	}
	return egfr(ageYears, sex, creatinineMgDl), nil
}

func egfr(ageYears int, sex Sex, creatinineMgDl float64) float64 {
	k, alpha := 0.9, -0.411
	if sex == SexFemale {
		k, alpha = 0.7, -0.329
	}
	ratio := creatinineMgDl / k
	return 141 *
		math.Pow(math.Min(ratio, 1), alpha) *
		math.Pow(math.Max(ratio, 1), -1.209) *
		math.Pow(0.993, float64(ageYears))
}
