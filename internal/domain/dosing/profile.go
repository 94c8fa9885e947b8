package dosing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Contraindicated is the rule value that forbids a drug for a renal category
const Contraindicated = "contraindicated"

// RenalAdjustment is either a dose multiplier or a contraindication
type RenalAdjustment struct {
	Multiplier      float64
	Contraindicated bool
}

// Multiply returns a renal adjustment scaling the dose by m
func Multiply(m float64) RenalAdjustment {
	return RenalAdjustment{Multiplier: m}
}

// Forbid returns a renal adjustment that contraindicates the drug
func Forbid() RenalAdjustment {
	return RenalAdjustment{Contraindicated: true}
}

// MarshalJSON encodes the adjustment as a number or "contraindicated"
func (a RenalAdjustment) MarshalJSON() ([]byte, error) {
	if a.Contraindicated {
		return json.Marshal(Contraindicated)
	}
	return json.Marshal(a.Multiplier)
}

// UnmarshalJSON accepts a number or the string "contraindicated"
func (a *RenalAdjustment) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseRenalAdjustment(s)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	}
	var m float64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("renal adjustment must be a number or %q", Contraindicated)
	}
	*a = Multiply(m)
	return nil
}

// ParseRenalAdjustment parses the textual form of a renal rule value
func ParseRenalAdjustment(s string) (RenalAdjustment, error) {
	if strings.EqualFold(strings.TrimSpace(s), Contraindicated) {
		return Forbid(), nil
	}
	m, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return RenalAdjustment{}, fmt.Errorf("renal adjustment %q must be a number or %q", s, Contraindicated)
	}
	return Multiply(m), nil
}

// DrugDosingProfile is the reference dosing data for one drug and indication
type DrugDosingProfile struct {
	DrugName              string                            `json:"drug_name"`
	Indication            string                            `json:"indication"`
	BaseDoseMg            float64                           `json:"base_dose_mg"`
	Frequency             string                            `json:"frequency"`
	RenalAdjustmentRule   map[RenalCategory]RenalAdjustment `json:"renal_adjustment_rule"`
	HepaticAdjustmentRule map[ChildPughClass]float64        `json:"hepatic_adjustment_rule"`
	MonitoringRequired    bool                              `json:"monitoring_required"`
	MonitoringFrequency   string                            `json:"monitoring_frequency"`
}

// renalAdjustment returns the rule for c; a missing entry means no change
func (p *DrugDosingProfile) renalAdjustment(c RenalCategory) RenalAdjustment {
	if a, ok := p.RenalAdjustmentRule[c]; ok {
		return a
	}
	return Multiply(1)
}

// hepaticMultiplier returns the rule for c; a missing entry means no change
func (p *DrugDosingProfile) hepaticMultiplier(c ChildPughClass) float64 {
	if m, ok := p.HepaticAdjustmentRule[c]; ok {
		return m
	}
	return 1
}

// Check reports structural problems in a profile: missing names, a
// non-positive base dose, zero or negative multipliers or unknown rule keys.
// A drug that must be stopped is marked contraindicated, never scaled to 0.
// Completeness of the rule maps is not required.
func (p *DrugDosingProfile) Check() error {
	var errs []error
	if strings.TrimSpace(p.DrugName) == "" {
		errs = append(errs, errors.New("drug_name is required"))
	}
	if strings.TrimSpace(p.Indication) == "" {
		errs = append(errs, errors.New("indication is required"))
	}
	if !(p.BaseDoseMg > 0) {
		errs = append(errs, fmt.Errorf("base_dose_mg must be positive, got %v", p.BaseDoseMg))
	}
	for c, a := range p.RenalAdjustmentRule {
		if !c.Valid() {
			errs = append(errs, fmt.Errorf("unknown renal category %q", c))
		}
		if !a.Contraindicated && !validMultiplier(a.Multiplier) {
			errs = append(errs, fmt.Errorf("renal multiplier for %s must be a finite positive number", c))
		}
	}
	for c, m := range p.HepaticAdjustmentRule {
		if !c.Valid() {
			errs = append(errs, fmt.Errorf("unknown Child-Pugh class %q", c))
		}
		if !validMultiplier(m) {
			errs = append(errs, fmt.Errorf("hepatic multiplier for class %s must be a finite positive number", c))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("profile %s/%s: %w", p.DrugName, p.Indication, errors.Join(errs...))
}

func validMultiplier(m float64) bool {
	return m > 0 && !math.IsInf(m, 1)
}
