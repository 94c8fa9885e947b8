package dosing

import "errors"

// StandardDosing is the only label when no multiplier changed the dose
const StandardDosing = "Standard dosing"

// ErrNilProfile is returned when CalculateDosage is called without a profile
var ErrNilProfile = errors.New("dosing profile is required")

// DerivedFactors are the organ-function measures computed from vitals
type DerivedFactors struct {
	BSAM2          float64        `json:"bsa_m2"`
	EGFRMlMin      float64        `json:"egfr_ml_min"`
	RenalCategory  RenalCategory  `json:"renal_category"`
	ChildPughScore int            `json:"child_pugh_score"`
	ChildPughClass ChildPughClass `json:"child_pugh_class"`
}

// DosageCalculationResult is the outcome of a successful calculation
type DosageCalculationResult struct {
	DrugName            string         `json:"drug_name"`
	Indication          string         `json:"indication"`
	AdjustedDoseMg      float64        `json:"adjusted_dose_mg"`
	Frequency           string         `json:"frequency"`
	AppliedAdjustments  []string       `json:"applied_adjustments"`
	MonitoringRequired  bool           `json:"monitoring_required"`
	MonitoringFrequency string         `json:"monitoring_frequency"`
	BSAM2               float64        `json:"bsa_m2"`
	EGFRMlMin           float64        `json:"egfr_ml_min"`
	RenalCategory       RenalCategory  `json:"renal_category"`
	ChildPughScore      int            `json:"child_pugh_score"`
	ChildPughClass      ChildPughClass `json:"child_pugh_class"`
}

// Derive validates vitals and computes BSA, eGFR and Child-Pugh with their
// classifications.
func Derive(v PatientVitals) (DerivedFactors, error) {
	if err := v.Validate(); err != nil {
		return DerivedFactors{}, err
	}
	e := egfr(v.AgeYears, v.Sex, v.SerumCreatinineMgDl)
	score := childPughScore(v.BilirubinMgDl, v.AlbuminGDl, v.ALTUL, v.ASTUL)
	return DerivedFactors{
		BSAM2:          bsa(v.HeightCm, v.WeightKg),
		EGFRMlMin:      e,
		RenalCategory:  ClassifyRenal(e),
		ChildPughScore: score,
		ChildPughClass: ClassifyHepatic(score),
	}, nil
}

// CalculateDosage adjusts the profile's base dose for the patient's renal
// and hepatic function.
//
// Renal adjustment is applied before hepatic; both multiply the base dose,
// so the order only shows in the label sequence. A contraindicated renal
// rule stops the calculation with *DrugContraindicatedError.
func CalculateDosage(v PatientVitals, profile *DrugDosingProfile) (*DosageCalculationResult, error) {
	if profile == nil {
		return nil, ErrNilProfile
	}
	f, err := Derive(v)
	if err != nil {
		return nil, err
	}

	dose := profile.BaseDoseMg
	var applied []string

	renal := profile.renalAdjustment(f.RenalCategory)
	if renal.Contraindicated {
		return nil, &DrugContraindicatedError{DrugName: profile.DrugName, RenalCategory: f.RenalCategory}
	}
	dose *= renal.Multiplier
	if renal.Multiplier != 1 {
		applied = append(applied, "Renal adjustment: "+string(f.RenalCategory))
	}

	hepatic := profile.hepaticMultiplier(f.ChildPughClass)
	dose *= hepatic
	if hepatic != 1 {
		applied = append(applied, "Hepatic adjustment: "+string(f.ChildPughClass))
	}

	if len(applied) == 0 {
		applied = []string{StandardDosing}
	}

	return &DosageCalculationResult{
		DrugName:            profile.DrugName,
		Indication:          profile.Indication,
		AdjustedDoseMg:      dose,
		Frequency:           profile.Frequency,
		AppliedAdjustments:  applied,
		MonitoringRequired:  profile.MonitoringRequired || impaired(f),
		MonitoringFrequency: profile.MonitoringFrequency,
		BSAM2:               f.BSAM2,
		EGFRMlMin:           f.EGFRMlMin,
		RenalCategory:       f.RenalCategory,
		ChildPughScore:      f.ChildPughScore,
		ChildPughClass:      f.ChildPughClass,
	}, nil
}

// impaired reports organ impairment that forces monitoring regardless of
// the profile's own flag
func impaired(f DerivedFactors) bool {
	switch f.RenalCategory {
	case RenalSevere, RenalKidneyFailure:
		return true
	}
	switch f.ChildPughClass {
	case ChildPughB, ChildPughC:
		return true
	}
	return false
}
