package dosing

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
)

func sertraline() *DrugDosingProfile {
	return &DrugDosingProfile{
		DrugName:   "Sertraline",
		Indication: "Depression",
		BaseDoseMg: 50,
		Frequency:  "once daily",
		RenalAdjustmentRule: map[RenalCategory]RenalAdjustment{
			RenalNormal:        Multiply(1),
			RenalMild:          Multiply(1),
			RenalModerate:      Multiply(1),
			RenalSevere:        Multiply(1),
			RenalKidneyFailure: Multiply(1),
		},
		HepaticAdjustmentRule: map[ChildPughClass]float64{
			ChildPughA: 1,
			ChildPughB: 0.5,
			ChildPughC: 0.25,
		},
		MonitoringFrequency: "every 4 weeks",
	}
}

func renallyCleared() *DrugDosingProfile {
	return &DrugDosingProfile{
		DrugName:   "Lithium",
		Indication: "Bipolar disorder",
		BaseDoseMg: 900,
		Frequency:  "divided twice daily",
		RenalAdjustmentRule: map[RenalCategory]RenalAdjustment{
			RenalNormal:        Multiply(1),
			RenalMild:          Multiply(0.75),
			RenalModerate:      Multiply(0.5),
			RenalSevere:        Multiply(0.25),
			RenalKidneyFailure: Forbid(),
		},
		HepaticAdjustmentRule: map[ChildPughClass]float64{
			ChildPughA: 1,
			ChildPughB: 1,
			ChildPughC: 1,
		},
		MonitoringRequired:  true,
		MonitoringFrequency: "serum levels every 3 months",
	}
}

func healthyMale() PatientVitals {
	return PatientVitals{
		HeightCm:            170,
		WeightKg:            75,
		AgeYears:            45,
		Sex:                 SexMale,
		SerumCreatinineMgDl: 1.2,
		ALTUL:               35,
		ASTUL:               30,
		BilirubinMgDl:       0.8,
		AlbuminGDl:          4.2,
	}
}

func TestCalculateDosageStandardDosing(t *testing.T) {
	res, err := CalculateDosage(healthyMale(), sertraline())
	if err != nil {
		t.Fatalf("CalculateDosage: %v", err)
	}

	if math.Abs(res.BSAM2-1.86) > 0.01 {
		t.Errorf("bsa = %.3f, want ~1.86", res.BSAM2)
	}
	if res.RenalCategory != RenalMild {
		t.Errorf("renal category = %s, want mild (egfr %.1f)", res.RenalCategory, res.EGFRMlMin)
	}
	if res.ChildPughScore != 3 || res.ChildPughClass != ChildPughA {
		t.Errorf("child-pugh = %d/%s, want 3/A", res.ChildPughScore, res.ChildPughClass)
	}
	if res.AdjustedDoseMg != 50 {
		t.Errorf("dose = %v, want 50", res.AdjustedDoseMg)
	}
	if !reflect.DeepEqual(res.AppliedAdjustments, []string{StandardDosing}) {
		t.Errorf("adjustments = %v, want [%s]", res.AppliedAdjustments, StandardDosing)
	}
	if res.MonitoringRequired {
		t.Error("monitoring should not be required")
	}
	if res.MonitoringFrequency != "every 4 weeks" || res.Frequency != "once daily" {
		t.Errorf("profile fields not echoed: %+v", res)
	}
}

func TestCalculateDosageRenalAdjustment(t *testing.T) {
	v := healthyMale()
	v.AgeYears = 60
	v.SerumCreatinineMgDl = 1.5 // eGFR ~49.9

	res, err := CalculateDosage(v, renallyCleared())
	if err != nil {
		t.Fatalf("CalculateDosage: %v", err)
	}
	if res.RenalCategory != RenalModerate {
		t.Fatalf("renal category = %s, want moderate", res.RenalCategory)
	}
	if res.AdjustedDoseMg != 900*0.5 {
		t.Errorf("dose = %v, want %v", res.AdjustedDoseMg, 900*0.5)
	}
	want := []string{"Renal adjustment: moderate"}
	if !reflect.DeepEqual(res.AppliedAdjustments, want) {
		t.Errorf("adjustments = %v, want %v", res.AppliedAdjustments, want)
	}
	if !res.MonitoringRequired {
		t.Error("profile requires monitoring")
	}
}

func TestCalculateDosageContraindicated(t *testing.T) {
	v := healthyMale()
	v.AgeYears = 60
	v.SerumCreatinineMgDl = 6.0 // eGFR ~9.3

	res, err := CalculateDosage(v, renallyCleared())
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	var ci *DrugContraindicatedError
	if !errors.As(err, &ci) {
		t.Fatalf("expected DrugContraindicatedError, got %v", err)
	}
	if ci.DrugName != "Lithium" || ci.RenalCategory != RenalKidneyFailure {
		t.Errorf("unexpected error detail: %+v", ci)
	}
}

func TestCalculateDosageContraindicationSkipsHepatic(t *testing.T) {
	p := renallyCleared()
	p.HepaticAdjustmentRule[ChildPughB] = 0.5
	v := healthyMale()
	v.AgeYears = 60
	v.SerumCreatinineMgDl = 6.0
	v.BilirubinMgDl = 3.5
	v.AlbuminGDl = 2.5
	v.ALTUL, v.ASTUL = 90, 90

	_, err := CalculateDosage(v, p)
	var ci *DrugContraindicatedError
	if !errors.As(err, &ci) {
		t.Fatalf("expected DrugContraindicatedError, got %v", err)
	}
}

func TestCalculateDosageRenalThenHepaticOrder(t *testing.T) {
	p := renallyCleared()
	p.HepaticAdjustmentRule[ChildPughB] = 0.5
	v := healthyMale()
	v.AgeYears = 60
	v.SerumCreatinineMgDl = 2.5 // severe
	v.BilirubinMgDl = 3.5
	v.AlbuminGDl = 2.5
	v.ALTUL, v.ASTUL = 90, 90 // score 9, class B

	res, err := CalculateDosage(v, p)
	if err != nil {
		t.Fatalf("CalculateDosage: %v", err)
	}
	want := []string{"Renal adjustment: severe", "Hepatic adjustment: B"}
	if !reflect.DeepEqual(res.AppliedAdjustments, want) {
		t.Errorf("adjustments = %v, want %v", res.AppliedAdjustments, want)
	}
	if res.AdjustedDoseMg != 900*0.25*0.5 {
		t.Errorf("dose = %v, want %v", res.AdjustedDoseMg, 900*0.25*0.5)
	}
}

func TestCalculateDosageMonitoringEscalation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PatientVitals)
		want   bool
	}{
		{"healthy", func(v *PatientVitals) {}, false},
		{"moderate renal", func(v *PatientVitals) { v.AgeYears, v.SerumCreatinineMgDl = 60, 1.5 }, false},
		{"severe renal", func(v *PatientVitals) { v.AgeYears, v.SerumCreatinineMgDl = 60, 2.5 }, true},
		{"kidney failure", func(v *PatientVitals) { v.AgeYears, v.SerumCreatinineMgDl = 60, 6.0 }, true},
		{"class B", func(v *PatientVitals) { v.BilirubinMgDl, v.AlbuminGDl = 3.5, 3.0; v.ALTUL = 60 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := healthyMale()
			tt.mutate(&v)
			p := sertraline()
			p.HepaticAdjustmentRule = nil
			res, err := CalculateDosage(v, p)
			if err != nil {
				t.Fatalf("CalculateDosage: %v", err)
			}
			if res.MonitoringRequired != tt.want {
				t.Errorf("monitoring = %v, want %v (renal %s, class %s)",
					res.MonitoringRequired, tt.want, res.RenalCategory, res.ChildPughClass)
			}
		})
	}
}

func TestCalculateDosageMissingRuleMeansNoChange(t *testing.T) {
	p := &DrugDosingProfile{DrugName: "Bupropion", Indication: "Depression", BaseDoseMg: 150}
	res, err := CalculateDosage(healthyMale(), p)
	if err != nil {
		t.Fatalf("CalculateDosage: %v", err)
	}
	if res.AdjustedDoseMg != 150 {
		t.Errorf("dose = %v, want 150", res.AdjustedDoseMg)
	}
	if !reflect.DeepEqual(res.AppliedAdjustments, []string{StandardDosing}) {
		t.Errorf("adjustments = %v", res.AppliedAdjustments)
	}
}

func TestCalculateDosageCollectsAllViolations(t *testing.T) {
	v := PatientVitals{
		HeightCm:            0,
		WeightKg:            70,
		AgeYears:            -2,
		Sex:                 Sex("other"),
		SerumCreatinineMgDl: 0,
		ALTUL:               -1,
		ASTUL:               20,
		BilirubinMgDl:       math.NaN(),
		AlbuminGDl:          4,
	}
	_, err := CalculateDosage(v, sertraline())
	var iv *InvalidVitalsError
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvalidVitalsError, got %v", err)
	}
	want := []string{FieldHeight, FieldAge, FieldSex, FieldCreatinine, FieldALT, FieldBilirubin}
	if !reflect.DeepEqual(iv.Fields(), want) {
		t.Errorf("fields = %v, want %v", iv.Fields(), want)
	}
}

func TestCalculateDosageNilProfile(t *testing.T) {
	if _, err := CalculateDosage(healthyMale(), nil); !errors.Is(err, ErrNilProfile) {
		t.Errorf("expected ErrNilProfile, got %v", err)
	}
}

func TestCalculateDosageIdempotent(t *testing.T) {
	v := healthyMale()
	v.SerumCreatinineMgDl = 1.9
	p := renallyCleared()

	first, err := CalculateDosage(v, p)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := CalculateDosage(v, p)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ:\n%+v\n%+v", first, second)
	}
	if math.Float64bits(first.AdjustedDoseMg) != math.Float64bits(second.AdjustedDoseMg) {
		t.Error("adjusted dose not bit-identical")
	}
}

func TestRenalAdjustmentJSON(t *testing.T) {
	var rule map[RenalCategory]RenalAdjustment
	data := []byte(`{"normal": 1, "moderate": 0.5, "kidneyFailure": "contraindicated"}`)
	if err := json.Unmarshal(data, &rule); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rule[RenalModerate].Multiplier != 0.5 || rule[RenalModerate].Contraindicated {
		t.Errorf("moderate = %+v", rule[RenalModerate])
	}
	if !rule[RenalKidneyFailure].Contraindicated {
		t.Errorf("kidneyFailure = %+v", rule[RenalKidneyFailure])
	}

	out, err := json.Marshal(Forbid())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"contraindicated"` {
		t.Errorf("marshal = %s", out)
	}

	var bad RenalAdjustment
	if err := json.Unmarshal([]byte(`"halve"`), &bad); err == nil {
		t.Error("expected error for unknown rule text")
	}
}

func TestProfileCheck(t *testing.T) {
	if err := sertraline().Check(); err != nil {
		t.Errorf("valid profile: %v", err)
	}

	p := &DrugDosingProfile{
		BaseDoseMg:            0,
		RenalAdjustmentRule:   map[RenalCategory]RenalAdjustment{"stage5": Multiply(-1)},
		HepaticAdjustmentRule: map[ChildPughClass]float64{ChildPughB: math.Inf(1)},
	}
	if err := p.Check(); err == nil {
		t.Error("expected errors for broken profile")
	}

	tests := []struct {
		name    string
		renal   map[RenalCategory]RenalAdjustment
		hepatic map[ChildPughClass]float64
	}{
		{"zero renal multiplier", map[RenalCategory]RenalAdjustment{RenalSevere: Multiply(0)}, nil},
		{"zero hepatic multiplier", nil, map[ChildPughClass]float64{ChildPughA: 1, ChildPughB: 0, ChildPughC: 0}},
		{"NaN hepatic multiplier", nil, map[ChildPughClass]float64{ChildPughC: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sertraline()
			p.RenalAdjustmentRule = tt.renal
			p.HepaticAdjustmentRule = tt.hepatic
			if err := p.Check(); err == nil {
				t.Error("expected Check to reject the multiplier")
			}
		})
	}
}
