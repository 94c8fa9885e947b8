package dosing

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestBSAMosteller(t *testing.T) {
	got, err := BSA(170, 75)
	if err != nil {
		t.Fatalf("BSA: %v", err)
	}
	if math.Abs(got-1.8636) > 0.001 {
		t.Errorf("BSA(170, 75) = %.4f, want ~1.8636", got)
	}
	want := 0.007184 * math.Pow(170, 0.725) * math.Pow(75, 0.425)
	if got != want {
		t.Errorf("BSA must not round: got %v, want %v", got, want)
	}
}

func TestBSAMonotonic(t *testing.T) {
	prev := 0.0
	for h := 50.0; h <= 220; h += 10 {
		got, err := BSA(h, 70)
		if err != nil {
			t.Fatalf("BSA(%v, 70): %v", h, err)
		}
		if got <= prev {
			t.Errorf("BSA not increasing in height at %v: %v <= %v", h, got, prev)
		}
		prev = got
	}

	prev = 0
	for w := 3.0; w <= 200; w += 7 {
		got, err := BSA(170, w)
		if err != nil {
			t.Fatalf("BSA(170, %v): %v", w, err)
		}
		if got <= prev {
			t.Errorf("BSA not increasing in weight at %v: %v <= %v", w, got, prev)
		}
		prev = got
	}
}

func TestBSARejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		height float64
		weight float64
		fields []string
	}{
		{"zero height", 0, 70, []string{FieldHeight}},
		{"negative weight", 170, -1, []string{FieldWeight}},
		{"both", 0, 0, []string{FieldHeight, FieldWeight}},
		{"nan height", math.NaN(), 70, []string{FieldHeight}},
		{"inf weight", 170, math.Inf(1), []string{FieldWeight}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BSA(tt.height, tt.weight)
			var iv *InvalidVitalsError
			if !errors.As(err, &iv) {
				t.Fatalf("expected InvalidVitalsError, got %v", err)
			}
			if !reflect.DeepEqual(iv.Fields(), tt.fields) {
				t.Errorf("fields = %v, want %v", iv.Fields(), tt.fields)
			}
		})
	}
}

func TestEGFRSexDependent(t *testing.T) {
	female, err := EGFR(50, SexFemale, 1.2)
	if err != nil {
		t.Fatalf("female: %v", err)
	}
	male, err := EGFR(50, SexMale, 1.2)
	if err != nil {
		t.Fatalf("male: %v", err)
	}
	if female == male {
		t.Errorf("expected sex-dependent eGFR, both %v", male)
	}
	for _, v := range []float64{female, male} {
		if !(v > 0) || math.IsInf(v, 0) {
			t.Errorf("eGFR must be finite and positive, got %v", v)
		}
	}
}

func TestEGFRFormula(t *testing.T) {
	got, err := EGFR(45, SexMale, 1.2)
	if err != nil {
		t.Fatalf("EGFR: %v", err)
	}
	cr, k := 1.2, 0.9
	// no race or female correction terms
	want := 141 * math.Pow(cr/k, -1.209) * math.Pow(0.993, 45)
	if got != want {
		t.Errorf("EGFR(45, male, 1.2) = %v, want %v", got, want)
	}

	got, err = EGFR(30, SexFemale, 0.5)
	if err != nil {
		t.Fatalf("EGFR: %v", err)
	}
	cr, k = 0.5, 0.7
	want = 141 * math.Pow(cr/k, -0.329) * math.Pow(0.993, 30)
	if got != want {
		t.Errorf("EGFR(30, female, 0.5) = %v, want %v", got, want)
	}
}

func TestEGFRMonotonic(t *testing.T) {
	for _, sex := range []Sex{SexMale, SexFemale} {
		prev := math.Inf(1)
		for cr := 0.2; cr <= 8; cr += 0.1 {
			got, _ := EGFR(50, sex, cr)
			if got >= prev {
				t.Errorf("%s: eGFR not decreasing in creatinine at %.1f", sex, cr)
			}
			prev = got
		}

		prev = math.Inf(1)
		for age := 0; age <= 100; age += 5 {
			got, _ := EGFR(age, sex, 1.1)
			if got >= prev {
				t.Errorf("%s: eGFR not decreasing in age at %d", sex, age)
			}
			prev = got
		}
	}
}

func TestEGFRRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		age    int
		sex    Sex
		cr     float64
		fields []string
	}{
		{"zero creatinine", 30, SexMale, 0, []string{FieldCreatinine}},
		{"negative age", -1, SexFemale, 1, []string{FieldAge}},
		{"other sex", 30, Sex("other"), 1, []string{FieldSex}},
		{"everything", -3, Sex(""), -2, []string{FieldAge, FieldSex, FieldCreatinine}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EGFR(tt.age, tt.sex, tt.cr)
			var iv *InvalidVitalsError
			if !errors.As(err, &iv) {
				t.Fatalf("expected InvalidVitalsError, got %v", err)
			}
			if !reflect.DeepEqual(iv.Fields(), tt.fields) {
				t.Errorf("fields = %v, want %v", iv.Fields(), tt.fields)
			}
		})
	}
}

func TestClassifyRenalBoundaries(t *testing.T) {
	tests := []struct {
		egfr float64
		want RenalCategory
	}{
		{120, RenalNormal},
		{90.0, RenalNormal},
		{89.999, RenalMild},
		{60, RenalMild},
		{59.999, RenalModerate},
		{30, RenalModerate},
		{29.999, RenalSevere},
		{15, RenalSevere},
		{14.999, RenalKidneyFailure},
		{0.1, RenalKidneyFailure},
	}
	for _, tt := range tests {
		if got := ClassifyRenal(tt.egfr); got != tt.want {
			t.Errorf("ClassifyRenal(%v) = %s, want %s", tt.egfr, got, tt.want)
		}
	}
}

func TestChildPughScore(t *testing.T) {
	tests := []struct {
		name               string
		bilirubin, albumin float64
		alt, ast           float64
		wantScore          int
		wantClass          ChildPughClass
	}{
		{"minimum", 1.0, 4.0, 30, 30, 3, ChildPughA},
		{"maximum", 3.5, 2.5, 90, 90, 9, ChildPughB},
		{"bilirubin lower edge", 2.0, 4.0, 30, 30, 4, ChildPughA},
		{"bilirubin upper edge", 3.0, 4.0, 30, 30, 4, ChildPughA},
		{"albumin upper edge", 1.0, 3.5, 30, 30, 4, ChildPughA},
		{"albumin lower edge", 1.0, 2.8, 30, 30, 4, ChildPughA},
		{"albumin below range", 1.0, 2.79, 30, 30, 5, ChildPughA},
		{"one transaminase above 40", 1.0, 4.0, 41, 30, 4, ChildPughA},
		{"both at 80", 1.0, 4.0, 80, 80, 4, ChildPughA},
		{"one transaminase above 80", 1.0, 4.0, 30, 81, 5, ChildPughA},
		{"score six", 2.5, 3.0, 60, 60, 6, ChildPughA},
		{"score seven", 3.5, 3.0, 60, 60, 7, ChildPughB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := ChildPughScore(tt.bilirubin, tt.albumin, tt.alt, tt.ast)
			if err != nil {
				t.Fatalf("ChildPughScore: %v", err)
			}
			if score != tt.wantScore {
				t.Errorf("score = %d, want %d", score, tt.wantScore)
			}
			if class := ClassifyHepatic(score); class != tt.wantClass {
				t.Errorf("class = %s, want %s", class, tt.wantClass)
			}
		})
	}
}

func TestChildPughRejectsNegative(t *testing.T) {
	_, err := ChildPughScore(-0.1, 4, -5, 20)
	var iv *InvalidVitalsError
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvalidVitalsError, got %v", err)
	}
	want := []string{FieldBilirubin, FieldALT}
	if !reflect.DeepEqual(iv.Fields(), want) {
		t.Errorf("fields = %v, want %v", iv.Fields(), want)
	}
}

func TestClassifyHepatic(t *testing.T) {
	tests := []struct {
		score int
		want  ChildPughClass
	}{
		{3, ChildPughA},
		{6, ChildPughA},
		{7, ChildPughB},
		{9, ChildPughB},
		{10, ChildPughC},
		{15, ChildPughC},
	}
	for _, tt := range tests {
		if got := ClassifyHepatic(tt.score); got != tt.want {
			t.Errorf("ClassifyHepatic(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestBandTablesAreCopies(t *testing.T) {
	bands := RenalBands()
	bands[0].MinEGFR = 0
	if ClassifyRenal(50) != RenalModerate {
		t.Error("mutating RenalBands() result changed classification")
	}
	hb := HepaticBands()
	hb[0].MaxScore = 100
	if ClassifyHepatic(8) != ChildPughB {
		t.Error("mutating HepaticBands() result changed classification")
	}
}
