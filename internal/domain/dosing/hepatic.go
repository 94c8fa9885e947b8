package dosing

// ChildPughClass is the hepatic impairment class
type ChildPughClass string

const (
	ChildPughA ChildPughClass = "A"
	ChildPughB ChildPughClass = "B"
	ChildPughC ChildPughClass = "C"
)

// HepaticBand maps scores up to and including MaxScore to Class.
// The last band is the catch-all and has no MaxScore.
type HepaticBand struct {
	Class    ChildPughClass `json:"class"`
	Severity string         `json:"severity"`
	MaxScore int            `json:"max_score,omitempty"`
}

// Only three components are scored (max 9), so class C is never reached.
// The band stays so the table matches the labels clinicians see.
var hepaticBands = []HepaticBand{
	{Class: ChildPughA, Severity: "mild", MaxScore: 6},
	{Class: ChildPughB, Severity: "moderate", MaxScore: 9},
	{Class: ChildPughC, Severity: "severe"},
}

// HepaticBands returns a copy of the Child-Pugh classification table
func HepaticBands() []HepaticBand {
	out := make([]HepaticBand, len(hepaticBands))
	copy(out, hepaticBands)
	return out
}

// ChildPughClasses lists every class from mildest to most severe
func ChildPughClasses() []ChildPughClass {
	out := make([]ChildPughClass, len(hepaticBands))
	for i, b := range hepaticBands {
		out[i] = b.Class
	}
	return out
}

// Valid reports whether c is a known class
func (c ChildPughClass) Valid() bool {
	for _, b := range hepaticBands {
		if b.Class == c {
			return true
		}
	}
	return false
}

// ClassifyHepatic maps a Child-Pugh score to its class
func ClassifyHepatic(score int) ChildPughClass {
	last := len(hepaticBands) - 1
	for _, b := range hepaticBands[:last] {
		if score <= b.MaxScore {
			return b.Class
		}
	}
	return hepaticBands[last].Class
}

// ChildPughScore sums the bilirubin, albumin and transaminase components,
// each worth 1 to 3 points.
func ChildPughScore(bilirubinMgDl, albuminGDl, altUL, astUL float64) (int, error) {
	var c violationCollector
	c.nonNegative(FieldBilirubin, bilirubinMgDl)
	c.nonNegative(FieldAlbumin, albuminGDl)
	c.nonNegative(FieldALT, altUL)
	c.nonNegative(FieldAST, astUL)
	if err := c.err(); err != nil {
		return 0, err
	}
	return childPughScore(bilirubinMgDl, albuminGDl, altUL, astUL), nil
}

func childPughScore(bilirubin, albumin, alt, ast float64) int {
	return bilirubinPoints(bilirubin) + albuminPoints(albumin) + transaminasePoints(alt, ast)
}

func bilirubinPoints(mgDl float64) int {
	switch {
	case mgDl < 2:
		return 1
	case mgDl <= 3:
		return 2
	default:
		return 3
	}
}

func albuminPoints(gDl float64) int {
	switch {
	case gDl > 3.5:
		return 1
	case gDl >= 2.8:
		return 2
	default:
		return 3
	}
}

func transaminasePoints(alt, ast float64) int {
	switch {
	case alt <= 40 && ast <= 40:
		return 1
	case alt <= 80 && ast <= 80:
		return 2
	default:
		return 3
	}
}
