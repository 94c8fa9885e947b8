package dosing

import (
	"fmt"
	"strings"
)

// Violation is a single failed precondition on an input field
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// InvalidVitalsError reports every violated precondition of a calculation
type InvalidVitalsError struct {
	Violations []Violation
}

func (e *InvalidVitalsError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + " " + v.Reason
	}
	return "invalid vitals: " + strings.Join(parts, "; ")
}

// Fields returns the names of the offending fields in report order
func (e *InvalidVitalsError) Fields() []string {
	fields := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		fields[i] = v.Field
	}
	return fields
}

// DrugContraindicatedError is returned when the renal rule for the patient's
// category forbids the drug. No dose accompanies it.
type DrugContraindicatedError struct {
	DrugName      string
	RenalCategory RenalCategory
}

func (e *DrugContraindicatedError) Error() string {
	return fmt.Sprintf("%s is contraindicated for renal category %s", e.DrugName, e.RenalCategory)
}
