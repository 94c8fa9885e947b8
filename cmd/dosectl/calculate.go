package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
)

func calculateCmd(g *globals) *cobra.Command {
	var (
		drug, indication string
		vitalsFile       string
		v                dosing.PatientVitals
		sex              string
	)

	cmd := &cobra.Command{
		Use:   "calculate",
		Short: "Calculate an adjusted dose from patient vitals",
		Example: `  dosectl calculate --drug Sertraline --indication Depression \
    --height 170 --weight 75 --age 45 --sex male \
    --creatinine 1.2 --alt 35 --ast 30 --bilirubin 0.8 --albumin 4.2

  dosectl calculate --drug Sertraline --indication Depression --vitals-file vitals.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if vitalsFile != "" {
				loaded, err := readVitals(cmd.InOrStdin(), vitalsFile)
				if err != nil {
					return err
				}
				v = loaded
			} else {
				v.Sex = dosing.Sex(sex)
			}

			c, err := g.catalog()
			if err != nil {
				return err
			}
			profile, err := c.Lookup(drug, indication)
			if err != nil {
				return err
			}

			result, err := dosing.CalculateDosage(v, profile)
			var invalid *dosing.InvalidVitalsError
			if errors.As(err, &invalid) {
				printJSON(cmd.ErrOrStderr(), map[string]interface{}{"violations": invalid.Violations})
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	f := cmd.Flags()
	f.StringVar(&drug, "drug", "", "drug name")
	f.StringVar(&indication, "indication", "", "indication")
	f.StringVar(&vitalsFile, "vitals-file", "", "JSON vitals document, - for stdin")
	f.Float64Var(&v.HeightCm, "height", 0, "height in cm")
	f.Float64Var(&v.WeightKg, "weight", 0, "weight in kg")
	f.IntVar(&v.AgeYears, "age", 0, "age in years")
	f.StringVar(&sex, "sex", "", "male or female")
	f.Float64Var(&v.SerumCreatinineMgDl, "creatinine", 0, "serum creatinine in mg/dL")
	f.Float64Var(&v.ALTUL, "alt", 0, "ALT in U/L")
	f.Float64Var(&v.ASTUL, "ast", 0, "AST in U/L")
	f.Float64Var(&v.BilirubinMgDl, "bilirubin", 0, "bilirubin in mg/dL")
	f.Float64Var(&v.AlbuminGDl, "albumin", 0, "albumin in g/dL")
	cmd.MarkFlagRequired("drug")
	cmd.MarkFlagRequired("indication")
	cmd.MarkFlagsMutuallyExclusive("vitals-file", "height")

	return cmd
}

func readVitals(stdin io.Reader, path string) (dosing.PatientVitals, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return dosing.PatientVitals{}, err
		}
		defer f.Close()
		r = f
	}

	var v dosing.PatientVitals
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return dosing.PatientVitals{}, fmt.Errorf("decode vitals: %w", err)
	}
	return v, nil
}
