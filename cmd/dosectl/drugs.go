package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-dosecalc/internal/catalog"
	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
)

func drugsCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "drugs",
		Short: "List the drugs in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.catalog()
			if err != nil {
				return err
			}
			profiles := c.List()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), profiles)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DRUG\tINDICATION\tBASE MG\tFREQUENCY\tCONTRAINDICATED")
			for _, p := range profiles {
				fmt.Fprintf(tw, "%s\t%s\t%g\t%s\t%s\n",
					p.DrugName, p.Indication, p.BaseDoseMg, p.Frequency, contraindications(p))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print profiles as JSON")

	cmd.AddCommand(drugsImportCmd(g))
	return cmd
}

// contraindications lists the renal categories that forbid a drug
func contraindications(p dosing.DrugDosingProfile) string {
	var out []string
	for c, a := range p.RenalAdjustmentRule {
		if a.Contraindicated {
			out = append(out, string(c))
		}
	}
	if len(out) == 0 {
		return "-"
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func drugsImportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert a YAML catalog into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(filepath.Clean(args[0]))
			if err != nil {
				return err
			}
			profiles, err := catalog.ParseYAML(content)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			// reject duplicates and bad multipliers before touching the table
			if _, err := catalog.New(profiles); err != nil {
				return err
			}

			ctx := context.Background()
			pool, _, err := g.database(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := catalog.NewStore(pool, g.logger()).Upsert(ctx, profiles); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d profile(s).\n", len(profiles))
			return nil
		},
	}
}

func bandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bands",
		Short: "Show the renal and hepatic classification tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			fmt.Fprintln(tw, "RENAL CATEGORY\tEGFR (ML/MIN)")
			renal := dosing.RenalBands()
			for i, b := range renal {
				if i == len(renal)-1 {
					fmt.Fprintf(tw, "%s\t< %g\n", b.Category, renal[i-1].MinEGFR)
					continue
				}
				fmt.Fprintf(tw, "%s\t>= %g\n", b.Category, b.MinEGFR)
			}

			fmt.Fprintln(tw, "\t")
			fmt.Fprintln(tw, "CHILD-PUGH CLASS\tSEVERITY\tSCORE")
			hepatic := dosing.HepaticBands()
			for i, b := range hepatic {
				if i == len(hepatic)-1 {
					fmt.Fprintf(tw, "%s\t%s\t> %d\n", b.Class, b.Severity, hepatic[i-1].MaxScore)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t<= %d\n", b.Class, b.Severity, b.MaxScore)
			}
			return tw.Flush()
		},
	}
}
