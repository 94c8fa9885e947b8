package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/bootstrap"
	"github.com/drfirst/go-dosecalc/internal/catalog"
	"github.com/drfirst/go-dosecalc/internal/config"
	"github.com/drfirst/go-dosecalc/internal/observability/logging"
)

// globals shared by subcommands
type globals struct {
	catalogFile string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:          "dosectl",
		Short:        "Dosage adjustment calculator and service administration",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.catalogFile, "catalog", "", "YAML drug catalog (defaults to the built-in catalog)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(calculateCmd(g))
	root.AddCommand(drugsCmd(g))
	root.AddCommand(bandsCmd())
	root.AddCommand(migrateCmd(g))
	root.AddCommand(topicsCmd(g))

	return root
}

func (g *globals) logger() *zap.Logger {
	level := "warn"
	if g.verbose {
		level = "debug"
	}
	logger, err := logging.New("dosectl", level)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (g *globals) catalog() (*catalog.Catalog, error) {
	return catalog.LoadFile(g.catalogFile)
}

// database opens the pool named by DATABASE_URL
func (g *globals) database(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := bootstrap.OpenPool(ctx, cfg.DatabaseURL, g.logger())
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
