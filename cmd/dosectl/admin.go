package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-dosecalc/internal/config"
	"github.com/drfirst/go-dosecalc/internal/infrastructure/postgres"
	"github.com/drfirst/go-dosecalc/internal/infrastructure/redpanda"
)

func migrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, _, err := g.database(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := postgres.NewMigrator(pool, g.logger()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, _, err := g.database(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := postgres.NewMigrator(pool, g.logger()).Status(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			for _, s := range statuses {
				status, at := "pending", "-"
				if s.Applied {
					status, at = "applied", s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, at)
			}
			return tw.Flush()
		},
	})

	return cmd
}

func topicsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	withAdmin := func(fn func(ctx context.Context, cmd *cobra.Command, args []string, admin *redpanda.Admin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, g.logger())
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return fn(ctx, cmd, args, admin)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the service topics that do not exist yet",
		RunE: withAdmin(func(ctx context.Context, cmd *cobra.Command, args []string, admin *redpanda.Admin) error {
			created, err := admin.EnsureTopics(ctx)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All topics exist.")
				return nil
			}
			for _, t := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", t)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: withAdmin(func(ctx context.Context, cmd *cobra.Command, args []string, admin *redpanda.Admin) error {
			topics, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag GROUP",
		Short: "Show consumer group lag per partition",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(ctx context.Context, cmd *cobra.Command, args []string, admin *redpanda.Admin) error {
			lag, err := admin.GetConsumerGroupLag(ctx, args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOPIC\tPARTITION\tLAG")
			for topic, parts := range lag {
				for p, l := range parts {
					fmt.Fprintf(tw, "%s\t%d\t%d\n", topic, p, l)
				}
			}
			return tw.Flush()
		}),
	})

	return cmd
}
