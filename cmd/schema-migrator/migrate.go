package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitebski/mysql-schema-migrator/internal/migrator"
	"github.com/vitebski/mysql-schema-migrator/internal/snapshot"
	"github.com/vitebski/mysql-schema-migrator/internal/utils"
)

type runnerFunc func(r *migrator.Runner, ctx context.Context, action migrator.Action) (*migrator.Result, error)

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run, inspect and create versioned migrations",
	}

	cmd.AddCommand(
		a.runnerCommand("up", "Run the next pending migration", (*migrator.Runner).Up),
		a.runnerCommand("latest", "Run every pending migration as one run", (*migrator.Runner).Latest),
		a.runnerCommand("down", "Revert the last migration", (*migrator.Runner).Down),
		a.runnerCommand("revert", "Revert every migration of the last run", (*migrator.Runner).Revert),
		a.statusCommand(),
		a.createCommand(),
		a.devCommand(),
	)
	return cmd
}

func (a *app) runnerCommand(use, short string, run runnerFunc) *cobra.Command {
	var render bool

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stores, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer stores.Close()

			runner, err := a.runner(stores)
			if err != nil {
				return err
			}

			result, err := run(runner, ctx, migrator.ActionFor(render))
			if err != nil {
				return err
			}
			utils.PrintResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&render, "render", "r", false, "Print the SQL instead of running it")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they have run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stores, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer stores.Close()

			runner, err := a.runner(stores)
			if err != nil {
				return err
			}

			statuses, err := runner.Status(ctx)
			if err != nil {
				return err
			}
			utils.PrintMigrationStatus(cmd.OutOrStdout(), statuses, time.Now())
			return nil
		},
	}
}

func (a *app) createCommand() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Write a new migration file",
		Long: `Write a new migration file named after the current time and NAME.

With --mapping the file holds the DDL that moves the stores from the saved
snapshot named by --from (latest by default) to the mapping, and the mapping
replaces that snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Creating a file never needs a live connection
			runner, err := a.runner(a.config.Manager(a.logger))
			if err != nil {
				return err
			}

			if a.mapping == "" {
				path, err := runner.Create(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
				return nil
			}

			current, err := a.currentMapping()
			if err != nil {
				return err
			}
			snapshots := a.snapshots()
			previous, err := snapshots.FetchOrEmpty(from)
			if err != nil {
				return err
			}

			path, err := runner.CreateFromDiff(args[0], previous, current)
			if err != nil {
				return err
			}
			if err := snapshots.Save(from, current); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", snapshot.DefaultName, "Saved snapshot to diff the mapping against")
	cmd.Flags().StringVarP(&a.mapping, "mapping", "m", "", "Snapshot JSON file of the current entity mapping")
	return cmd
}

func (a *app) devCommand() *cobra.Command {
	var render bool

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Sync the stores with the mapping without a migration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := a.currentMapping()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			stores, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer stores.Close()

			runner, err := a.runner(stores)
			if err != nil {
				return err
			}

			result, err := runner.Dev(ctx, migrator.ActionFor(render), current)
			if err != nil {
				return err
			}
			if render {
				utils.PrintResult(cmd.OutOrStdout(), result)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stores are in sync with the mapping.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&render, "render", "r", false, "Print the SQL instead of running it")
	cmd.Flags().StringVarP(&a.mapping, "mapping", "m", "", "Snapshot JSON file of the current entity mapping")
	return cmd
}
