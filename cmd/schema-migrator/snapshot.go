package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitebski/mysql-schema-migrator/internal/differ"
	"github.com/vitebski/mysql-schema-migrator/internal/schema"
	"github.com/vitebski/mysql-schema-migrator/internal/utils"
)

func newSnapshotCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save and compare mapping snapshots",
	}
	cmd.PersistentFlags().StringVarP(&a.mapping, "mapping", "m", "", "Snapshot JSON file of the current entity mapping")

	cmd.AddCommand(a.snapshotSaveCommand(), a.snapshotDiffCommand())
	return cmd
}

func (a *app) snapshotSaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "save [NAME]",
		Short: "Store the mapping as a named snapshot (latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := a.currentMapping()
			if err != nil {
				return err
			}
			name := snapshotName(args)
			snapshots := a.snapshots()
			if err := snapshots.Save(name, current); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", snapshots.Path(name))
			return nil
		},
	}
}

func (a *app) snapshotDiffCommand() *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "diff [NAME]",
		Short: "Show the DDL between a saved snapshot and the mapping",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := a.currentMapping()
			if err != nil {
				return err
			}
			name := snapshotName(args)
			snapshots := a.snapshots()
			previous, err := snapshots.FetchOrEmpty(name)
			if err != nil {
				return err
			}

			instructions, err := differ.Diff(previous, current, a.config.DefaultStore)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			utils.PrintInstructionSummary(out, instructions)
			if instructions.IsEmpty() {
				return nil
			}

			if !apply {
				executor, err := schema.NewExecutor(nil, a.logger).Process(instructions)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, executor.SQL())
				return nil
			}

			ctx := cmd.Context()
			stores, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer stores.Close()

			executor, err := schema.NewExecutor(stores, a.logger).Process(instructions)
			if err != nil {
				return err
			}
			if err := executor.Apply(ctx); err != nil {
				return err
			}
			if err := snapshots.Save(name, current); err != nil {
				return err
			}
			fmt.Fprintf(out, "Applied and saved the mapping as snapshot %s.\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "Run the DDL against the stores and save the snapshot")
	return cmd
}
