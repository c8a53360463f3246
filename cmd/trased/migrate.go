package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trase-agent/internal/config"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == config.StorageMemory {
				fmt.Fprintln(cmd.OutOrStdout(), "memory storage needs no migrations")
				return nil
			}
			db, err := openDatabase(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer db.Close()

			if dryRun {
				pending, err := db.PendingMigrations(cmd.Context())
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				for _, version := range pending {
					fmt.Fprintf(cmd.OutOrStdout(), "pending %s\n", version)
				}
				return nil
			}

			applied, err := db.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}
