package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/scadaflow/migrations"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate {producer|historian}",
	Short:     "Apply a database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(migrations.Producer), string(migrations.Historian)},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	set := migrations.Set(args[0])
	url := cfg.Producer.DatabaseURL
	if set == migrations.Historian {
		url = cfg.Historian.DatabaseURL
	}

	db, err := openDB(cmd.Context(), url)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Up(cmd.Context(), db, set, nil); err != nil {
		return err
	}
	fmt.Printf("Applied %s schema\n", set)
	return nil
}
