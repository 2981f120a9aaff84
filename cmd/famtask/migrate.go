package main

import (
	"fmt"

	"github.com/dukerupert/famtask/internal/config"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			path, open := cfg.DBPath, database.Open
			if local {
				path, open = cfg.Device.LocalDBPath, database.OpenLocal
			}
			db, err := open(path)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", path, err)
			}
			defer db.Close()

			v, err := database.Version(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", path, v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "migrate the device database instead of the server database")
	return cmd
}
