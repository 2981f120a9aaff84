package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/famtask/internal/backup"
	"github.com/dukerupert/famtask/internal/config"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/logging"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Encrypted database backups in the S3 bucket",
		Long: `Encrypted database backups in the S3 bucket.

Archives are encrypted with FAMTASK_BACKUP_PASSPHRASE and stored under
FAMTASK_BACKUP_PREFIX in FAMTASK_S3_BUCKET.`,
	}
	cmd.AddCommand(backupRunCmd(), backupListCmd(), backupRestoreCmd(), backupPruneCmd())
	return cmd
}

func loadArchiver() (config.Config, *backup.Archiver, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	if cfg.S3.Bucket == "" {
		return cfg, nil, errors.New("FAMTASK_S3_BUCKET is required for backups")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, backup.NewArchiver(cfg.S3, cfg.Backup.Prefix, logger), nil
}

func backupRunCmd() *cobra.Command {
	var local, prune bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Snapshot the database and upload it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, archiver, err := loadArchiver()
			if err != nil {
				return err
			}

			path, open := cfg.DBPath, database.Open
			if local {
				path, open = cfg.Device.LocalDBPath, database.OpenLocal
			}
			db, err := open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer db.Close()

			ar, err := archiver.Backup(cmd.Context(), db, cfg.Backup.Passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", ar.Key, ar.Size)

			if prune {
				n, err := archiver.Prune(cmd.Context(), cfg.Backup.Retention)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d old backups\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "back up the device database instead of the server database")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete backups older than FAMTASK_BACKUP_RETENTION afterwards")
	return cmd
}

func backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, archiver, err := loadArchiver()
			if err != nil {
				return err
			}
			list, err := archiver.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, ar := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", ar.Key, ar.Size, ar.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [key] [path]",
		Short: "Download and decrypt a backup to a new database file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, archiver, err := loadArchiver()
			if err != nil {
				return err
			}
			if err := archiver.Restore(cmd.Context(), args[0], cfg.Backup.Passphrase, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", args[0], args[1])
			return nil
		},
	}
}

func backupPruneCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backups older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, archiver, err := loadArchiver()
			if err != nil {
				return err
			}
			if retention == 0 {
				retention = cfg.Backup.Retention
			}
			n, err := archiver.Prune(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d backups\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "keep backups newer than this (default FAMTASK_BACKUP_RETENTION)")
	return cmd
}
