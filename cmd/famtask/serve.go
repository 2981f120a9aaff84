package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/famtask/internal/blob"
	"github.com/dukerupert/famtask/internal/config"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/entitlement"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/logging"
	"github.com/dukerupert/famtask/internal/server"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the family and task API server",
		Long: `Run the family and task API server.

Configuration is read from FAMTASK_* environment variables. A JWT secret
(FAMTASK_JWT_SECRET) is required. Photos go to S3 when FAMTASK_S3_BUCKET
is set and are kept in memory otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides FAMTASK_PORT)")
	return cmd
}

func runServe(cfg config.Config) error {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if cfg.JWTSecret == "" {
		return errors.New("FAMTASK_JWT_SECRET is required")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var oracle entitlement.Oracle
	if cfg.Entitlement.URL != "" {
		oracle = entitlement.NewClient(cfg.Entitlement)
		logger.Info("entitlement lookups enabled", "url", cfg.Entitlement.URL)
	}

	var blobs blob.Store = blob.NewMemory()
	if cfg.S3.Bucket != "" {
		blobs = blob.NewS3Store(cfg.S3)
		logger.Info("photo storage", "bucket", cfg.S3.Bucket)
	} else {
		logger.Warn("FAMTASK_S3_BUCKET not set, photos are kept in memory")
	}

	gw := identity.NewJWTGateway(cfg.JWTSecret, cfg.JWTIssuer)
	srv := server.New(db, gw, oracle, blobs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	every(ctx, time.Hour, srv.RateLimiter().Cleanup)

	return runHTTP(":"+cfg.Port, srv.Router(), logger, cancel)
}
