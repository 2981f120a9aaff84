package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/famtask/internal/config"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/push"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [member-id]",
		Short: "Issue a bearer token for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("FAMTASK_JWT_SECRET is required")
			}
			if ttl == 0 {
				ttl = cfg.TokenTTL
			}
			tok, err := identity.NewJWTGateway(cfg.JWTSecret, cfg.JWTIssuer).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default FAMTASK_TOKEN_TTL)")
	return cmd
}

func vapidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for web push",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "FAMTASK_VAPID_PUBLIC_KEY=%s\nFAMTASK_VAPID_PRIVATE_KEY=%s\n", pub, priv)
			return nil
		},
	}
}
