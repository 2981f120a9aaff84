package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/famtask/internal/apiclient"
	"github.com/dukerupert/famtask/internal/config"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/logging"
	"github.com/dukerupert/famtask/internal/notify"
	"github.com/dukerupert/famtask/internal/offline"
	"github.com/dukerupert/famtask/internal/push"
	"github.com/dukerupert/famtask/internal/server"
	"github.com/dukerupert/famtask/internal/store"
	"github.com/spf13/cobra"
)

func deviceCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run the local API for one member's device",
		Long: `Run the local API for one member's device.

The device keeps a local database with the sync queue, task and family
caches and scheduled reminders. Writes made while the server is
unreachable are queued and replayed in order when the live feed
reconnects.

Requires FAMTASK_DEVICE_TOKEN, FAMTASK_MEMBER_ID and FAMTASK_FAMILY_ID.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Device.Port = port
			}
			return runDevice(cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides FAMTASK_DEVICE_PORT)")
	return cmd
}

func runDevice(cfg config.Config) error {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	dc := cfg.Device
	if dc.Token == "" || dc.MemberID == "" || dc.FamilyID == "" {
		return errors.New("FAMTASK_DEVICE_TOKEN, FAMTASK_MEMBER_ID and FAMTASK_FAMILY_ID are required")
	}
	if cfg.PushEnabled() {
		if err := push.CheckVAPIDKeys(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey); err != nil {
			return err
		}
	}
	loc, err := dc.Location()
	if err != nil {
		return err
	}
	feedURL, err := wsURL(dc.ServerURL)
	if err != nil {
		return err
	}

	local, err := database.OpenLocal(dc.LocalDBPath)
	if err != nil {
		return fmt.Errorf("open local database: %w", err)
	}
	defer local.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway := push.NewLocalGateway(local, logger)
	scheduler := notify.NewScheduler(local, gateway, loc, logger)
	if n, err := scheduler.Restore(ctx); err != nil {
		logger.Error("restore reminders", "error", err)
	} else if n > 0 {
		logger.Info("restored reminders", "count", n)
	}

	monitor := offline.NewMonitor(false)
	gate := offline.NewGate(nil)
	engine := offline.NewEngine(local, monitor, gate, offline.DefaultBackoff(), logger)
	api := apiclient.New(apiclient.Config{BaseURL: dc.ServerURL, Token: dc.Token})
	families := offline.NewFamilies(api, engine, local, logger)
	tasks := offline.NewTasks(api, engine, local, scheduler, dc.MemberID, logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}

	feed := live.NewClient(live.ClientConfig{
		URL:      feedURL,
		Token:    dc.Token,
		FamilyID: dc.FamilyID,
	}, monitor, func(ev live.Event) {
		tasks.HandleEvent(ev)
		families.HandleEvent(ev)
	}, logger)
	feed.Start(ctx)

	var sender push.Sender
	if cfg.PushEnabled() {
		sender = push.NewService(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
	}
	dispatcher := push.NewDispatcher(local, sender, logger)
	dispatcher.Start(ctx)

	dev := server.NewDevice(server.DeviceConfig{
		MemberID:      dc.MemberID,
		Families:      families,
		Tasks:         tasks,
		Notifications: scheduler,
		PushStore:     store.NewPushStore(local),
		VAPIDKey:      cfg.VAPIDPublicKey,
	}, logger)
	every(ctx, time.Hour, dev.RateLimiter().Cleanup)

	return runHTTP(":"+dc.Port, dev.Router(), logger, func() {
		stopDevice(logger, feed, engine, dispatcher)
		cancel()
	})
}

func stopDevice(logger *slog.Logger, feed *live.Client, engine *offline.Engine, dispatcher *push.Dispatcher) {
	feed.Stop()
	engine.Stop()
	dispatcher.Stop()
	logger.Info("device stopped")
}

// wsURL turns the server's http(s) address into its live feed address.
func wsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
