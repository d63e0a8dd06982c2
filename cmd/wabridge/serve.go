package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/challenge"
	"github.com/sipeed/wabridge/pkg/channels"
	"github.com/sipeed/wabridge/pkg/config"
	"github.com/sipeed/wabridge/pkg/dashboard"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/reclaim"
	"github.com/sipeed/wabridge/pkg/relay"
	"github.com/sipeed/wabridge/pkg/send"
	"github.com/sipeed/wabridge/pkg/session"
	"github.com/sipeed/wabridge/pkg/storage"
	"github.com/sipeed/wabridge/pkg/storage/repository"
	"github.com/sipeed/wabridge/pkg/watchdog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Diagnostics persistence is best-effort: a broken backend only costs
	// history, never the session.
	var diagRepo repository.DiagnosticsRepository
	store, err := storage.NewStorage(storageConfig(cfg, cfg.Storage.Type))
	if err != nil {
		logger.WarnCF("storage", "Diagnostics storage disabled", map[string]interface{}{"error": err.Error()})
	} else if store != nil {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.WarnCF("storage", "Diagnostics storage unavailable", map[string]interface{}{
				"type":  cfg.Storage.Type,
				"error": err.Error(),
			})
		} else {
			defer store.Close()
			diagRepo = store.Diagnostics()
		}
	}

	hub := bus.NewHub(64)
	defer hub.Close()

	var terminal io.Writer
	if cfg.WhatsApp.PrintQRTerminal {
		terminal = os.Stdout
	}
	tracker := challenge.NewTracker(challenge.Options{Terminal: terminal})

	reclaimer := reclaim.New(reclaim.Options{
		Dirs:           cfg.ReclaimDirs(),
		ProcessPattern: cfg.Reclaim.ProcessPattern,
	})

	inbound := relay.New(relay.Options{
		BaseURL: cfg.Relay.BaseURL,
		Secret:  cfg.RelaySecret,
		Timeout: config.Millis(cfg.Relay.TimeoutMS),
	})
	defer inbound.Wait()

	factory := channels.NewWhatsAppFactory(channels.WhatsAppOptions{
		StorePath:  cfg.StorePath(),
		ProfileDir: cfg.ProfileDir(),
	})

	ctrl := session.NewController(factory, session.Options{
		SettleDelay:      config.Millis(cfg.WhatsApp.SettleDelayMS),
		RecoveryCooldown: config.Millis(cfg.WhatsApp.RecoveryCooldownMS),
		LaunchTimeout:    config.Millis(cfg.WhatsApp.LaunchTimeoutMS),
		MaxQRRetries:     cfg.WhatsApp.MaxQRRetries,
		Tracker:          tracker,
		Hub:              hub,
		Reclaimer:        reclaimer,
		Inbound:          inbound,
		Store:            diagRepo,
	})
	defer ctrl.Close()

	if err := ctrl.Restore(ctx); err != nil {
		logger.WarnCF("session", "Could not restore diagnostics", map[string]interface{}{"error": err.Error()})
	}

	arbiter := send.NewArbiter(ctrl, send.Options{
		Timeout:             config.Millis(cfg.Send.TimeoutMS),
		Backoff:             config.Millis(cfg.Send.BackoffMS),
		EscalationWindow:    config.Millis(cfg.Send.EscalationWindowMS),
		EscalationThreshold: cfg.Send.EscalationThreshold,
	})
	ctrl.OnAuthenticated(arbiter.OnSessionReady)

	wd, err := watchdog.New(ctrl, watchdog.Options{
		Schedule:    cfg.Watchdog.Schedule,
		InitTimeout: config.Millis(cfg.Watchdog.InitTimeoutMS),
	})
	if err != nil {
		return fmt.Errorf("invalid watchdog config: %w", err)
	}
	go wd.Run(ctx)

	server := dashboard.NewServer(ctrl, arbiter, hub, dashboard.Options{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     cfg.IsProduction(),
		Journal:        diagRepo,
	})
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Stop()

	if cfg.RelaySecret() == "" {
		logger.WarnC("relay", "Relay secret not configured; inbound messages will not be forwarded")
	}
	logger.DebugCF("session", "Configured secrets", map[string]interface{}{
		"secrets": config.SecretMaskMap(cfg),
	})

	if cfg.WhatsApp.AutoStart {
		go func() {
			if err := ctrl.Start(); err != nil {
				logger.ErrorCF("session", "Auto-start failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ wabridge listening on %s:%d (client %s)\n",
		cfg.Server.Host, cfg.Server.Port, cfg.WhatsApp.ClientID)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
	logger.InfoC("session", "Shutdown requested")
	return nil
}
