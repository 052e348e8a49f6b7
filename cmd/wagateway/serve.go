package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schedulink/wagateway/internal/config"
	"github.com/schedulink/wagateway/internal/gateway"
	"github.com/schedulink/wagateway/internal/manager"
	"github.com/schedulink/wagateway/internal/observability"
	"github.com/schedulink/wagateway/internal/registry"
	"github.com/schedulink/wagateway/internal/session"
	"github.com/schedulink/wagateway/internal/store"
	"github.com/schedulink/wagateway/pkg/models"
)

const shutdownTimeout = 15 * time.Second

// runServe starts the lifecycle manager and blocks until shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	logger.Info("starting wagateway",
		"version", version, "config", configPath, "tenants", len(cfg.Tenants))

	metrics := observability.NewMetrics()

	st, err := store.New(cfg.Storage.BaseDir, logger)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	reg := registry.New(registry.Config{
		MaxRetries: cfg.Reconnect.MaxRetries,
		BaseDelay:  cfg.Reconnect.BaseDelay,
		MaxDelay:   cfg.Reconnect.MaxDelay,
		SweepSpec:  fmt.Sprintf("@every %s", cfg.Health.SweepInterval),
	}, logger, metrics)

	mgr := manager.New(session.Config{
		MaxConnectionAttempts: cfg.Gateway.MaxConnectionAttempts,
		QRRefresh:             cfg.Gateway.QRRefresh,
		PairingCodeTTL:        cfg.Gateway.PairingCodeTTL,
		SendTimeout:           cfg.Gateway.SendTimeout,
		ActivationKeyword:     cfg.Gateway.ActivationKeyword,
	}, st, gateway.NewWhatsmeowDialer(logger), reg, logger, metrics, func(msg models.InboundMessage) {
		logger.Info("inbound message",
			"tenant", msg.TenantID, "chat", msg.ChatID, "message_id", msg.MessageID)
	})

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("starting health sweep: %w", err)
	}

	go logStatusChanges(logger, mgr)

	for _, tenant := range cfg.Tenants {
		tenant := models.TenantID(tenant)
		go func() {
			if err := mgr.Connect(ctx, tenant); err != nil {
				logger.Error("auto-connect failed", "tenant", tenant, "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           newHTTPHandler(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		logger.Error("http server failed", "error", err)
		mgr.Shutdown(ctx)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	mgr.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

// logStatusChanges drains the notification stream into the log.
func logStatusChanges(logger *slog.Logger, mgr *manager.Manager) {
	for change := range mgr.Notifications() {
		attrs := []any{"tenant", change.TenantID, "status", change.Status}
		if change.Error != "" {
			attrs = append(attrs, "error", change.Error)
		}
		logger.Info("tenant status changed", attrs...)
	}
}
