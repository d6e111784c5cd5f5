package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adhikary/fasal/internal/api"
	"github.com/adhikary/fasal/internal/config"
	"github.com/adhikary/fasal/internal/gateway"
	"github.com/adhikary/fasal/internal/marketcache"
	"github.com/adhikary/fasal/internal/netwatch"
	"github.com/adhikary/fasal/internal/remote"
	"github.com/adhikary/fasal/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fasal service (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	remoteClient := remote.New(cfg.Remote.BaseURL, cfg.Remote.Token)

	market := marketcache.New(store, remoteClient, marketcache.Options{
		Expiry:           cfg.Cache.MarketExpiry,
		FetchAttempts:    cfg.Cache.FetchAttempts,
		RetryDelay:       cfg.Cache.RetryDelay,
		PreloadDistricts: cfg.Cache.PreloadDistricts,
		Logger:           logger,
	})

	// The monitor and gateway reference each other: the gateway asks the
	// monitor for connectivity, the monitor drains the gateway's queue on
	// reconnect. Construct the monitor first, register the drain after.
	monitor := netwatch.New(
		netwatch.ProberFunc(remoteClient.Ping),
		cfg.Probe.Interval,
		nil,
		logger,
	)
	gw := gateway.New(store, remoteClient, monitor, cfg.Cache.Retention, logger)
	monitor.SetOnOnline(func(ctx context.Context) {
		if _, err := gw.SyncPending(ctx); err != nil {
			logger.Error("sync drain on reconnect failed", "error", err)
		}
	})

	if err := gw.Init(ctx); err != nil {
		return err
	}

	go monitor.Run(ctx)
	go market.Preload(ctx)
	go cleanupLoop(ctx, gw, market, cfg.Cache.CleanupInterval, logger)

	handler := api.NewHandler(api.Deps{
		Gateway: gw,
		Market:  market,
		Token:   cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fasal listening", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// cleanupLoop ages out stale cached rows and refreshes expired market
// entries on the configured interval.
func cleanupLoop(ctx context.Context, gw *gateway.Gateway, market *marketcache.Coordinator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if removed, err := gw.CleanupOldData(); err != nil {
			logger.Warn("periodic cleanup failed", "error", err)
		} else if removed > 0 {
			logger.Info("periodic cleanup removed stale rows", "count", removed)
		}

		market.RefreshExpired(ctx)
	}
}
