package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/tunnelowl/internal/config"
	"github.com/wisbric/tunnelowl/internal/httpserver"
	"github.com/wisbric/tunnelowl/internal/platform"
	"github.com/wisbric/tunnelowl/internal/telemetry"
	"github.com/wisbric/tunnelowl/pkg/controlplane"
	"github.com/wisbric/tunnelowl/pkg/gateway"
	"github.com/wisbric/tunnelowl/pkg/registry"
	"github.com/wisbric/tunnelowl/pkg/tunnel"
)

// Run is the main application entry point. It connects to the shared store,
// wires the long-lived services into the HTTP server, and serves until the
// context is canceled. On shutdown the pod's ownership records are erased
// from the shared store.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	podID := platform.GeneratePodID()

	logger.Info("starting edge gateway",
		"pod_id", podID,
		"listen", cfg.ListenAddr(),
	)

	// Shared store
	rdb, err := platform.NewRedisClient(ctx, cfg.StoreAddr(), cfg.StorePassword, cfg.StoreDB)
	if err != nil {
		return fmt.Errorf("connecting to shared store: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing store client", "error", err)
		}
	}()

	// Long-lived services, owned here and injected by reference.
	reg := registry.New(rdb, podID, cfg.RegistryTTL(), cfg.SlugTTL(), logger)
	cp := controlplane.NewClient(cfg.ControlPlaneURL, logger)
	manager := tunnel.NewManager(reg, logger)

	logger.Info("control plane client initialized", "base_url", cfg.ControlPlaneURL)

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(cfg, logger, rdb, metricsReg)

	wsHandler := tunnel.NewHandler(manager, cp, tunnel.HandlerConfig{
		MaxPayloadBytes: cfg.MaxWSPayloadBytes,
		PingInterval:    cfg.PingInterval(),
		PongTimeout:     cfg.PongTimeout(),
	}, logger)
	srv.Router.Mount("/ws", wsHandler.Routes())

	gw := gateway.NewHandler(reg, cp, manager, cfg.MaxWSPayloadBytes, cfg.RequestTimeout(), logger)
	srv.Router.Mount("/local_tunnel", gw.TunnelRoutes())
	srv.Router.Mount("/static", gw.StaticRoutes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("edge gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down edge gateway", "pod_id", podID)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := reg.Teardown(shutdownCtx); err != nil {
			logger.Error("tearing down tunnel registry", "error", err)
		}
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
