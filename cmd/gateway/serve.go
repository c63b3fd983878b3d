package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/copilot-messages-gateway/internal/config"
	"github.com/tjfontaine/copilot-messages-gateway/internal/telemetry"
	"github.com/tjfontaine/copilot-messages-gateway/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// Initialize structured logger
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)

		if cfg.Telemetry.Enabled {
			shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
				}
			}()
		}

		gw, err := gateway.New(
			gateway.WithConfig(cfg),
			gateway.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			gw.Shutdown(context.Background())
			return fmt.Errorf("listen: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return gw.Serve(gctx, ln)
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutdown signal received, stopping gateway")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return gw.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}
