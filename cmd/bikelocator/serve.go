package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fourma/bikelocator/internal/analytics"
	"github.com/fourma/bikelocator/internal/locator"
	"github.com/fourma/bikelocator/pkg/middleware"
)

func newServeCmd(c *cli) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := c.cfg
			if port > 0 {
				cfg.Server.Port = port
			}

			a, err := newApp(ctx, cfg, appOptions{background: true})
			if err != nil {
				return err
			}
			defer a.close()

			router := locator.NewRouter(locator.RouterConfig{
				Handler:        locator.NewHandler(a.service, a.catalog),
				Health:         a.checker,
				Analytics:      analytics.NewHandler(a.aggregator),
				Metrics:        a.metrics,
				Limiter:        middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window),
				RequestTimeout: cfg.Server.RequestTimeout,
				CORSOrigins:    cfg.Server.CORSOrigins,
			})

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:      router,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			shutdownDone := make(chan struct{})
			go func() {
				defer close(shutdownDone)
				<-ctx.Done()
				slog.Info("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("server shutdown error", "error", err)
				}
			}()

			slog.Info("bike locator listening", "addr", server.Addr, "version", version)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			<-shutdownDone
			slog.Info("bike locator stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "server port (default from config)")
	return cmd
}
