package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greenday-app/leafdx/internal/server"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the diagnosis API",
	Long: `Start an HTTP server that provides REST and websocket endpoints for
plant disease diagnosis.

The server provides the following endpoints:
  POST /v1/diagnose        - Diagnose an uploaded leaf photo
  GET  /v1/diagnose/stream - Websocket diagnosis with stage updates
  GET  /v1/diagnoses       - List an owner's diagnosis history
  GET  /v1/diagnoses/{id}  - Fetch a stored diagnosis
  GET  /v1/vocabulary      - List disease keys with localized labels
  GET  /v1/remedy/{key}    - Care guide for a disease key
  GET  /health             - Health check endpoint
  GET  /metrics            - Prometheus metrics

Examples:
  leafdx serve
  leafdx serve --port 8080
  leafdx serve --host 0.0.0.0 --port 3000 --language en`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host, _ = cmd.Flags().GetString("host")
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		corsOrigin := cfg.Server.CORSOrigin
		if cmd.Flags().Changed("cors-origin") {
			corsOrigin, _ = cmd.Flags().GetString("cors-origin")
		}

		maxUploadSize := cfg.Server.MaxUploadMB
		if cmd.Flags().Changed("max-upload-size") {
			maxUploadSize, _ = cmd.Flags().GetInt("max-upload-size")
		}

		timeout := cfg.Server.TimeoutSec
		if cmd.Flags().Changed("timeout") {
			timeout, _ = cmd.Flags().GetInt("timeout")
		}

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if cmd.Flags().Changed("shutdown-timeout") {
			shutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
		}

		rateLimitPerMin := cfg.Server.RateLimitPerMin
		if cmd.Flags().Changed("rate-limit-per-min") {
			rateLimitPerMin, _ = cmd.Flags().GetInt("rate-limit-per-min")
		}

		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", port)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p, err := buildPipeline(cfg, true)
		if err != nil {
			return fmt.Errorf("failed to initialize pipeline: %w", err)
		}
		defer func() { _ = p.Close() }()

		server.RegisterModelsLoadedGauge(p.Registry.LoadedCount)

		diagServer := server.NewServer(server.Config{
			Host:            host,
			Port:            port,
			CORSOrigin:      corsOrigin,
			MaxUploadMB:     int64(maxUploadSize),
			TimeoutSec:      timeout,
			RateLimitPerMin: rateLimitPerMin,
		}, server.Deps{
			Diagnoser: p.Diagnoser,
			Records:   p.Store,
			Localizer: p.Localizer,
		})

		mux := http.NewServeMux()
		diagServer.SetupRoutes(mux)

		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       time.Duration(timeout) * time.Second,
			WriteTimeout:      time.Duration(timeout) * time.Second,
		}

		go func() {
			slog.Info("Starting diagnosis server", "host", host, "port", port, "language", cfg.Language)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		slog.Info("Starting graceful shutdown", "timeout", fmt.Sprintf("%ds", shutdownTimeout))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(shutdownTimeout)*time.Second)
		defer shutdownCancel()

		slog.Info("Shutting down HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server shutdown completed")
		}

		slog.Info("Releasing pipeline resources")
		if err := p.Close(); err != nil {
			slog.Error("Pipeline cleanup error", "error", err)
		} else {
			slog.Info("Pipeline cleanup completed")
		}

		slog.Info("Graceful shutdown completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "0.0.0.0", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 20, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 60, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Int("rate-limit-per-min", 0, "maximum requests per minute per client (0 disables)")
}
