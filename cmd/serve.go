package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geodecision/core"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

// serveCmd starts the local gateway
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local HTTP gateway",
	Long: `Start the local gateway. Clients post turns to /chat, follow session
snapshots on /events and manage sessions under /sessions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration from environment variables and flags
		config := loadConfig()

		// Initialize structured logger with the loaded configuration
		logger := core.InitializeLogger(config, nil)
		logger.Info("Starting geodecision gateway")

		// Create the core server instance with all dependencies
		server, err := core.NewServer(config, logger,
			core.NewHTTPBackend(config, logger),
			core.NewSSETransport(config, logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		e := echo.New()
		e.HideBanner = true

		// Configure middleware stack for request processing
		e.Use(middleware.Logger())  // HTTP request logging
		e.Use(middleware.Recover()) // Panic recovery
		e.Use(middleware.CORS())    // Cross-Origin Resource Sharing

		server.RegisterRoutes(e)

		// Start the HTTP server in a separate goroutine to allow for graceful shutdown
		errCh := make(chan error, 1)
		go func() {
			logger.WithField("port", config.Port).Info("Starting server")
			if err := e.Start(fmt.Sprintf(":%s", config.Port)); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

		select {
		case <-quit:
		case err := <-errCh:
			logger.WithError(err).Error("Failed to start server")
			_ = server.Close()
			return err
		}

		logger.Info("Shutting down server...")

		// Give ongoing requests 30 seconds to finish
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Event clients hold their request open, so the store goes first
		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Failed to close session store")
		}
		if err := e.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Failed to gracefully shutdown server")
			return err
		}
		logger.Info("Server shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
