package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/magiccat/magiccat/internal/config"
	"github.com/magiccat/magiccat/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tool-call webhook over HTTP",
		Long: `Starts the HTTP server. Chat agents POST structured calls to /api/tool-calls:

  {"userId": "...", "action": "create|query|modify|delete|confirmDelete|createTodo", "payload": {...}}

Health is reported on /health and Prometheus metrics on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTPPort = port
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "HTTP port. Can also use MAGICCAT_HTTP_PORT env var.")
	return cmd
}

func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := server.New(server.Config{
		DB:         a.db,
		Dispatcher: a.dispatcher,
		Sessions:   a.orch,
		Metrics:    a.metrics.Handler(),
		Logger:     a.logger,
		Port:       cfg.HTTPPort,
		APIToken:   cfg.APIToken,
	})
	if cfg.APIToken == "" {
		a.logger.Warn("MAGICCAT_API_TOKEN not set, the HTTP API is unauthenticated")
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutdown signal received, stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
