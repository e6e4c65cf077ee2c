// Package main provides the long-running sync service:
// - Scheduler (timer-driven): poll -> reconcile -> acknowledge
// - Push wake-ups (optional): websocket frames trigger non-forced ticks
// - HTTP surface: /sync, /sync/{assetId}, /offers, /domains, /health, /status, /metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"market-sync/internal/api"
	"market-sync/internal/app"
	"market-sync/internal/config"
)

// Server holds all components of the service.
type Server struct {
	app    *app.App
	api    *api.Server
	logger *log.Logger
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	configPath := flag.String("config", os.Getenv("MARKETSYNC_CONFIG"), "Path to config file (yaml, json or toml)")
	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Fatalf("Failed to build components: %v", err)
	}
	defer a.Close()

	server := &Server{
		app:    a,
		api:    newAPIServer(a, logger),
		logger: logger,
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	err = server.Run(ctx)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Server error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// newAPIServer builds the HTTP surface. The refresher stays a nil interface when refresh is not configured.
func newAPIServer(a *app.App, logger *log.Logger) *api.Server {
	var refresher api.Refresher
	if a.Fetcher != nil {
		refresher = a.Fetcher
	}
	return api.NewServer(a.Scheduler, refresher, a.Ledger, a.Stores.Cursor, api.WithLogger(logger))
}

// Run starts the scheduler, the optional push subscriber and the HTTP server.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Println("Starting market sync server...")

	// Create error channel for goroutines
	errCh := make(chan error, 3)

	go func() {
		err := s.app.Scheduler.Run(ctx, s.app.Config.Sync.Interval)
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	if s.app.Subscriber != nil {
		go func() {
			err := s.app.Subscriber.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("push subscriber: %w", err)
			}
		}()
	} else {
		s.logger.Println("Push wake-ups disabled (notify.ws_url not set)")
	}

	go func() {
		if err := s.api.ListenAndServe(ctx, s.app.Config.HTTP.Addr); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// loadEnvFile loads environment variables from .env file.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
