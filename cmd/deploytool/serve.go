package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"deploytool/internal/history"
	"deploytool/internal/server"
	"deploytool/internal/target"

	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the wait for running deploys on SIGTERM.
const shutdownTimeout = 10 * time.Minute

var (
	logFile  string
	host     string
	port     int
	testMode bool
	noFetch  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server receiving GitHub push webhooks.

A push to the configured branch of an environment with a webhook_secret_env deploys
the pushed commit to every host of that environment, without confirmation and without
pauses. Deliveries are answered before the deploy runs; the outcome is written to the
task journal on each host and to the local task history.

Routes:
  POST /in/{project}/{environment}   GitHub push webhook
  GET  /status/{project}/{environment}
  GET  /health`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("DEPLOYTOOL_LOG_FILE", "./deployments.log"), "Path to log file")
	serveCmd.Flags().StringVar(&host, "bind", getEnvOrDefault("DEPLOYTOOL_HOST", "127.0.0.1"), "Address to bind to")
	serveCmd.Flags().IntVar(&port, "port", getEnvOrDefaultInt("DEPLOYTOOL_PORT", 5000), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("DEPLOYTOOL_TEST_MODE") == "1", "Disable rate limiting and the task history")
	serveCmd.Flags().BoolVar(&noFetch, "no-fetch", false, "Deploy from the local repositories without fetching origin first")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Set up logging
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting deploytool webhook server", "version", version)

	registry, path, err := loadRegistry()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return err
	}
	logger.Info("Configuration validated successfully", "config", path, "count", registry.Count())

	// Warn if no projects are configured
	if registry.Count() == 0 {
		logger.Warn("No projects configured in config file", "config", path)
		logger.Warn("The server will start but won't handle any deployments until projects are added")
	}

	// Initialize history database
	var hist *history.History
	if !testMode {
		historyPath := dbPath
		if historyPath == "" {
			historyPath = "./deployments.db"
		}
		logger.Info("Initializing history database", "db", historyPath)
		hist, err = history.NewHistory(historyPath)
		if err != nil {
			logger.Error("Failed to initialize history database", "error", err)
			return fmt.Errorf("failed to initialize history database: %w", err)
		}
		defer hist.Close()
	}

	deployer := &target.Deployer{
		History: hist,
		Logger:  logger,
		NoFetch: noFetch,
	}
	srv := server.NewServer(registry, hist, deployer, logger, testMode)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(host, port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-cmd.Context().Done():
	}

	logger.Info("Shutting down, waiting for running deployments")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	// Create multi-writer to log to both file and console
	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), file, nil
}
