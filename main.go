package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mirror_server/config"
	"mirror_server/internal/bootstrap"
	"mirror_server/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "mirror",
	Short:         "Incremental Gmail sync into a local mirror",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if exists (for local development)
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(logger.Config{
			Level:   logger.ParseLevel(cfg.LogLevel),
			Service: "mirror",
			Console: cfg.Environment == "development",
		})
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scheduler and the manual trigger consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func main() {
	rootCmd.AddCommand(workerCmd)
	registerCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runWorker() error {
	w, cleanup, err := bootstrap.NewWorker(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("initialize worker: %w", err)
	}
	defer cleanup()

	// Graceful shutdown with timeout
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

		done := make(chan struct{})
		go func() {
			w.Stop()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("Worker shut down gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("Worker shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	logger.Info("Starting worker %s...", cfg.WorkerID)
	w.Start()
	return nil
}
