package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/api"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/kernel"
	"github.com/cuemby/hutch/pkg/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hutch kernel and its HTTP API",
	Long: `Boot a hutch kernel and serve its API until interrupted.

Boot opens the event log, replays it to resurrect services that were
running before the last stop, verifies the result, then brings up the
monitors and the HTTP gateway. SIGINT or SIGTERM triggers a graceful
shutdown that drains in-flight requests and flushes the log.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "TOML configuration file")
	serveCmd.Flags().String("data-dir", "", "Override data directory")
	serveCmd.Flags().String("listen", "", "Override API listen address")
	serveCmd.Flags().String("metrics-listen", "", "Override metrics listen address")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.API.Listen = v
	}
	if v, _ := cmd.Flags().GetString("metrics-listen"); v != "" {
		cfg.API.MetricsListen = v
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	fmt.Println("Starting hutch kernel...")
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  API Address: %s\n", cfg.API.Listen)
	fmt.Printf("  Metrics Address: %s\n", cfg.API.MetricsListen)
	fmt.Println()

	k, err := kernel.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to boot kernel: %w", err)
	}
	if report := k.BootReport(); report != nil && report.Recovered+report.Failed > 0 {
		fmt.Printf("✓ Kernel booted (recovered %d services, %d failed)\n",
			report.Recovered, report.Failed)
	} else {
		fmt.Println("✓ Kernel booted")
	}

	// Start API server in background
	server := api.New(k)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	fmt.Println("✓ API server started")

	fmt.Println()
	fmt.Println("Kernel is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown: %v\n", err)
	}
	if err := k.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
