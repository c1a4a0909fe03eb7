package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - multi-tenant service hosting kernel",
	Long: `Hutch hosts many small tenant services inside one process: Lua
workers under per-tenant supervision, an append-only event log that
survives restarts, capability tokens, resource monitoring with circuit
breakers, and crash recovery by replaying the log.

Run 'hutch serve' to start a kernel, then deploy and manage services
against its HTTP API with the other commands.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:7177", "Kernel API address")
	rootCmd.PersistentFlags().String("caller", "", "Acting tenant for cross-tenant checks")
}

// apiClient builds the HTTP client the management commands talk through.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	caller, _ := cmd.Flags().GetString("caller")

	var opts []client.Option
	if caller != "" {
		opts = append(opts, client.WithCaller(caller))
	}
	return client.New(addr, opts...)
}
