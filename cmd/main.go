package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (can be set at build time)
var (
	version = "0.1.0"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "scope-launcher",
	Short: "Set up and supervise the local Scope backend",
	Long: `scope-launcher prepares and runs the Scope Python backend on this machine.

On first run it copies the bundled project into the data directory, installs
the uv environment manager and syncs the backend's dependencies. It then
starts the backend on a free port and keeps an eye on it until you stop it.

Usage:
  scope-launcher setup     Install uv and the backend dependencies
  scope-launcher run       Set up if needed and run the backend
  scope-launcher stop      Stop a backend started by 'run'
  scope-launcher status    Show setup and server state
  scope-launcher doctor    Diagnose the installation
  scope-launcher serve     Run the control API for a desktop UI`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (default <data dir>/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Also write logs to stderr")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
