package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is the node version reported by the API and CLI
const Version = "0.3.0"

var configPath string

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(VersionCmd)
	ServeCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML or JSON config file (overrides CONFIG_FILE)")
}

// RootCmd is the signet command
var RootCmd = &cobra.Command{
	Use:          "signet",
	Short:        "Signet subnet mempool and batching node",
	SilenceUsage: true,
}

// ServeCmd runs the node
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the subnet node",
	RunE:  serve,
}

// VersionCmd prints the version
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the node version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func serve(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		os.Setenv("CONFIG_FILE", configPath)
	}

	cfg := LoadConfig()
	initLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	node, err := NewSignetNode(cfg, NewChainClient(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize signet node: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return node.StartServer(ctx)
}

func main() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
