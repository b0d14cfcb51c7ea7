// Package cli implements the meshd command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/meshd/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "meshd: geo-aware proxy mesh router",
	Long: `meshd places client sessions onto a three-tier proxy mesh
(edge, regional, backbone) using a consistent hash ring, per-node
circuit breakers and annealed geo-targeted placement.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default $MESHD_HOME/config.toml; .yaml/.yml read as YAML)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openDaemon builds an in-process mesh for one-shot commands. Storage is
// left to the serving daemon and logging is reduced to warnings.
func openDaemon() (*daemon.Daemon, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Storage.Enabled = false
	if cfg.Logging.Level == "debug" || cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	return daemon.NewWithConfig(cfg)
}
