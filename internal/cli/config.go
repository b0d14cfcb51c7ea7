package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tutu-network/meshd/internal/daemon"
)

func init() {
	configCmd.Flags().BoolVar(&configWrite, "write", false, "Save the effective configuration to $MESHD_HOME/config.toml")
	rootCmd.AddCommand(configCmd)
}

var configWrite bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print or save the effective configuration as TOML",
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if configWrite {
		if err := daemon.SaveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", filepath.Join(daemon.Home(), "config.toml"))
		return nil
	}
	return daemon.WriteTOML(cmd.OutOrStdout(), cfg)
}
