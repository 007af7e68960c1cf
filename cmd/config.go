package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"hubgate/internal/config"
)

var configPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage gateway configuration",
	Long:  `Generate or validate gateway configuration files.`,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		if err := config.Save(config.NewDefault(), path); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", path)
		cmd.Printf("Hub address: %s\n", cfg.Hub.Address)
		cmd.Printf("API address: %s\n", cfg.Server.API.Address)
		cmd.Printf("Invoke timeout: %s (max %s)\n", cfg.Control.DefaultTimeout, cfg.Control.MaxTimeout)
		if cfg.Push.Enabled {
			cmd.Printf("Push backend: %s\n", cfg.Push.Backend)
		} else {
			cmd.Println("Push backend: disabled")
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configValidateCmd)

	configCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gateway.yml", "Path to configuration file")
}
