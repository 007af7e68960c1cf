package cmd

import (
	"github.com/spf13/cobra"
	"hubgate/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "hubgate",
	Short: "Hubgate - a home automation gateway for connected devices",
	Long: `Hubgate keeps a live registry of devices connected over ZMQ, relays client
commands to them and forwards their state changes to a push service.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(simulateCmd)
}

