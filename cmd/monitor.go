package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"hubgate/cmd/cli"
	"hubgate/internal/rpc"
)

var (
	monitorURL      string
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch the devices of a running gateway",
	Long:  `Open a live table of registered devices, refreshed from the gateway JSON-RPC API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := rpc.NewClient(monitorURL, monitorInterval)
		return cli.StartMonitor(client, monitorURL, monitorInterval)
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorURL, "url", "http://localhost:8080", "Gateway API base URL")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 2*time.Second, "Refresh interval")
}
