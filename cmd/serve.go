// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"hubgate/internal/config"
	"hubgate/internal/gateway"
	"hubgate/internal/logger"
	"hubgate/internal/rpc"
)

var (
	serveConfigPath string
	serveHubAddr    string
	serveAPIAddr    string
	serveDebugFlag  bool

	statusURL     string
	statusVerbose bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway daemon",
	Long: `Start the gateway daemon. Devices connect to the hub address over ZMQ and
register themselves; clients query and control them through the JSON-RPC API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		setupLogging(cfg)

		log := logger.New()
		log.Info().
			Str("config_file", serveConfigPath).
			Str("hub_address", cfg.Hub.Address).
			Str("api_address", cfg.Server.API.Address).
			Str("log_level", cfg.Logging.Level).
			Msg("Starting hubgate daemon")

		gw := gateway.New(cfg)
		if err := gw.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start gateway")
			return err
		}

		// Handle graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		sig := <-sigChan
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")

		if err := gw.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping gateway")
			return err
		}

		log.Info().Msg("Hubgate daemon stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkStatus(cmd)
	},
}

// loadConfiguration loads the config file when present and applies CLI flag overrides
func loadConfiguration() (*config.Config, error) {
	var cfg *config.Config

	if serveConfigPath != "" {
		if _, statErr := os.Stat(serveConfigPath); statErr == nil {
			loaded, err := config.Load(serveConfigPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("failed to check config file: %w", statErr)
		}
	}

	// If no config file or config file doesn't exist, use defaults
	if cfg == nil {
		cfg = config.NewDefault()
	}

	if serveHubAddr != "" {
		cfg.Hub.Address = serveHubAddr
	}
	if serveAPIAddr != "" {
		cfg.Server.API.Address = serveAPIAddr
	}
	if serveDebugFlag {
		cfg.Logging.Level = "debug"
	}

	return cfg, cfg.Validate()
}

// setupLogging configures the logger based on configuration
func setupLogging(cfg *config.Config) {
	logger.SetSilentMode(false)
	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
}

// checkStatus queries the health and status endpoints of a running gateway
func checkStatus(cmd *cobra.Command) error {
	client := &http.Client{Timeout: 5 * time.Second}
	base := strings.TrimRight(statusURL, "/")

	healthResp, healthErr := makeHTTPRequest(client, base+rpc.APIPrefix+"/health")
	statusResp, statusErr := makeHTTPRequest(client, base+rpc.APIPrefix+"/status")

	if statusVerbose {
		result := map[string]interface{}{
			"online":    statusErr == nil && healthErr == nil,
			"url":       base,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if statusErr != nil {
			result["status_error"] = statusErr.Error()
		} else {
			result["status"] = statusResp
		}
		if healthErr != nil {
			result["health_error"] = healthErr.Error()
		} else {
			result["health"] = healthResp
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if statusErr != nil || healthErr != nil {
		cmd.Printf("Gateway Status: ✗ OFFLINE\n")
		if statusErr != nil {
			cmd.Printf("Connection Error: %v\n", statusErr)
		}
		return nil
	}

	cmd.Printf("Gateway Status: ✓ RUNNING\n")
	cmd.Printf("API Address: %s\n", base)
	for _, key := range []string{"devices", "online", "channels", "pending"} {
		if v, ok := statusResp[key].(float64); ok {
			cmd.Printf("%s: %.0f\n", titleCase(key), v)
		}
	}
	if uptime, ok := statusResp["uptime"].(string); ok {
		cmd.Printf("Uptime: %s\n", uptime)
	}
	return nil
}

// makeHTTPRequest makes an HTTP GET request and returns the response body
func makeHTTPRequest(client *http.Client, url string) (map[string]interface{}, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return result, nil
}

// titleCase converts a string to title case (capitalize first letter)
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "gateway.yml", "Path to gateway configuration file")
	serveCmd.Flags().StringVar(&serveHubAddr, "hub", "", "ZMQ address devices connect to (overrides config)")
	serveCmd.Flags().StringVar(&serveAPIAddr, "api", "", "HTTP API listen address (overrides config)")
	serveCmd.Flags().BoolVarP(&serveDebugFlag, "debug", "d", false, "Enable debug logging")

	statusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:8080", "Gateway API base URL")
	statusCmd.Flags().BoolVar(&statusVerbose, "json", false, "Print the raw status as JSON")
}
