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

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Hub     HubConfig     `yaml:"hub"`
	Control ControlConfig `yaml:"control"`
	Push    PushConfig    `yaml:"push"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains client-facing server settings
type ServerConfig struct {
	API APIConfig `yaml:"api"`
}

// APIConfig contains HTTP JSON-RPC server settings
type APIConfig struct {
	Address string `yaml:"address"`
	Timeout string `yaml:"timeout"`
}

// HubConfig contains device-facing ZMQ listener settings
type HubConfig struct {
	Address   string `yaml:"address"`
	Heartbeat string `yaml:"heartbeat"`
	Liveness  int    `yaml:"liveness"`
	SendQueue int    `yaml:"send_queue"`
}

// ControlConfig contains command invocation settings
type ControlConfig struct {
	DefaultTimeout string `yaml:"default_timeout"`
	MaxTimeout     string `yaml:"max_timeout"`
	StaleCacheSize int    `yaml:"stale_cache_size"`
}

// PushConfig contains push notification settings
type PushConfig struct {
	Enabled   bool        `yaml:"enabled"`
	Backend   string      `yaml:"backend"` // "webhook" or "mqtt"
	Server    string      `yaml:"server"`
	Timeout   string      `yaml:"timeout"`
	QueueSize int         `yaml:"queue_size"`
	MQTT      MQTTConfig  `yaml:"mqtt"`
	Store     StoreConfig `yaml:"store"`
}

// MQTTConfig contains MQTT push backend settings
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// StoreConfig contains push target store settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	PushBackendWebhook = "webhook"
	PushBackendMQTT    = "mqtt"
)

// Load loads configuration from a YAML file
func Load(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Save saves configuration to a YAML file
func Save(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefault creates a default configuration
func NewDefault() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

// setDefaults ensures all required fields have default values
func (c *Config) setDefaults() {
	if c.Server.API.Address == "" {
		c.Server.API.Address = ":8080"
	}
	if c.Server.API.Timeout == "" {
		c.Server.API.Timeout = "15s"
	}

	if c.Hub.Address == "" {
		c.Hub.Address = "tcp://*:5556"
	}
	if c.Hub.Heartbeat == "" {
		c.Hub.Heartbeat = "10s"
	}
	if c.Hub.Liveness == 0 {
		c.Hub.Liveness = 3
	}
	if c.Hub.SendQueue == 0 {
		c.Hub.SendQueue = 256
	}

	if c.Control.DefaultTimeout == "" {
		c.Control.DefaultTimeout = "5s"
	}
	if c.Control.MaxTimeout == "" {
		c.Control.MaxTimeout = "60s"
	}
	if c.Control.StaleCacheSize == 0 {
		c.Control.StaleCacheSize = 1024
	}

	if c.Push.Backend == "" {
		c.Push.Backend = PushBackendWebhook
	}
	if c.Push.Server == "" {
		c.Push.Server = "http://localhost:8800"
	}
	if c.Push.Timeout == "" {
		c.Push.Timeout = "5s"
	}
	if c.Push.QueueSize == 0 {
		c.Push.QueueSize = 128
	}
	if c.Push.MQTT.Broker == "" {
		c.Push.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.Push.MQTT.TopicPrefix == "" {
		c.Push.MQTT.TopicPrefix = "hubgate/push"
	}
	if c.Push.MQTT.ClientID == "" {
		c.Push.MQTT.ClientID = "hubgate"
	}
	if c.Push.Store.Path == "" {
		c.Push.Store.Path = "push.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	durations := map[string]string{
		"server.api.timeout":      c.Server.API.Timeout,
		"hub.heartbeat":           c.Hub.Heartbeat,
		"control.default_timeout": c.Control.DefaultTimeout,
		"control.max_timeout":     c.Control.MaxTimeout,
		"push.timeout":            c.Push.Timeout,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		// A zero timeout would mean waiting forever on a device
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	if c.ControlDefaultTimeout() > c.ControlMaxTimeout() {
		return fmt.Errorf("control.default_timeout must not exceed control.max_timeout")
	}

	if c.Hub.Address == "" {
		return fmt.Errorf("hub.address is required")
	}
	if c.Hub.Liveness < 1 {
		return fmt.Errorf("hub.liveness must be at least 1")
	}
	if c.Hub.SendQueue < 1 {
		return fmt.Errorf("hub.send_queue must be at least 1")
	}
	if c.Control.StaleCacheSize < 1 {
		return fmt.Errorf("control.stale_cache_size must be at least 1")
	}

	if c.Push.Store.Path == "" {
		return fmt.Errorf("push.store.path is required")
	}
	if c.Push.Enabled {
		switch c.Push.Backend {
		case PushBackendWebhook:
			if c.Push.Server == "" {
				return fmt.Errorf("push.server is required for the webhook backend")
			}
		case PushBackendMQTT:
			if c.Push.MQTT.Broker == "" {
				return fmt.Errorf("push.mqtt.broker is required for the mqtt backend")
			}
		default:
			return fmt.Errorf("push.backend must be '%s' or '%s'", PushBackendWebhook, PushBackendMQTT)
		}
		if c.Push.QueueSize < 1 {
			return fmt.Errorf("push.queue_size must be at least 1")
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}

	return nil
}

// APITimeout returns the API timeout as a time.Duration
func (c *Config) APITimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.API.Timeout)
	return duration
}

// HubHeartbeat returns the expected device heartbeat interval
func (c *Config) HubHeartbeat() time.Duration {
	duration, _ := time.ParseDuration(c.Hub.Heartbeat)
	return duration
}

// ControlDefaultTimeout returns the invoke timeout used when a client sends none
func (c *Config) ControlDefaultTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Control.DefaultTimeout)
	return duration
}

// ControlMaxTimeout returns the upper bound for client-supplied timeouts
func (c *Config) ControlMaxTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Control.MaxTimeout)
	return duration
}

// PushTimeout returns the per-notification delivery timeout
func (c *Config) PushTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Push.Timeout)
	return duration
}
