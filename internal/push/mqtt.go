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

package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"hubgate/internal/device"
	"hubgate/internal/logger"
)

// MQTTOptions configures the MQTT notifier
type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Timeout     time.Duration
}

// MQTTNotifier publishes each notification to <prefix>/<device_id>
type MQTTNotifier struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewMQTTNotifier connects to the broker
func NewMQTTNotifier(opts MQTTOptions) (*MQTTNotifier, error) {
	log := logger.GetLogger("push.mqtt")

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.Timeout).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Str("broker", opts.Broker).Msg("MQTT connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.Timeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return newMQTTNotifier(client, opts.TopicPrefix, opts.Timeout), nil
}

func newMQTTNotifier(client mqtt.Client, prefix string, timeout time.Duration) *MQTTNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTNotifier{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: timeout,
		logger:  logger.GetLogger("push.mqtt"),
	}
}

// Topic returns the topic a device's notifications are published on
func (m *MQTTNotifier) Topic(deviceID device.ID) string {
	return m.prefix + "/" + deviceID.String()
}

// Notify publishes one notification with QoS 1
func (m *MQTTNotifier) Notify(ctx context.Context, deviceID device.ID, delta map[string]any) error {
	payload, err := json.Marshal(Notification{
		DeviceID:  deviceID,
		Delta:     delta,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	timeout := m.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	token := m.client.Publish(m.Topic(deviceID), 1, false, payload)
	if !token.WaitTimeout(timeout) {
		return errors.New("timed out publishing to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close disconnects from the broker
func (m *MQTTNotifier) Close() {
	m.client.Disconnect(250)
}
