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
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"hubgate/internal/device"
	"hubgate/internal/hermes"
	"hubgate/internal/logger"
)

var (
	simulateHub       string
	simulateUniqueID  string
	simulateName      string
	simulatePosition  string
	simulateInterval  time.Duration
	simulateHeartbeat time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an emulated lamp device against a gateway",
	Long: `Connect an emulated lamp to the gateway hub address. The lamp registers,
answers power_on, power_off, set_color and get_state commands and reports a
fluctuating signal strength as state events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetSilentMode(false)
		if verbose {
			logger.SetLevel("debug")
		}
		log := logger.New()

		lamp := newEmulatedLamp()
		meta := device.Metadata{
			Name:       simulateName,
			Position:   simulatePosition,
			Vendor:     "hubgate",
			HWVersion:  "sim-1",
			SWVersion:  "1.0.0",
			Type:       "lighting",
			Operations: lamp.Operations(),
		}

		client := hermes.NewDeviceClient(simulateHub, simulateUniqueID, meta, lamp)
		client.SetHeartbeat(simulateHeartbeat)
		client.SetInitialState(lamp.Snapshot())

		if err := client.Start(); err != nil {
			return fmt.Errorf("failed to start emulated device: %w", err)
		}
		defer client.Stop()

		log.Info().
			Str("hub", simulateHub).
			Str("unique_id", simulateUniqueID).
			Msg("Emulated lamp running")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(simulateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sigChan:
				stats := client.GetStats()
				log.Info().
					Int("commands", stats.CommandsHandled).
					Int("events", stats.EventsSent).
					Msg("Emulated lamp stopping")
				return nil
			case <-ticker.C:
				if err := client.Emit(lamp.Drift()); err != nil {
					log.Debug().Err(err).Msg("Event not sent")
				}
			}
		}
	},
}

// emulatedLamp is the state machine behind the simulate command
type emulatedLamp struct {
	state map[string]any
	rng   *rand.Rand
	mutex sync.Mutex
}

func newEmulatedLamp() *emulatedLamp {
	return &emulatedLamp{
		state: map[string]any{
			"power":      "off",
			"color":      "white",
			"brightness": 100,
			"rssi":       -50,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *emulatedLamp) Operations() []string {
	return []string{"get_state", "power_off", "power_on", "set_color"}
}

// Snapshot returns a copy of the current state
func (l *emulatedLamp) Snapshot() map[string]any {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	out := make(map[string]any, len(l.state))
	for k, v := range l.state {
		out[k] = v
	}
	return out
}

// HandleCommand applies operation and replies with the changed state
func (l *emulatedLamp) HandleCommand(operation string, args json.RawMessage) (json.RawMessage, error) {
	delta := map[string]any{}

	switch operation {
	case "get_state":
		return json.Marshal(map[string]any{"state": l.Snapshot()})
	case "power_on":
		delta["power"] = "on"
	case "power_off":
		delta["power"] = "off"
	case "set_color":
		var params struct {
			Color      string `json:"color"`
			Brightness *int   `json:"brightness"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		if params.Color == "" {
			return nil, fmt.Errorf("color is required")
		}
		delta["color"] = params.Color
		if params.Brightness != nil {
			if *params.Brightness < 0 || *params.Brightness > 100 {
				return nil, fmt.Errorf("brightness %d out of range", *params.Brightness)
			}
			delta["brightness"] = *params.Brightness
		}
	default:
		return nil, fmt.Errorf("unknown operation %q", operation)
	}

	l.mutex.Lock()
	for k, v := range delta {
		l.state[k] = v
	}
	l.mutex.Unlock()

	return json.Marshal(map[string]any{"status": "ok", "state": delta})
}

// Drift moves the signal strength a little and returns it as an event delta
func (l *emulatedLamp) Drift() map[string]any {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	rssi, _ := l.state["rssi"].(int)
	rssi += l.rng.Intn(5) - 2
	if rssi > -30 {
		rssi = -30
	}
	if rssi < -90 {
		rssi = -90
	}
	l.state["rssi"] = rssi
	return map[string]any{"rssi": rssi}
}

func init() {
	simulateCmd.Flags().StringVar(&simulateHub, "hub", "tcp://localhost:5556", "Gateway hub address")
	simulateCmd.Flags().StringVar(&simulateUniqueID, "unique-id", "sim-lamp-01", "Durable device identity")
	simulateCmd.Flags().StringVar(&simulateName, "name", "Simulated lamp", "Device name")
	simulateCmd.Flags().StringVar(&simulatePosition, "position", "lab", "Device position")
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", 5*time.Second, "Interval between state events")
	simulateCmd.Flags().DurationVar(&simulateHeartbeat, "heartbeat", 5*time.Second, "Heartbeat interval")
}
