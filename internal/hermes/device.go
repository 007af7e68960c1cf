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

package hermes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"hubgate/internal/device"
	"hubgate/internal/logger"
)

// CommandHandler executes commands addressed to an emulated device
type CommandHandler interface {
	HandleCommand(operation string, args json.RawMessage) (json.RawMessage, error)
}

// CommandHandlerFunc adapts a function to CommandHandler
type CommandHandlerFunc func(operation string, args json.RawMessage) (json.RawMessage, error)

// HandleCommand calls f
func (f CommandHandlerFunc) HandleCommand(operation string, args json.RawMessage) (json.RawMessage, error) {
	return f(operation, args)
}

// StateReporter is implemented by handlers that can report their full state,
// sent along with every REGISTER
type StateReporter interface {
	Snapshot() map[string]any
}

// DeviceState represents the state of a device client
type DeviceState int

const (
	DeviceStateDisconnected DeviceState = iota
	DeviceStateConnecting
	DeviceStateRegistered
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateDisconnected:
		return "disconnected"
	case DeviceStateConnecting:
		return "connecting"
	case DeviceStateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// DeviceStats represents device client statistics
type DeviceStats struct {
	CommandsHandled int       `json:"commands_handled"`
	CommandsFailed  int       `json:"commands_failed"`
	EventsSent      int       `json:"events_sent"`
	LastCommand     time.Time `json:"last_command"`
	StartTime       time.Time `json:"start_time"`
	State           string    `json:"state"`
}

// DeviceClient speaks the device side of the hub protocol over a DEALER
// socket. It is used to emulate devices during development.
type DeviceClient struct {
	hub       string
	uniqueID  string
	metadata  device.Metadata
	initial   map[string]any
	handler   CommandHandler
	heartbeat time.Duration

	socket   *zmq4.Socket
	outbox   chan *Frame
	deviceID device.ID
	state    DeviceState
	stats    DeviceStats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
	mutex  sync.RWMutex
}

// NewDeviceClient creates a device client that registers as uniqueID
func NewDeviceClient(hub, uniqueID string, meta device.Metadata, handler CommandHandler) *DeviceClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &DeviceClient{
		hub:       hub,
		uniqueID:  uniqueID,
		metadata:  meta,
		handler:   handler,
		heartbeat: 10 * time.Second,
		outbox:    make(chan *Frame, 64),
		state:     DeviceStateDisconnected,
		stats:     DeviceStats{StartTime: time.Now()},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger.GetLogger("device-client").With().Str("unique_id", uniqueID).Logger(),
	}
}

// SetHeartbeat sets the heartbeat interval
func (d *DeviceClient) SetHeartbeat(interval time.Duration) {
	d.heartbeat = interval
}

// SetInitialState sets the state reported with the REGISTER frame
func (d *DeviceClient) SetInitialState(state map[string]any) {
	d.initial = state
}

// Start connects to the hub and sends REGISTER
func (d *DeviceClient) Start() error {
	d.logger.Info().Str("hub", d.hub).Msg("Starting device client")

	d.setState(DeviceStateConnecting)

	socket, err := zmq4.NewSocket(zmq4.DEALER)
	if err != nil {
		return fmt.Errorf("failed to create DEALER socket: %w", err)
	}
	if err = socket.SetIdentity(d.uniqueID); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set socket identity: %w", err)
	}
	if err = socket.SetLinger(time.Second); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.Connect(d.hub); err != nil {
		socket.Close()
		return fmt.Errorf("failed to connect to hub: %w", err)
	}
	d.socket = socket

	if err = d.send(d.registerFrame()); err != nil {
		socket.Close()
		d.socket = nil
		return fmt.Errorf("failed to send REGISTER: %w", err)
	}

	go d.loop()
	return nil
}

// Stop sends DISCONNECT and closes the socket
func (d *DeviceClient) Stop() error {
	d.logger.Info().Msg("Stopping device client")

	d.cancel()
	if d.socket == nil {
		return nil
	}
	<-d.done

	if err := d.send(BuildDisconnect()); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to send DISCONNECT")
	}
	err := d.socket.Close()
	d.socket = nil
	d.setState(DeviceStateDisconnected)
	return err
}

// Emit queues an unsolicited state event
func (d *DeviceClient) Emit(delta map[string]any) error {
	id := d.DeviceID()
	if id == 0 {
		return errors.New("device client: not registered")
	}

	select {
	case d.outbox <- BuildEvent(id, delta):
		return nil
	default:
		return errors.New("device client: outbox full")
	}
}

// loop owns the socket: it polls inbound frames, drains the outbox and sends heartbeats
func (d *DeviceClient) loop() {
	defer close(d.done)

	poller := zmq4.NewPoller()
	poller.Add(d.socket, zmq4.POLLIN)
	nextBeat := time.Now().Add(d.heartbeat)

	for {
		if d.ctx.Err() != nil {
			return
		}

		polled, err := poller.Poll(50 * time.Millisecond)
		if err != nil {
			d.logger.Error().Err(err).Msg("Poll failed")
			continue
		}

		if len(polled) > 0 {
			msg, err := d.socket.RecvMessageBytes(0)
			if err != nil {
				d.logger.Error().Err(err).Msg("Failed to receive frame")
				continue
			}
			if len(msg) < 2 || len(msg[0]) != 0 {
				d.logger.Warn().Int("parts_count", len(msg)).Msg("Received malformed message")
				continue
			}

			frame, err := DeserializeFrame(msg[1])
			if err != nil {
				d.logger.Warn().Err(err).Msg("Dropping invalid frame")
				continue
			}
			if reply := d.handleFrame(frame); reply != nil {
				if err := d.send(reply); err != nil {
					d.logger.Error().Err(err).Msg("Failed to send reply")
				}
			}
		}

	drain:
		for {
			select {
			case frame := <-d.outbox:
				if d.DeviceID() == 0 {
					d.logger.Debug().Msg("Dropping event queued before re-registration")
					continue
				}
				if err := d.send(frame); err != nil {
					d.logger.Error().Err(err).Msg("Failed to send event")
					continue
				}
				d.mutex.Lock()
				d.stats.EventsSent++
				d.mutex.Unlock()
			default:
				break drain
			}
		}

		if time.Now().After(nextBeat) {
			// Until REGISTERED arrives every beat repeats the registration
			beat := BuildHeartbeat()
			if d.DeviceID() == 0 {
				beat = d.registerFrame()
			}
			if err := d.send(beat); err != nil {
				d.logger.Warn().Err(err).Str("kind", beat.Kind).Msg("Failed to send heartbeat")
			}
			nextBeat = time.Now().Add(d.heartbeat)
		}
	}
}

// handleFrame applies a gateway frame and returns the frame to answer with, if any
func (d *DeviceClient) handleFrame(frame *Frame) *Frame {
	switch frame.Kind {
	case FRAME_REGISTERED:
		d.mutex.Lock()
		d.deviceID = frame.DeviceID
		d.state = DeviceStateRegistered
		d.mutex.Unlock()

		d.logger.Info().Str("device_id", frame.DeviceID.String()).Msg("Registered with hub")
		return nil

	case FRAME_COMMAND:
		d.logger.Info().
			Str("correlation_id", frame.CorrelationID).
			Str("operation", frame.Operation).
			Msg("Processing command")

		var payload json.RawMessage
		err := errors.New("no command handler configured")
		if d.handler != nil {
			payload, err = d.handler.HandleCommand(frame.Operation, frame.Args)
		}

		d.mutex.Lock()
		d.stats.LastCommand = time.Now()
		if err != nil {
			d.stats.CommandsFailed++
		} else {
			d.stats.CommandsHandled++
		}
		d.mutex.Unlock()

		if err != nil {
			return BuildReplyError(frame.CorrelationID, err.Error())
		}
		return BuildReply(frame.CorrelationID, payload)

	case FRAME_DISCONNECT:
		d.logger.Warn().Msg("Hub closed the channel - registering again")
		d.mutex.Lock()
		d.deviceID = 0
		d.state = DeviceStateConnecting
		d.mutex.Unlock()
		return d.registerFrame()

	default:
		d.logger.Debug().Str("kind", frame.Kind).Msg("Ignoring frame")
		return nil
	}
}

// registerFrame builds REGISTER with the handler's current state when it can report one
func (d *DeviceClient) registerFrame() *Frame {
	state := d.initial
	if reporter, ok := d.handler.(StateReporter); ok {
		state = reporter.Snapshot()
	}
	return BuildRegister(d.uniqueID, d.metadata, state)
}

func (d *DeviceClient) send(frame *Frame) error {
	if d.socket == nil {
		return errors.New("socket not initialized")
	}

	data, err := SerializeFrame(frame)
	if err != nil {
		return err
	}
	if _, err := d.socket.SendMessage("", data); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", frame.Kind, err)
	}
	return nil
}

func (d *DeviceClient) setState(state DeviceState) {
	d.mutex.Lock()
	d.state = state
	d.mutex.Unlock()
}

// DeviceID returns the id assigned by the hub, 0 until registered
func (d *DeviceClient) DeviceID() device.ID {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.deviceID
}

// GetStats returns device client statistics
func (d *DeviceClient) GetStats() DeviceStats {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	stats := d.stats
	stats.State = d.state.String()
	return stats
}
