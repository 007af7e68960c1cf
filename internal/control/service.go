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

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"hubgate/internal/device"
	"hubgate/internal/hermes"
	"hubgate/internal/hub"
	"hubgate/internal/logger"
	"hubgate/internal/metrics"
	"hubgate/internal/pending"
)

var (
	ErrUnsupportedOperation = errors.New("control: unsupported operation")
	ErrDeviceOffline        = errors.New("control: device offline")
	ErrDeviceRemoved        = errors.New("control: device removed")
)

// Channels resolves a registry connection to its open hub channel
type Channels interface {
	Lookup(identity string) (*hub.Channel, bool)
	Channels() []hub.ChannelInfo
}

// Options configures invocation timeouts
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Status summarizes the gateway for the status endpoint
type Status struct {
	Devices  int           `json:"devices"`
	Online   int           `json:"online"`
	Channels int           `json:"channels"`
	Pending  int           `json:"pending"`
	Stats    pending.Stats `json:"calls"`
	Uptime   string        `json:"uptime"`
}

// Service relays client commands to devices and waits for their replies
type Service struct {
	registry *device.Registry
	pending  *pending.Table
	channels Channels
	metrics  *metrics.Metrics
	options  Options
	started  time.Time
	logger   zerolog.Logger
}

// NewService creates a control service
func NewService(registry *device.Registry, table *pending.Table, channels Channels, m *metrics.Metrics, options Options) *Service {
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = 5 * time.Second
	}

	return &Service{
		registry: registry,
		pending:  table,
		channels: channels,
		metrics:  m,
		options:  options,
		started:  time.Now(),
		logger:   logger.GetLogger("control"),
	}
}

// DefaultTimeout returns the timeout used when a client gives none
func (s *Service) DefaultTimeout() time.Duration {
	return s.options.DefaultTimeout
}

// Invoke sends operation to the device and waits for its reply, the
// timeout, ctx cancellation or the device disconnecting, whichever is first.
func (s *Service) Invoke(ctx context.Context, id device.ID, operation string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()

	payload, err := s.invoke(ctx, id, operation, args, timeout)

	outcome := Outcome(err)
	s.metrics.ObserveInvocation(outcome, time.Since(start))

	event := s.logger.Debug()
	if err != nil {
		event = s.logger.Info().Err(err)
	}
	event.
		Str("device_id", id.String()).
		Str("operation", operation).
		Str("outcome", outcome).
		Dur("elapsed", time.Since(start)).
		Msg("Invocation finished")

	return payload, err
}

func (s *Service) invoke(ctx context.Context, id device.ID, operation string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	dev, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	if !dev.Supports(operation) {
		return nil, fmt.Errorf("%w: %q on device %s", ErrUnsupportedOperation, operation, id)
	}

	ch, err := s.channelFor(dev)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		return nil, fmt.Errorf("%w: got %v", pending.ErrInvalidTimeout, timeout)
	}
	if s.options.MaxTimeout > 0 && timeout > s.options.MaxTimeout {
		timeout = s.options.MaxTimeout
	}

	call, err := s.pending.Create(id, operation, args, timeout)
	if err != nil {
		return nil, err
	}

	if err := ch.Send(hermes.BuildCommand(call.CorrelationID, id, operation, args)); err != nil {
		s.pending.Fail(call.CorrelationID, fmt.Errorf("%w: %v", pending.ErrDeviceDisconnected, err))
	}

	return call.Wait(ctx)
}

// channelFor returns the device's open channel or ErrDeviceOffline
func (s *Service) channelFor(dev device.Device) (*hub.Channel, error) {
	if dev.Connection == "" {
		return nil, fmt.Errorf("%w: device %s", ErrDeviceOffline, dev.ID)
	}

	ch, ok := s.channels.Lookup(dev.Connection)
	if !ok {
		return nil, fmt.Errorf("%w: device %s has no open channel", ErrDeviceOffline, dev.ID)
	}
	if st := ch.State(); st != hub.StateRegistered && st != hub.StateActive {
		return nil, fmt.Errorf("%w: device %s channel is %s", ErrDeviceOffline, dev.ID, st)
	}
	return ch, nil
}

// ListDevices returns every known device in registration order
func (s *Service) ListDevices() []device.Device {
	return s.registry.List()
}

// GetDevice returns one device
func (s *Service) GetDevice(id device.ID) (device.Device, error) {
	return s.registry.Get(id)
}

// UpdateDevice changes the client-facing name and position
func (s *Service) UpdateDevice(id device.ID, name, position string) (device.Device, error) {
	return s.registry.Rename(id, name, position)
}

// RemoveDevice forgets a device. An open channel is closed first so its
// pending calls fail as disconnected.
func (s *Service) RemoveDevice(id device.ID) error {
	dev, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	if dev.Connection != "" {
		if ch, ok := s.channels.Lookup(dev.Connection); ok {
			ch.Close(ErrDeviceRemoved)
		}
	}

	if err := s.registry.Remove(id); err != nil {
		return err
	}

	s.logger.Info().
		Str("device_id", id.String()).
		Str("unique_id", dev.UniqueID).
		Msg("Device removed")
	return nil
}

// Status returns a summary of devices, channels and calls
func (s *Service) Status() Status {
	total, online := s.registry.Count()
	stats := s.pending.GetStats()

	return Status{
		Devices:  total,
		Online:   online,
		Channels: len(s.channels.Channels()),
		Pending:  stats.Pending,
		Stats:    stats,
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
	}
}
